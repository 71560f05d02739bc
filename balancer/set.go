package balancer

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// uriSet is the in-memory form of a balancer record. It is always stored as a
// sorted JSON array so that two members computing the same set write the same
// bytes, which is what the conditional writes compare.
type uriSet map[string]struct{}

func newURISet(uris ...string) uriSet {
	s := make(uriSet, len(uris))
	for _, u := range uris {
		s.add(u)
	}
	return s
}

func decodeURISet(b []byte) (uriSet, error) {
	var uris []string
	if err := json.Unmarshal(b, &uris); err != nil {
		return nil, fmt.Errorf("decode balancer record: %w", err)
	}
	return newURISet(uris...), nil
}

func (s uriSet) add(u string) bool {
	if _, ok := s[u]; ok {
		return false
	}
	s[u] = struct{}{}
	return true
}

func (s uriSet) remove(u string) bool {
	if _, ok := s[u]; !ok {
		return false
	}
	delete(s, u)
	return true
}

func (s uriSet) sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

func (s uriSet) encode() ([]byte, error) {
	return json.Marshal(s.sorted())
}

func (s uriSet) String() string {
	return fmt.Sprint(s.sorted())
}

// snapshot is one member's view: balance URI -> that member's accept URIs.
type snapshot map[string][]string

func decodeSnapshot(b []byte) (snapshot, error) {
	snap := make(snapshot)
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode member snapshot: %w", err)
	}
	return snap, nil
}
