// Package balancer keeps the cluster-wide record of which accept URIs serve
// each balance URI.
//
// Two maps are shared through the cluster provider. The record map holds, per
// balance URI, the union of every member's accept URIs. The snapshot map holds,
// per member, that member's own balance URI -> accept URIs declarations. Only
// the owning member writes its snapshot; any member may update a record, so
// every record write goes through cluster.ReadModifyWrite.
package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/ggoodman/gatewaycore/internal/metrics"
)

const (
	// RecordMapName is the shared balance URI -> accept URI set map.
	RecordMapName = "balancerMap"
	// SnapshotMapName is the member -> (balance URI -> accept URIs) map.
	SnapshotMapName = "memberIdBalancerMap"
)

// ErrClusterStateMissing is returned when a balancer map is not served by the
// cluster provider, or when a member retracts without ever having published.
// It signals a configuration or ordering bug and is never retried.
var ErrClusterStateMissing = errors.New("balancer: cluster state missing")

// State publishes and retracts the local member's balance targets.
type State struct {
	cluster cluster.Context
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger used for membership changes.
func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records update outcomes and CAS retries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *State) { s.metrics = m }
}

// New creates a State for the given cluster. A Context without a provider
// yields a State whose updates are no-ops (a stand-alone gateway).
func New(cc cluster.Context, opts ...Option) *State {
	s := &State{
		cluster: cc,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LocalMember returns the member this State publishes for.
func (s *State) LocalMember() cluster.MemberID { return s.cluster.LocalMember }

// Enabled reports whether a cluster provider is configured.
func (s *State) Enabled() bool { return s.cluster.Collections != nil }

func (s *State) maps() (records, snapshots cluster.Map, err error) {
	snapshots, ok := s.cluster.Collections.Map(SnapshotMapName)
	if !ok || snapshots == nil {
		return nil, nil, fmt.Errorf("%w: map %q", ErrClusterStateMissing, SnapshotMapName)
	}
	records, ok = s.cluster.Collections.Map(RecordMapName)
	if !ok || records == nil {
		return nil, nil, fmt.Errorf("%w: map %q", ErrClusterStateMissing, RecordMapName)
	}
	return records, snapshots, nil
}

// Publish declares accepts as the local member's targets for every balance
// URI. The member's snapshot entry for each balance URI is replaced wholesale,
// then each shared record grows to include accepts.
func (s *State) Publish(ctx context.Context, balances, accepts []string) error {
	if !s.Enabled() || len(balances) == 0 || len(accepts) == 0 {
		return nil
	}
	records, snapshots, err := s.maps()
	if err != nil {
		return err
	}

	member := string(s.cluster.LocalMember)
	declared := slices.Clone(accepts)
	_, err = cluster.ReadModifyWrite(ctx, snapshots, member, func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		snap := make(snapshot)
		if exists {
			var err error
			if snap, err = decodeSnapshot(cur); err != nil {
				return nil, cluster.Keep, err
			}
		}
		for _, b := range balances {
			snap[b] = declared
		}
		next, err := json.Marshal(snap)
		return next, cluster.Store, err
	})
	if err != nil {
		return fmt.Errorf("publish member snapshot: %w", err)
	}

	for _, balance := range balances {
		var global uriSet
		res, err := cluster.ReadModifyWrite(ctx, records, balance, func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
			set := newURISet()
			if exists {
				var err error
				if set, err = decodeURISet(cur); err != nil {
					return nil, cluster.Keep, err
				}
			}
			global = set
			added := false
			for _, a := range accepts {
				added = set.add(a) || added
			}
			if exists && !added {
				return cur, cluster.Keep, nil
			}
			next, err := set.encode()
			return next, cluster.Store, err
		})
		if err != nil {
			return fmt.Errorf("publish balance %s: %w", balance, err)
		}
		s.metrics.BalancerUpdate("publish", outcome(res.Action), res.Retries)
		s.log.InfoContext(ctx, "cluster member bound",
			slog.String("member", member),
			slog.String("balance", balance))
		s.log.DebugContext(ctx, "added balance URIs",
			slog.Any("accepts", accepts),
			slog.String("global", global.String()),
			slog.Int("retries", res.Retries))
	}
	return nil
}

// Retract withdraws accepts from every balance URI. It fails with
// ErrClusterStateMissing if the local member has no snapshot.
func (s *State) Retract(ctx context.Context, balances, accepts []string) error {
	if !s.Enabled() || len(balances) == 0 {
		return nil
	}
	records, snapshots, err := s.maps()
	if err != nil {
		return err
	}

	member := string(s.cluster.LocalMember)
	_, err = cluster.ReadModifyWrite(ctx, snapshots, member, func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		if !exists {
			return nil, cluster.Keep, fmt.Errorf("%w: no snapshot for member %s", ErrClusterStateMissing, member)
		}
		snap, err := decodeSnapshot(cur)
		if err != nil {
			return nil, cluster.Keep, err
		}
		for _, b := range balances {
			delete(snap, b)
		}
		next, err := json.Marshal(snap)
		return next, cluster.Store, err
	})
	if err != nil {
		return fmt.Errorf("retract member snapshot: %w", err)
	}

	if len(accepts) == 0 {
		return nil
	}
	for _, balance := range balances {
		if err := s.retractRecord(ctx, records, member, balance, accepts); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) retractRecord(ctx context.Context, records cluster.Map, member, balance string, accepts []string) error {
	var global uriSet
	res, err := cluster.ReadModifyWrite(ctx, records, balance, func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		global = nil
		if !exists {
			return nil, cluster.Keep, nil
		}
		set, err := decodeURISet(cur)
		if err != nil {
			return nil, cluster.Keep, err
		}
		global = set
		removed := false
		for _, a := range accepts {
			removed = set.remove(a) || removed
		}
		switch {
		case !removed:
			return cur, cluster.Keep, nil
		case len(set) == 0:
			return nil, cluster.Delete, nil
		}
		next, err := set.encode()
		return next, cluster.Store, err
	})
	if err != nil {
		return fmt.Errorf("retract balance %s: %w", balance, err)
	}
	s.metrics.BalancerUpdate("retract", outcome(res.Action), res.Retries)
	s.log.InfoContext(ctx, "cluster member unbound",
		slog.String("member", member),
		slog.String("balance", balance))
	s.log.DebugContext(ctx, "removed balance URIs",
		slog.Any("accepts", accepts),
		slog.String("global", global.String()),
		slog.Int("retries", res.Retries))
	return nil
}

// Leave removes every contribution of a departed member and then its
// snapshot. Any member may call it on behalf of another.
func (s *State) Leave(ctx context.Context, member cluster.MemberID) error {
	if !s.Enabled() {
		return nil
	}
	records, snapshots, err := s.maps()
	if err != nil {
		return err
	}
	cur, ok, err := snapshots.Get(ctx, string(member))
	if err != nil {
		return fmt.Errorf("read member snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	snap, err := decodeSnapshot(cur)
	if err != nil {
		return err
	}
	for _, balance := range slices.Sorted(maps.Keys(snap)) {
		if err := s.retractRecord(ctx, records, string(member), balance, snap[balance]); err != nil {
			return err
		}
	}
	if _, err := snapshots.Remove(ctx, string(member), cur); err != nil {
		return fmt.Errorf("remove member snapshot: %w", err)
	}
	return nil
}

// Targets returns the accept URIs currently serving balance, sorted.
func (s *State) Targets(ctx context.Context, balance string) ([]string, error) {
	if !s.Enabled() {
		return nil, nil
	}
	records, _, err := s.maps()
	if err != nil {
		return nil, err
	}
	cur, ok, err := records.Get(ctx, balance)
	if err != nil || !ok {
		return nil, err
	}
	set, err := decodeURISet(cur)
	if err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

// Records returns every balancer record.
func (s *State) Records(ctx context.Context) (map[string][]string, error) {
	if !s.Enabled() {
		return map[string][]string{}, nil
	}
	records, _, err := s.maps()
	if err != nil {
		return nil, err
	}
	entries, err := records.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(entries))
	for k, v := range entries {
		set, err := decodeURISet(v)
		if err != nil {
			return nil, err
		}
		out[k] = set.sorted()
	}
	return out, nil
}

// Members returns every member snapshot.
func (s *State) Members(ctx context.Context) (map[cluster.MemberID]map[string][]string, error) {
	if !s.Enabled() {
		return map[cluster.MemberID]map[string][]string{}, nil
	}
	_, snapshots, err := s.maps()
	if err != nil {
		return nil, err
	}
	entries, err := snapshots.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[cluster.MemberID]map[string][]string, len(entries))
	for k, v := range entries {
		snap, err := decodeSnapshot(v)
		if err != nil {
			return nil, err
		}
		out[cluster.MemberID(k)] = snap
	}
	return out, nil
}

func outcome(a cluster.Action) string {
	switch a {
	case cluster.Store:
		return "stored"
	case cluster.Delete:
		return "deleted"
	default:
		return "noop"
	}
}
