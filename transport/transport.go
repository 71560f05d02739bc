// Package transport defines the contracts between the binding manager and
// concrete transports, and a registry that selects a transport by URI
// scheme.
package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ggoodman/gatewaycore/resource"
	"github.com/ggoodman/gatewaycore/session"
)

// ErrUnknownScheme is returned when no transport is registered for a scheme.
var ErrUnknownScheme = errors.New("transport: unknown scheme")

// ErrNotBound is returned when unbinding an address that is not bound.
var ErrNotBound = errors.New("transport: address not bound")

// Handler is the application endpoint for sessions of a binding.
type Handler = session.Handler

// Acceptor listens on resource addresses.
type Acceptor interface {
	// Bind starts accepting sessions on addr. Every new session runs init
	// before it is opened and delivers its events to h.
	Bind(ctx context.Context, addr *resource.Address, h Handler, init SessionInitializer) error
	// Unbind stops accepting on addr. Established sessions are not closed.
	Unbind(ctx context.Context, addr *resource.Address) error
}

// Connector establishes outbound sessions.
type Connector interface {
	Connect(ctx context.Context, addr *resource.Address, h Handler, init SessionInitializer) (*ConnectFuture, error)
}

// ConnectInitializer is implemented by connectors that must be prepared before
// their first Connect and torn down after their last.
type ConnectInitializer interface {
	ConnectInit(ctx context.Context, addr *resource.Address) error
	ConnectDestroy(ctx context.Context, addr *resource.Address) error
}

// Transport groups the acceptor and connector for one scheme. Either may be
// nil when the transport only supports one direction.
type Transport interface {
	Acceptor(addr *resource.Address) Acceptor
	Connector(addr *resource.Address) Connector
}

type registration struct {
	transport Transport
	secure    bool
}

// Registry maps URI schemes to transports.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]registration)}
}

// Register makes t available for scheme. secure marks schemes that imply
// transport encryption (wss, https, ssl).
func (r *Registry) Register(scheme string, t Transport, secure bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[scheme] = registration{transport: t, secure: secure}
}

// ForScheme returns the transport registered for scheme.
func (r *Registry) ForScheme(scheme string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return reg.transport, nil
}

// IsSecure reports whether scheme was registered as secure.
func (r *Registry) IsSecure(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemes[scheme].secure
}

// Schemes lists registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemes))
	for s := range r.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Group buckets uris by scheme, keeping the input order within each bucket.
// The order of the returned schemes follows first appearance.
func Group(uris []string) (schemes []string, groups map[string][]string, err error) {
	groups = make(map[string][]string)
	for _, u := range uris {
		s, err := resource.Scheme(u)
		if err != nil {
			return nil, nil, err
		}
		if !slices.Contains(schemes, s) {
			schemes = append(schemes, s)
		}
		groups[s] = append(groups[s], u)
	}
	return schemes, groups, nil
}
