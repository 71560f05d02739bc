package cluster

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrProviderClosed is returned by maps whose provider has been closed.
var ErrProviderClosed = errors.New("cluster: provider closed")

// Map is a distributed key/value map with conditional writes. Implementations
// MUST be safe for concurrent use from many goroutines and processes.
type Map interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put unconditionally stores value. It is for seeding and operator
	// repair; shared balancer state is only written through ReadModifyWrite.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent stores value only if key is absent. When key already exists
	// the current value is returned with loaded set to true.
	PutIfAbsent(ctx context.Context, key string, value []byte) (existing []byte, loaded bool, err error)

	// Replace stores next only if the current value equals old.
	Replace(ctx context.Context, key string, old, next []byte) (bool, error)

	// Remove deletes key only if the current value equals expected.
	Remove(ctx context.Context, key string, expected []byte) (bool, error)

	// Delete unconditionally deletes key. Deleting an absent key is a no-op.
	// Like Put it is an administrative helper; shared records are removed
	// through Remove.
	Delete(ctx context.Context, key string) error

	// Entries returns a point-in-time copy of the map.
	Entries(ctx context.Context) (map[string][]byte, error)
}

// Provider hands out named distributed maps.
type Provider interface {
	// Map returns the map called name. ok is false when the provider does not
	// serve that map.
	Map(name string) (m Map, ok bool)
}

// MemberID identifies a cluster member.
type MemberID string

// NewMemberID returns a random member identifier.
func NewMemberID() MemberID {
	return MemberID(uuid.NewString())
}

func (m MemberID) String() string { return string(m) }

// Context is what a service needs to know about the cluster it runs in.
type Context struct {
	Collections Provider
	LocalMember MemberID
}
