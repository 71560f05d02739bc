// Package memory provides a process-local cluster.Provider. Every map lives in
// RAM behind a mutex, so conditional writes are trivially atomic. It is meant
// for tests, development and single-node gateways; several in-process
// "members" may share one Provider to simulate a cluster.
package memory

import (
	"bytes"
	"context"
	"maps"
	"sync"

	"github.com/ggoodman/gatewaycore/cluster"
)

// Provider implements cluster.Provider with in-memory maps created on demand.
type Provider struct {
	mu     sync.Mutex
	maps   map[string]*Map
	closed bool
}

// New creates an empty Provider.
func New() *Provider {
	return &Provider{maps: make(map[string]*Map)}
}

// Map implements cluster.Provider. Maps are created on first use.
func (p *Provider) Map(name string) (cluster.Map, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	m, ok := p.maps[name]
	if !ok {
		m = &Map{data: make(map[string][]byte)}
		p.maps[name] = m
	}
	return m, true
}

// Close releases all maps. Maps handed out earlier keep working on their own
// data but the provider stops serving them.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.maps = nil
	return nil
}

// Map is an in-memory cluster.Map.
type Map struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ cluster.Map = (*Map)(nil)

func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return bytes.Clone(v), ok, nil
}

func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok {
		return bytes.Clone(cur), true, nil
	}
	m.data[key] = bytes.Clone(value)
	return nil, false, nil
}

func (m *Map) Replace(ctx context.Context, key string, old, next []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	m.data[key] = bytes.Clone(next)
	return true, nil
}

func (m *Map) Remove(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || !bytes.Equal(cur, expected) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Map) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Map) Entries(ctx context.Context) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := maps.Clone(m.data)
	for k, v := range out {
		out[k] = bytes.Clone(v)
	}
	return out, nil
}
