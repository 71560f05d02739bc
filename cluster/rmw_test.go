package cluster_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/ggoodman/gatewaycore/cluster/memory"
	"github.com/stretchr/testify/require"
)

// racingMap lets another writer slip in a change right before the first
// conditional write, forcing exactly one lost race.
type racingMap struct {
	cluster.Map
	raced bool
}

func (r *racingMap) interfere(ctx context.Context, key string) {
	if !r.raced {
		r.raced = true
		_ = r.Map.Put(ctx, key, []byte("other"))
	}
}

func (r *racingMap) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	r.interfere(ctx, key)
	return r.Map.PutIfAbsent(ctx, key, value)
}

func (r *racingMap) Replace(ctx context.Context, key string, old, next []byte) (bool, error) {
	r.interfere(ctx, key)
	return r.Map.Replace(ctx, key, old, next)
}

func newMap(t *testing.T) cluster.Map {
	t.Helper()
	m, ok := memory.New().Map("rmw")
	require.True(t, ok)
	return m
}

func TestReadModifyWriteRetriesLostRace(t *testing.T) {
	ctx := context.Background()
	m := &racingMap{Map: newMap(t)}

	var seen []string
	res, err := cluster.ReadModifyWrite(ctx, m, "k", func(cur []byte, exists bool) ([]byte, cluster.Action, error) {
		seen = append(seen, string(cur))
		return append([]byte(nil), append(cur, '+')...), cluster.Store, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Retries)
	require.Equal(t, []string{"", "other"}, seen)

	v, _, _ := m.Get(ctx, "k")
	require.Equal(t, "other+", string(v))
	require.Equal(t, "other+", string(res.Value))
}

func TestReadModifyWriteStopsOnFunctionError(t *testing.T) {
	boom := errors.New("boom")
	_, err := cluster.ReadModifyWrite(context.Background(), newMap(t), "k", func([]byte, bool) ([]byte, cluster.Action, error) {
		return nil, cluster.Keep, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestReadModifyWriteHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := cluster.ReadModifyWrite(ctx, newMap(t), "k", func([]byte, bool) ([]byte, cluster.Action, error) {
		called = true
		return nil, cluster.Keep, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestReadModifyWriteRejectsUnknownAction(t *testing.T) {
	_, err := cluster.ReadModifyWrite(context.Background(), newMap(t), "k", func([]byte, bool) ([]byte, cluster.Action, error) {
		return nil, cluster.Action(42), nil
	})
	require.Error(t, err)
}

func TestMemberIDsAreUnique(t *testing.T) {
	a, b := cluster.NewMemberID(), cluster.NewMemberID()
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a.String())
}
