package cluster

import (
	"context"
	"fmt"
)

// Action is the outcome of an update function passed to ReadModifyWrite.
type Action int

const (
	// Keep leaves the map untouched and ends the loop.
	Keep Action = iota
	// Store writes the returned value.
	Store
	// Delete removes the key.
	Delete
)

// UpdateFunc computes the next value of a key from its current value. It must
// be pure: it may be called many times, once per attempt.
type UpdateFunc func(current []byte, exists bool) (next []byte, action Action, err error)

// Result describes a completed ReadModifyWrite.
type Result struct {
	Action  Action
	Value   []byte
	Retries int
}

// ReadModifyWrite applies fn to key with optimistic concurrency. Each attempt
// re-reads the key, so a write lost to a concurrent writer is always followed
// by a fresh computation instead of being dropped. There is no retry limit:
// contention is bounded by how often members change, not by request traffic.
//
// Conditional write used per attempt:
//
//	absent  + Store  -> PutIfAbsent
//	present + Store  -> Replace(current, next)
//	present + Delete -> Remove(current)
//	absent  + Delete -> nothing to do
func ReadModifyWrite(ctx context.Context, m Map, key string, fn UpdateFunc) (Result, error) {
	var res Result
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cur, exists, err := m.Get(ctx, key)
		if err != nil {
			return res, fmt.Errorf("read %q: %w", key, err)
		}
		next, action, err := fn(cur, exists)
		if err != nil {
			return res, err
		}
		res.Action, res.Value = action, next

		var won bool
		switch action {
		case Keep:
			res.Value = cur
			return res, nil
		case Store:
			if !exists {
				_, loaded, err := m.PutIfAbsent(ctx, key, next)
				if err != nil {
					return res, fmt.Errorf("put-if-absent %q: %w", key, err)
				}
				won = !loaded
			} else {
				won, err = m.Replace(ctx, key, cur, next)
				if err != nil {
					return res, fmt.Errorf("replace %q: %w", key, err)
				}
			}
		case Delete:
			if !exists {
				res.Value = nil
				return res, nil
			}
			won, err = m.Remove(ctx, key, cur)
			if err != nil {
				return res, fmt.Errorf("remove %q: %w", key, err)
			}
		default:
			return res, fmt.Errorf("unknown update action %d", action)
		}
		if won {
			return res, nil
		}
		res.Retries++
	}
}
