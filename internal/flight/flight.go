// Package flight is the single-flight registry: concurrent requests for
// the same source collapse into one in-flight operation whose outcome is
// shared, built on golang.org/x/sync/singleflight the way
// meigma-blob/cache/blob.go, cache/reader.go, and cached_reader.go each
// carry a fetchGroup singleflight.Group keyed by content hash.
package flight

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// ErrCancelled is returned to a caller whose own context was cancelled
// while waiting, and to followers when the leader's fetch was cancelled.
var ErrCancelled = errors.New("flight: cancelled")

// Registry deduplicates concurrent Do calls for the same key.
//
// The zero value is a ready-to-use Registry, matching the teacher's
// "fetchGroup singleflight.Group // zero value is valid" convention.
type Registry struct {
	g singleflight.Group
}

// Do runs fn for exactly one caller per key at a time; all other
// concurrent callers with the same key block on the same outcome without
// re-invoking fn. The single in-flight caller whose goroutine is first to
// register the key effectively becomes the leader: its context (leaderCtx,
// supplied by fn's caller) governs the operation, and if that context is
// cancelled, fn is expected to return ErrCancelled, which is then
// delivered to every waiter (leader and followers alike).
//
// A caller's own ctx cancellation while merely waiting (i.e. it joined as
// a follower, or it is the leader but fn has already returned) unblocks
// only that caller's Do call with ErrCancelled; it does not affect fn's
// execution or other waiters.
func (r *Registry) Do(ctx context.Context, key string, fn func() (int64, error)) (id int64, shared bool, err error) {
	ch := r.g.DoChan(key, func() (interface{}, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Shared, res.Err
		}
		return res.Val.(int64), res.Shared, nil
	case <-ctx.Done():
		return 0, false, ErrCancelled
	}
}

// Forget removes key's in-flight call, if any, so the next Do call for
// key starts a fresh leader election rather than joining a stale one.
// singleflight.Group already does this automatically once fn returns;
// Forget is for the rare case a caller needs to force it early.
func (r *Registry) Forget(key string) {
	r.g.Forget(key)
}
