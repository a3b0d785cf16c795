// Package refcount is the in-memory handle/refcount layer: durable
// refcount is neither required nor desirable, since a process restart
// implies all handles are lost (see the data model's open questions).
package refcount

import (
	"context"
	"sync"
)

type pin struct {
	count int
}

// Table maps entry IDs to their live pin count. The onZero callback given
// to New, if non-nil, is invoked (without the table's lock held) exactly once per zero
// transition — an edge-triggered signal so the sweeper is notified the
// instant a newly-eligible entry's last handle drops, rather than waiting
// out the sweep period.
type Table struct {
	mu      sync.Mutex
	pins    map[int64]*pin
	waiters map[int64][]chan struct{}
	onZero  func(id int64)
}

// New creates a refcount table. onZero may be nil.
func New(onZero func(id int64)) *Table {
	return &Table{
		pins:    make(map[int64]*pin),
		waiters: make(map[int64][]chan struct{}),
		onZero:  onZero,
	}
}

// Acquire adds one unit of refcount for id.
func (t *Table) Acquire(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pins[id]
	if p == nil {
		p = &pin{}
		t.pins[id] = p
	}
	p.count++
}

// AcquireN adds n units of refcount for id; n <= 0 is a no-op. Get calls
// it with n = 1 for each caller that receives a handle once the
// single-flight download completes.
func (t *Table) AcquireN(id int64, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pins[id]
	if p == nil {
		p = &pin{}
		t.pins[id] = p
	}
	p.count += n
}

// Release removes one unit of refcount for id. On the transition to zero,
// the entry is forgotten and onZero is invoked.
func (t *Table) Release(id int64) {
	t.mu.Lock()
	p := t.pins[id]
	if p == nil {
		t.mu.Unlock()
		return
	}
	p.count--
	zero := p.count <= 0
	var waiters []chan struct{}
	if zero {
		delete(t.pins, id)
		waiters = t.waiters[id]
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	if zero && t.onZero != nil {
		t.onZero(id)
	}
}

// Count returns id's current refcount.
func (t *Table) Count(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pins[id]
	if p == nil {
		return 0
	}
	return p.count
}

// WaitZero blocks until id's refcount reaches zero (returning immediately
// if it is already zero or unpinned), or until ctx is cancelled. Used by
// Remove's wait mode to tombstone an entry as soon as its last handle
// drops instead of waiting out a full sweep interval.
func (t *Table) WaitZero(ctx context.Context, id int64) error {
	t.mu.Lock()
	p := t.pins[id]
	if p == nil || p.count <= 0 {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters[id] = append(t.waiters[id], ch)
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
