package carol

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// sweepConcurrency bounds how many candidate entries a single sweep
// tombstones at once, the way the teacher's batch deleter bounds
// concurrent blob removals with a weighted semaphore.
const sweepConcurrency = 8

// runSweeper is the eviction sweeper's goroutine body: it wakes on its
// ticker, on an edge-triggered signal from a refcount zero-transition or
// a deferred Remove, or on shutdown.
func (m *Manager) runSweeper() {
	defer close(m.sweeperDone)
	ticker := time.NewTicker(m.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweeper:
			return
		case <-ticker.C:
			if err := m.sweepOnce(context.Background()); err != nil {
				m.cfg.log().Warn("sweep failed", "err", err)
			}
		case <-m.wakeSweeper:
			if err := m.sweepOnce(context.Background()); err != nil {
				m.cfg.log().Warn("sweep failed", "err", err)
			}
		}
	}
}

// wakeSweeperNow requests an out-of-band sweep without blocking; a sweep
// already pending absorbs the request.
func (m *Manager) wakeSweeperNow() {
	select {
	case m.wakeSweeper <- struct{}{}:
	default:
	}
}

// sweepOnce lists every currently evictable entry and tombstones as many
// as sweepConcurrency lets run at once. Each candidate's removal is
// independent, so one failing does not stop the others.
func (m *Manager) sweepOnce(ctx context.Context) error {
	candidates, err := m.index.ListEvictable(ctx, time.Now())
	if err != nil {
		return newError(KindDatabase, "sweep", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(sweepConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range candidates {
		e := e
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := m.tombstoneOne(gctx, e); err != nil {
				m.cfg.log().Warn("sweep: tombstone failed", "id", e.ID, "source", e.Source, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}
