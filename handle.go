package carol

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// Handle is a live pinning token: it references one entry's id and holds
// one unit of in-memory refcount. Releasing the handle decrements the
// count and, on the transition to zero, signals the eviction sweeper.
//
// A symlink created via Symlink is only guaranteed valid while the handle
// that created it is held — it is not itself pinned beyond that.
type Handle struct {
	mgr       *Manager
	entryID   int64
	cachePath string // relative, e.g. "files/<hex>"

	releaseOnce sync.Once
}

// CachePath returns the absolute filesystem path of the handle's backing
// file.
func (h *Handle) CachePath() string {
	return h.mgr.store.AbsPath(h.cachePath)
}

// Symlink creates a symbolic link at target pointing at the handle's
// cache path. It fails with KindConflict if target already exists.
func (h *Handle) Symlink(target string) error {
	abs := h.CachePath()
	if err := os.Symlink(abs, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return newError(KindConflict, "symlink", err)
		}
		return newError(KindIo, "symlink", err)
	}
	return nil
}

// Release decrements the handle's refcount. It is safe to call multiple
// times; only the first call has an effect. Go has no destructors, so
// Release stands in for the source material's "release on drop" —
// callers are expected to `defer h.Release()`, the same explicit-call
// idiom the teacher uses for its Writer's Commit/Discard pair.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.mgr.refs.Release(h.entryID)
	})
}

func (m *Manager) newHandle(entryID int64, cachePath string) *Handle {
	return &Handle{mgr: m, entryID: entryID, cachePath: cachePath}
}

// String implements fmt.Stringer for log lines.
func (h *Handle) String() string {
	return fmt.Sprintf("carol.Handle{id=%d, path=%s}", h.entryID, h.cachePath)
}
