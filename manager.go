package carol

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	digest "github.com/opencontainers/go-digest"

	"github.com/carolcache/carol/internal/flight"
	"github.com/carolcache/carol/internal/index"
	"github.com/carolcache/carol/internal/refcount"
	"github.com/carolcache/carol/internal/store"
)

// Manager is the cache as a whole: the durable store and index plus the
// in-memory single-flight and refcount layers and the background
// eviction sweeper.
type Manager struct {
	store  *store.Store
	index  *index.Index
	flight *flight.Registry
	refs   *refcount.Table
	cfg    config

	wakeSweeper chan struct{}
	stopSweeper chan struct{}
	sweeperDone chan struct{}
}

// Init opens or creates the database at dbPath and the cache directory
// tree at cacheRoot, applies the schema, runs startup recovery, and
// starts the background eviction sweeper.
func Init(ctx context.Context, dbPath, cacheRoot string, opts ...Option) (*Manager, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.fetcher == nil {
		return nil, newError(KindDatabase, "init", errors.New("carol: no fetcher configured, use WithFetcher"))
	}

	st, err := store.Open(cacheRoot, cfg.dirPerm)
	if err != nil {
		return nil, newError(KindIo, "init", err)
	}
	if err := st.PurgeStaging(); err != nil {
		return nil, newError(KindIo, "init", err)
	}

	ix, err := index.Open(ctx, dbPath)
	if err != nil {
		return nil, newError(KindDatabase, "init", err)
	}

	m := &Manager{
		store:       st,
		index:       ix,
		flight:      &flight.Registry{},
		cfg:         cfg,
		wakeSweeper: make(chan struct{}, 1),
		stopSweeper: make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
	m.refs = refcount.New(func(int64) { m.wakeSweeperNow() })

	if err := m.recover(ctx); err != nil {
		_ = ix.Close()
		return nil, err
	}

	go m.runSweeper()
	return m, nil
}

// recover implements the startup recovery procedure: any Downloading row
// left over from a crash is failed and dropped (staging/ was already
// purged, so it has no file to clean up), every Ready row's backing file
// is checked to exist, and one sweep is run before the manager is handed
// to the caller.
func (m *Manager) recover(ctx context.Context) error {
	downloading, err := m.index.ListDownloading(ctx)
	if err != nil {
		return newError(KindDatabase, "recover", err)
	}
	for _, e := range downloading {
		m.failDownload(ctx, e.ID)
	}

	ready, err := m.index.ListReady(ctx)
	if err != nil {
		return newError(KindDatabase, "recover", err)
	}
	for _, e := range ready {
		path := e.CachePathValue()
		if path != "" && m.store.Exists(path) {
			continue
		}
		m.cfg.log().Warn("recover: ready entry missing backing file", "id", e.ID, "source", e.Source)
		m.failDownload(ctx, e.ID)
	}

	return m.sweepOnce(ctx)
}

// Get returns a live handle for source, fetching it if no Ready entry
// already exists. Concurrent Get calls for the same source collapse into
// one fetch; every caller still receives its own pinned handle.
func (m *Manager) Get(ctx context.Context, source string) (*Handle, error) {
	if e, err := m.index.LookupActive(ctx, source); err != nil {
		return nil, newError(KindDatabase, "get", err)
	} else if e != nil && e.StatusValue() == index.StatusReady {
		m.refs.Acquire(e.ID)
		if err := m.index.TouchLastUsed(ctx, e.ID, time.Now()); err != nil {
			m.refs.Release(e.ID)
			return nil, newError(KindDatabase, "get", err)
		}
		return m.newHandle(e.ID, e.CachePathValue()), nil
	}

	id, _, err := m.flight.Do(ctx, source, func() (int64, error) {
		return m.download(ctx, source)
	})
	if err != nil {
		if errors.Is(err, flight.ErrCancelled) {
			return nil, newError(KindCancelled, "get", ctx.Err())
		}
		return nil, err
	}

	ent, err := m.index.Get(ctx, id)
	if err != nil {
		return nil, newError(KindDatabase, "get", err)
	}
	if ent == nil {
		// Promoted then immediately swept before we could look it back up;
		// vanishingly unlikely with a sane sweep interval, but report it as
		// corruption rather than panic.
		return nil, newError(KindCorruption, "get", fmt.Errorf("entry %d vanished after promotion", id))
	}
	m.refs.AcquireN(id, 1)
	return m.newHandle(id, ent.CachePathValue()), nil
}

// download is the single-flight leader body: it inserts a Downloading
// row, streams the fetcher's bytes through a staging file while hashing
// incrementally, and publishes the result. Exactly one of these runs per
// source at a time, per the single-flight registry's leader election.
func (m *Manager) download(ctx context.Context, source string) (int64, error) {
	id, err := m.index.InsertDownloading(ctx, source, m.cfg.defaultPolicy, "")
	if err != nil {
		return 0, newError(KindDatabase, "download", err)
	}

	rc, hint, err := m.cfg.fetcher.Fetch(ctx, source)
	if err != nil {
		m.failDownload(context.WithoutCancel(ctx), id)
		if errors.Is(err, context.Canceled) {
			return 0, newError(KindCancelled, "download", err)
		}
		return 0, newError(KindTransport, "download", err)
	}
	defer rc.Close()

	cachePath, kind, err := m.stageHashPublish(rc, hint)
	if err != nil {
		m.failDownload(context.WithoutCancel(ctx), id)
		return 0, newError(kind, "download", err)
	}

	if err := m.index.PromoteToReady(ctx, id, cachePath); err != nil {
		m.failDownload(context.WithoutCancel(ctx), id)
		return 0, newError(KindDatabase, "download", err)
	}
	return id, nil
}

// CopyLocalFile imports a local file by copy-then-rename, applying the
// same incremental-hash-while-copying and content-dedup rules as a
// network fetch. label, if non-empty, is stored as the entry's source
// identity (so a later Get for the same label observes this entry);
// otherwise "file://" followed by path is used. filename is stored on the
// entry as a display label only; nothing in this package reads it back.
func (m *Manager) CopyLocalFile(ctx context.Context, path string, policy Policy, filename, label string) (*Handle, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, newError(KindIo, "copy_local_file", err)
	}
	defer src.Close()

	source := label
	if source == "" {
		source = "file://" + path
	}

	id, err := m.index.InsertDownloading(ctx, source, policy, filename)
	if err != nil {
		return nil, newError(KindDatabase, "copy_local_file", err)
	}

	cachePath, kind, err := m.stageHashPublish(src, nil)
	if err != nil {
		m.failDownload(context.WithoutCancel(ctx), id)
		return nil, newError(kind, "copy_local_file", err)
	}

	if err := m.index.PromoteToReady(ctx, id, cachePath); err != nil {
		m.failDownload(context.WithoutCancel(ctx), id)
		return nil, newError(KindDatabase, "copy_local_file", err)
	}

	m.refs.Acquire(id)
	return m.newHandle(id, cachePath), nil
}

// stageHashPublish streams r into a fresh staging file while hashing it
// incrementally, then publishes the result under its content address. If
// hint is non-nil the computed digest must match it. On success it
// returns the relative cache_path; on failure it returns the Kind the
// caller should attach to its wrapped error.
func (m *Manager) stageHashPublish(r io.Reader, hint *digest.Digest) (cachePath string, kind Kind, err error) {
	f, stagingPath, err := m.store.Stage()
	if err != nil {
		return "", KindIo, err
	}

	hasher := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(f, hasher), r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = m.store.DiscardStaging(stagingPath)
		if copyErr != nil {
			if errors.Is(copyErr, context.Canceled) {
				return "", KindCancelled, copyErr
			}
			// A failed write to the staging file names that file; any other
			// copy error came from reading r, which is a transport failure
			// unless r is a local file.
			var pe *os.PathError
			if errors.As(copyErr, &pe) && pe.Path == stagingPath {
				return "", KindIo, copyErr
			}
			if _, local := r.(*os.File); local {
				return "", KindIo, copyErr
			}
			return "", KindTransport, copyErr
		}
		return "", KindIo, closeErr
	}

	computed := digest.NewDigest(digest.SHA256, hasher)
	if hint != nil && *hint != computed {
		_ = m.store.DiscardStaging(stagingPath)
		return "", KindHashMismatch, fmt.Errorf("expected digest %s, computed %s", *hint, computed)
	}

	cachePath, _, err = m.store.Publish(stagingPath, computed.Encoded())
	if err != nil {
		return "", KindIo, err
	}
	return cachePath, 0, nil
}

func (m *Manager) failDownload(ctx context.Context, id int64) {
	if err := m.index.MarkFailed(ctx, id); err != nil {
		m.cfg.log().Error("mark entry failed", "id", id, "err", err)
		return
	}
	if err := m.index.Delete(ctx, id); err != nil {
		m.cfg.log().Error("delete failed entry", "id", id, "err", err)
	}
}

// RemoveOptions configures Remove's wait-for-idle behavior.
type RemoveOptions struct {
	// Wait, if true, blocks until the entry's refcount reaches zero before
	// tombstoning it. If false (the default), Remove marks the entry for
	// forced removal, wakes the sweeper, and returns immediately; the
	// sweeper performs the actual tombstone once the entry is unpinned (it
	// is woken again on the entry's next zero-transition).
	Wait bool
}

// RemoveOption mutates RemoveOptions.
type RemoveOption func(*RemoveOptions)

// WithWait makes Remove block until the entry is unpinned before
// tombstoning it, instead of deferring to the sweeper.
func WithWait() RemoveOption {
	return func(o *RemoveOptions) { o.Wait = true }
}

// Remove force-tombstones the active entry for source regardless of its
// retention policy. With no options it defers the actual tombstone to
// the sweeper if the entry is still pinned; WithWait blocks until the
// last handle is released first.
func (m *Manager) Remove(ctx context.Context, source string, opts ...RemoveOption) error {
	var ro RemoveOptions
	for _, o := range opts {
		o(&ro)
	}

	e, err := m.index.LookupActive(ctx, source)
	if err != nil {
		return newError(KindDatabase, "remove", err)
	}
	if e == nil {
		return ErrNotFound
	}

	if err := m.index.SetPendingRemoval(ctx, e.ID); err != nil {
		return newError(KindDatabase, "remove", err)
	}

	if !ro.Wait {
		m.wakeSweeperNow()
		return nil
	}

	if err := m.refs.WaitZero(ctx, e.ID); err != nil {
		return newError(KindCancelled, "remove", err)
	}
	if err := m.tombstoneOne(ctx, *e); err != nil {
		return newError(KindDatabase, "remove", err)
	}
	return nil
}

// tombstoneOne transitions e to Tombstoned and deletes its row within one
// transaction, unlinking its backing file unless another Ready entry
// still shares the same content-addressed path. It re-checks the
// in-memory refcount immediately before acting, so a handle acquired
// between an earlier decision to remove and this call still protects the
// file (invariant 3): if the entry is pinned, it is left for a later
// sweep.
func (m *Manager) tombstoneOne(ctx context.Context, e index.Entry) error {
	if m.refs.Count(e.ID) > 0 {
		return nil
	}
	return m.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if err := m.index.SetTombstoned(ctx, tx, e.ID); err != nil {
			return err
		}
		path := e.CachePathValue()
		if err := m.index.DeleteTx(ctx, tx, e.ID); err != nil {
			return err
		}
		if path == "" {
			return nil
		}
		shared, err := m.index.ReadyEntriesSharingPath(ctx, tx, path, e.ID)
		if err != nil {
			return err
		}
		if shared {
			return nil
		}
		return m.store.Unlink(path)
	})
}

// Close stops the background sweeper and closes the index.
func (m *Manager) Close() error {
	close(m.stopSweeper)
	<-m.sweeperDone
	return m.index.Close()
}
