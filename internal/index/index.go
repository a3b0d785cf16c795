// Package index is the transactional metadata index: a single files table
// matching the entry data model, driven by sqlx the way
// quay-claircore/pkg/distlock/postgres drives its advisory-lock
// transactions and developer-mesh's repositories scan sqlx struct tags.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// created, last_used, and policy_at are Unix milliseconds and
// policy_idle_ms is a millisecond duration, not seconds: whole-second
// columns would truncate any sub-second ExpiresAfterNotUsedFor policy to
// zero, making it evictable immediately instead of after the configured
// delay.
const schema = `
CREATE TABLE IF NOT EXISTS files (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	source              TEXT NOT NULL,
	cache_path          TEXT,
	filename            TEXT,
	created             INTEGER NOT NULL,
	last_used           INTEGER NOT NULL,
	policy_tag          INTEGER NOT NULL,
	policy_at           INTEGER,
	policy_idle_ms      INTEGER,
	status              INTEGER NOT NULL,
	pending_removal     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS files_source_idx ON files(source);
CREATE INDEX IF NOT EXISTS files_cache_path_idx ON files(cache_path);
`

// Index is the durable mapping from identity keys to entry records.
type Index struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the sqlite-backed index at dsn and
// applies the embedded schema.
func Open(ctx context.Context, dsn string) (*Index, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Tx runs fn inside a transaction, committing on success and rolling back
// on error or panic, mirroring quay-claircore's Beginx/Commit/Rollback
// discipline.
func (ix *Index) Tx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := ix.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// LookupActive returns the unique non-Tombstoned entry for source, or
// nil if none exists.
func (ix *Index) LookupActive(ctx context.Context, source string) (*Entry, error) {
	var e Entry
	err := ix.db.GetContext(ctx, &e,
		`SELECT * FROM files WHERE source = ? AND status != ? ORDER BY id DESC LIMIT 1`,
		source, int(StatusTombstoned))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("index: lookup_active: %w", err)
	}
	return &e, nil
}

// InsertDownloading inserts a new row in the Downloading state with a
// placeholder (NULL) cache_path.
func (ix *Index) InsertDownloading(ctx context.Context, source string, policy Policy, filename string) (int64, error) {
	now := time.Now().UnixMilli()
	tag, at, idle := policyColumns(policy)
	var fn sql.NullString
	if filename != "" {
		fn = sql.NullString{String: filename, Valid: true}
	}
	res, err := ix.db.ExecContext(ctx,
		`INSERT INTO files (source, cache_path, filename, created, last_used, policy_tag, policy_at, policy_idle_ms, status, pending_removal)
		 VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, 0)`,
		source, fn, now, now, tag, at, idle, int(StatusDownloading))
	if err != nil {
		return 0, fmt.Errorf("index: insert_downloading: %w", err)
	}
	return res.LastInsertId()
}

// PromoteToReady records that id's content has been published at
// cachePath and transitions it to Ready. The caller must complete the
// filesystem rename (store.Publish) before calling this, so a crash
// between the two leaves an orphan blob rather than a Ready row with no
// file (see the atomic-publish ordering in the entry state machine).
//
// No SQL UNIQUE constraint is declared on cache_path: two entries
// legitimately share one path when their content hashes to the same
// bytes (cross-source deduplication), and the content-addressed path
// itself is what guarantees no two distinct contents collide. Dedup is
// realized at the filesystem layer (store.Publish's idempotent rename),
// not by catching a constraint violation here.
func (ix *Index) PromoteToReady(ctx context.Context, id int64, cachePath string) error {
	return ix.Tx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE files SET cache_path = ?, status = ? WHERE id = ?`,
			cachePath, int(StatusReady), id)
		if err != nil {
			return fmt.Errorf("index: promote_to_ready: %w", err)
		}
		return requireRowsAffected(res, "promote_to_ready")
	})
}

// MarkFailed transitions id to Failed.
func (ix *Index) MarkFailed(ctx context.Context, id int64) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE files SET status = ? WHERE id = ?`, int(StatusFailed), id)
	if err != nil {
		return fmt.Errorf("index: mark_failed: %w", err)
	}
	return nil
}

// TouchLastUsed updates last_used to now.
func (ix *Index) TouchLastUsed(ctx context.Context, id int64, now time.Time) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE files SET last_used = ? WHERE id = ?`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("index: touch_last_used: %w", err)
	}
	return nil
}

// SetPendingRemoval marks id for forced removal regardless of its
// retention policy; the sweeper tombstones it once refcount reaches zero.
func (ix *Index) SetPendingRemoval(ctx context.Context, id int64) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE files SET pending_removal = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: set_pending_removal: %w", err)
	}
	return nil
}

// ListEvictable returns Ready entries whose policy predicate fires at now,
// or that are marked pending_removal.
func (ix *Index) ListEvictable(ctx context.Context, now time.Time) ([]Entry, error) {
	var entries []Entry
	nowMillis := now.UnixMilli()
	err := ix.db.SelectContext(ctx, &entries,
		`SELECT * FROM files
		 WHERE status = ?
		   AND (
		     pending_removal = 1
		     OR (policy_tag = ? AND policy_at IS NOT NULL AND policy_at <= ?)
		     OR (policy_tag = ? AND policy_idle_ms IS NOT NULL AND (? - last_used) >= policy_idle_ms)
		   )`,
		int(StatusReady), int(PolicyExpiresAt), nowMillis, int(PolicyIdleFor), nowMillis)
	if err != nil {
		return nil, fmt.Errorf("index: list_evictable: %w", err)
	}
	return entries, nil
}

// ReadyEntriesSharingPath reports whether any Ready entry other than
// excludeID shares path. Used by the sweeper and Remove to decide whether
// tombstoning an entry should also unlink its file. Pass a non-nil tx to
// run inside a caller-managed transaction.
func (ix *Index) ReadyEntriesSharingPath(ctx context.Context, tx *sqlx.Tx, path string, excludeID int64) (bool, error) {
	var n int
	const q = `SELECT COUNT(*) FROM files WHERE cache_path = ? AND status = ? AND id != ?`
	args := []any{path, int(StatusReady), excludeID}
	var err error
	if tx != nil {
		err = tx.GetContext(ctx, &n, q, args...)
	} else {
		err = ix.db.GetContext(ctx, &n, q, args...)
	}
	if err != nil {
		return false, fmt.Errorf("index: ready_entries_sharing_path: %w", err)
	}
	return n > 0, nil
}

// SetTombstoned transitions id to Tombstoned within tx.
func (ix *Index) SetTombstoned(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE files SET status = ? WHERE id = ?`, int(StatusTombstoned), id)
	if err != nil {
		return fmt.Errorf("index: set_tombstoned: %w", err)
	}
	return nil
}

// DeleteTx deletes id within tx.
func (ix *Index) DeleteTx(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	return nil
}

// Delete deletes id outside of any caller-managed transaction.
func (ix *Index) Delete(ctx context.Context, id int64) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	return nil
}

// ListDownloading returns all rows in the Downloading state, used by
// startup recovery.
func (ix *Index) ListDownloading(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := ix.db.SelectContext(ctx, &entries, `SELECT * FROM files WHERE status = ?`, int(StatusDownloading))
	if err != nil {
		return nil, fmt.Errorf("index: list_downloading: %w", err)
	}
	return entries, nil
}

// ListReady returns all rows in the Ready state, used by startup
// corruption scanning.
func (ix *Index) ListReady(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := ix.db.SelectContext(ctx, &entries, `SELECT * FROM files WHERE status = ?`, int(StatusReady))
	if err != nil {
		return nil, fmt.Errorf("index: list_ready: %w", err)
	}
	return entries, nil
}

// Get returns the entry for id, or nil if it does not exist.
func (ix *Index) Get(ctx context.Context, id int64) (*Entry, error) {
	var e Entry
	err := ix.db.GetContext(ctx, &e, `SELECT * FROM files WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("index: get: %w", err)
	}
	return &e, nil
}

func requireRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("index: %s: no matching row", op)
	}
	return nil
}
