package index

import (
	"database/sql"
	"time"
)

// Entry is the row shape of the files table, scanned via sqlx struct tags
// the way apps/rag-loader's repositories scan onto sqlx.DB.SelectContext.
// Created, LastUsed, and PolicyAt are Unix milliseconds, not seconds:
// whole-second resolution would truncate any sub-second retention policy
// (e.g. ExpiresAfterNotUsedFor(100*time.Millisecond)) to zero.
type Entry struct {
	ID               int64          `db:"id"`
	Source           string         `db:"source"`
	CachePath        sql.NullString `db:"cache_path"`
	Filename         sql.NullString `db:"filename"`
	Created          int64          `db:"created"`
	LastUsed         int64          `db:"last_used"`
	PolicyTag        int            `db:"policy_tag"`
	PolicyAt         sql.NullInt64  `db:"policy_at"`
	PolicyIdleMillis sql.NullInt64  `db:"policy_idle_ms"`
	Status           int            `db:"status"`
	PendingRemoval   bool           `db:"pending_removal"`
}

// CreatedAt returns Created as a time.Time.
func (e Entry) CreatedAt() time.Time { return time.UnixMilli(e.Created).UTC() }

// LastUsedAt returns LastUsed as a time.Time.
func (e Entry) LastUsedAt() time.Time { return time.UnixMilli(e.LastUsed).UTC() }

// StatusValue returns Status as the typed enum.
func (e Entry) StatusValue() Status { return Status(e.Status) }

// Policy reconstructs the Policy sum type from the entry's (tag, data) columns.
func (e Entry) Policy() Policy {
	switch PolicyTag(e.PolicyTag) {
	case PolicyExpiresAt:
		at := time.UnixMilli(0).UTC()
		if e.PolicyAt.Valid {
			at = time.UnixMilli(e.PolicyAt.Int64).UTC()
		}
		return Policy{Tag: PolicyExpiresAt, At: at}
	case PolicyIdleFor:
		var idle time.Duration
		if e.PolicyIdleMillis.Valid {
			idle = time.Duration(e.PolicyIdleMillis.Int64) * time.Millisecond
		}
		return Policy{Tag: PolicyIdleFor, Idle: idle}
	default:
		return Policy{Tag: PolicyForever}
	}
}

// CachePathValue returns the cache_path column, or "" while Downloading.
func (e Entry) CachePathValue() string {
	if e.CachePath.Valid {
		return e.CachePath.String
	}
	return ""
}

func policyColumns(p Policy) (tag int, at sql.NullInt64, idleMillis sql.NullInt64) {
	tag = int(p.Tag)
	switch p.Tag {
	case PolicyExpiresAt:
		at = sql.NullInt64{Int64: p.At.UnixMilli(), Valid: true}
	case PolicyIdleFor:
		idleMillis = sql.NullInt64{Int64: int64(p.Idle / time.Millisecond), Valid: true}
	}
	return tag, at, idleMillis
}
