package carol

import (
	"time"

	"github.com/carolcache/carol/internal/index"
)

// Policy is the retention policy sum type described in the data model:
// {Forever, ExpiresAt(instant), IdleFor(duration)}. Represent new
// variants by adding a tag, not by subclassing.
type Policy = index.Policy

// StoreForever returns a policy that is never evicted.
func StoreForever() Policy { return index.StoreForever() }

// ExpiresAt returns a policy evictable at or after t.
func ExpiresAt(t time.Time) Policy { return index.ExpiresAt(t) }

// ExpiresAfterNotUsedFor returns a policy evictable once idle for d.
func ExpiresAfterNotUsedFor(d time.Duration) Policy { return index.ExpiresAfterNotUsedFor(d) }
