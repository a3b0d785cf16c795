package index

import "time"

// PolicyTag identifies the retention policy variant, persisted as the
// "tag" half of the (tag, data) column pair described in the design notes.
type PolicyTag int

const (
	// PolicyForever never becomes evictable.
	PolicyForever PolicyTag = iota
	// PolicyExpiresAt becomes evictable once now >= At.
	PolicyExpiresAt
	// PolicyIdleFor becomes evictable once now - last_used >= Idle.
	PolicyIdleFor
)

// Policy is the retention policy sum type. Exactly one of At/Idle is
// meaningful, selected by Tag. Represent new variants by adding a tag,
// not by subclassing.
type Policy struct {
	Tag  PolicyTag
	At   time.Time
	Idle time.Duration
}

// StoreForever returns a policy that is never evictable.
func StoreForever() Policy {
	return Policy{Tag: PolicyForever}
}

// ExpiresAt returns a policy evictable at or after t.
func ExpiresAt(t time.Time) Policy {
	return Policy{Tag: PolicyExpiresAt, At: t}
}

// ExpiresAfterNotUsedFor returns a policy evictable once idle for d.
func ExpiresAfterNotUsedFor(d time.Duration) Policy {
	return Policy{Tag: PolicyIdleFor, Idle: d}
}

// Evictable reports whether the policy predicate fires at now, given the
// entry's last-used timestamp.
func (p Policy) Evictable(now, lastUsed time.Time) bool {
	switch p.Tag {
	case PolicyExpiresAt:
		return !now.Before(p.At)
	case PolicyIdleFor:
		return now.Sub(lastUsed) >= p.Idle
	default:
		return false
	}
}
