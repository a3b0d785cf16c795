package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyEvictable(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)

	assert.False(t, StoreForever().Evictable(now, now))

	assert.True(t, ExpiresAt(now.Add(-time.Second)).Evictable(now, now))
	assert.False(t, ExpiresAt(now.Add(time.Second)).Evictable(now, now))

	idle := ExpiresAfterNotUsedFor(time.Minute)
	assert.False(t, idle.Evictable(now, now.Add(-30*time.Second)))
	assert.True(t, idle.Evictable(now, now.Add(-90*time.Second)))
}
