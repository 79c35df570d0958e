package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPLimiterAllowsBurstThenThrottles(t *testing.T) {
	t.Parallel()

	l := NewIPLimiter(60, 2)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	// Other addresses have their own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestIPLimiterRefills(t *testing.T) {
	t.Parallel()

	// 6000 per minute refills one token every 10ms.
	l := NewIPLimiter(6000, 1)

	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))

	assert.Eventually(t, func() bool { return l.Allow("10.0.0.1") },
		time.Second, 5*time.Millisecond)
}

func TestIPLimiterPrunesIdleBuckets(t *testing.T) {
	t.Parallel()

	l := NewIPLimiter(60, 1)

	l.Allow("10.0.0.1")
	time.Sleep(100 * time.Millisecond)
	l.Allow("10.0.0.2")

	pruned := l.Prune(50 * time.Millisecond)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, l.Size())

	// The pruned address starts over with a fresh bucket.
	assert.True(t, l.Allow("10.0.0.1"))
}
