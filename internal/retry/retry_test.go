package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesPerAttemptUsed(t *testing.T) {
	base := 1 * time.Second
	require.Equal(t, 1*time.Second, Backoff(3, 3, base))
	require.Equal(t, 2*time.Second, Backoff(3, 2, base))
	require.Equal(t, 4*time.Second, Backoff(3, 1, base))
	require.Equal(t, 8*time.Second, Backoff(3, 0, base))
}

func TestBackoffCapsAtEightAttempts(t *testing.T) {
	base := 1 * time.Second
	require.Equal(t, 256*time.Second, Backoff(20, 0, base))
}

func TestControllerReadyLifecycle(t *testing.T) {
	c := NewController()
	require.True(t, c.Ready("t1"), "a task never scheduled is always ready")

	c.ScheduleRetry("t1", 50*time.Millisecond)
	require.False(t, c.Ready("t1"))

	time.Sleep(60 * time.Millisecond)
	require.True(t, c.Ready("t1"))
	require.True(t, c.Ready("t1"), "Ready clears the entry once elapsed")
}

func TestControllerClear(t *testing.T) {
	c := NewController()
	c.ScheduleRetry("t1", time.Hour)
	require.False(t, c.Ready("t1"))
	c.Clear("t1")
	require.True(t, c.Ready("t1"))
}

func TestControllerWaiting(t *testing.T) {
	c := NewController()
	c.ScheduleRetry("t1", time.Hour)
	c.ScheduleRetry("t2", time.Hour)
	require.ElementsMatch(t, []string{"t1", "t2"}, c.Waiting())
}
