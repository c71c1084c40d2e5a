package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPinnedClock(t *testing.T) {
	require := require.New(t)
	var c Clock

	start := time.Unix(1_700_000_000, 0)
	c.Set(start)
	require.Equal(start, c.Time())
	require.Equal(start.UnixMilli(), c.UnixMilli())

	c.Advance(30 * 24 * time.Hour)
	require.Equal(start.Add(30*24*time.Hour), c.Time())
}

func TestUnpinnedClockFollowsSystemTime(t *testing.T) {
	require := require.New(t)
	var c Clock
	require.WithinDuration(time.Now(), c.Time(), time.Second)

	c.Advance(time.Hour)
	require.WithinDuration(time.Now().Add(time.Hour), c.Time(), time.Second)

	c.Sync()
	require.WithinDuration(time.Now(), c.Time(), time.Second)
}
