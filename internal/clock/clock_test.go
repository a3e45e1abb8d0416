package clock_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/clock"
	"github.com/kestrel-robotics/robocore/internal/region"
)

func newTestClock(t *testing.T, now func() int64) (*clock.Clock, *int64) {
	t.Helper()
	rm := region.NewManager(false, 0, zerolog.Nop())
	r, err := rm.CreateBySize(clock.RegionSize)
	require.NoError(t, err)

	var pauseClamped int64 = -1
	c := clock.New(r, now, func(clamped int64) { pauseClamped = clamped }, zerolog.Nop())
	return c, &pauseClamped
}

func TestPausedClockIsFrozen(t *testing.T) {
	var age int64
	c, _ := newTestClock(t, func() int64 { return age })
	c.SetInitialTime(100)
	c.SetScale(0)

	require.EqualValues(t, 100, c.GetTime())
	age = 5000
	require.EqualValues(t, 100, c.GetTime())
}

func TestRunningScaleAdvancesWithWallClock(t *testing.T) {
	var age int64
	c, _ := newTestClock(t, func() int64 { return age })
	c.SetInitialTime(0)
	age = 1000
	c.SetScale(2)

	t1 := c.GetTime()
	age = 1500
	t2 := c.GetTime()
	require.Greater(t, t2, t1)
	require.Equal(t, (1500-1000)*2, int(t2-t1))
}

func TestTransitionPreservesContinuity(t *testing.T) {
	var age int64
	c, _ := newTestClock(t, func() int64 { return age })
	c.SetInitialTime(0)
	age = 1000
	c.SetScale(1)
	c.GetTime() // commit the scale-1 offset at age=1000, time=0

	age = 1500
	before := c.GetTime() // 500ms of running time has elapsed
	require.EqualValues(t, 500, before)

	// Switch to paused: the next read must equal the last running value,
	// not jump.
	c.SetScale(0)
	after := c.GetTime()
	require.Equal(t, before, after)

	// Resume running from the same wall-clock instant: continuity must
	// hold (no jump back to a stale offset).
	c.SetScale(1)
	resumed := c.GetTime()
	require.Equal(t, after, resumed)
}

func TestSteppedModeUsesExplicitSimulatorTime(t *testing.T) {
	c, _ := newTestClock(t, func() int64 { return 0 })
	c.SetInitialTime(0)
	c.SetScale(-1)
	c.SetSimulatorTime(250)
	require.EqualValues(t, 250, c.GetTime())
	c.SetSimulatorTime(400)
	require.EqualValues(t, 400, c.GetTime())
}

func TestAutoPauseClampsAndNotifiesOnce(t *testing.T) {
	var age int64
	c, clamped := newTestClock(t, func() int64 { return age })
	c.SetInitialTime(0)
	c.SetScale(1)
	c.SetAutoPauseTime(50)

	age = 10
	require.Less(t, c.GetTime(), int64(50))

	age = 100
	t1 := c.GetTime()
	require.EqualValues(t, 50, t1)
	require.EqualValues(t, 0, c.Scale())
	require.EqualValues(t, 50, *clamped)

	// Further reads stay clamped; no repeat notification.
	*clamped = -1
	t2 := c.GetTime()
	require.EqualValues(t, 50, t2)
	require.EqualValues(t, -1, *clamped)
}
