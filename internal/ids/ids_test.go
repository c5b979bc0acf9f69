package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a.String())
}

func TestRemainingSaturatesAtZero(t *testing.T) {
	base := MonotonicNow()
	future := base.Add(10 * time.Second)

	assert.Equal(t, 10*time.Second, Remaining(base, future))
	assert.Equal(t, time.Duration(0), Remaining(future, base), "deadline already passed")
}

func TestLocalDayTruncates(t *testing.T) {
	loc := time.Local
	t1 := time.Date(2026, 3, 5, 23, 59, 59, 0, loc)
	day := LocalDay(t1)
	require.Equal(t, 2026, day.Year())
	assert.Equal(t, time.March, day.Month())
	assert.Equal(t, 5, day.Day())
	assert.Equal(t, 0, day.Hour())
}

func TestFakeClockWallAndMonoDiverge(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fc := NewFakeClock(start)

	monoBefore := fc.MonotonicNow()
	fc.SetWall(start.Add(-10 * time.Minute)) // user turns the clock back

	assert.True(t, fc.Now().Before(start))
	assert.Equal(t, monoBefore, fc.MonotonicNow(), "monotonic time must not move with wall-clock jumps")
}
