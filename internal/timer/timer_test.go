package timer_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/pimd/internal/timer"
	"github.com/stretchr/testify/require"
)

func TestTimer_Countdown_FiresOnceAtZero(t *testing.T) {
	t.Parallel()
	var c timer.Countdown
	require.False(t, c.Active())
	require.False(t, c.Tick(5*time.Second))

	c.Set(12 * time.Second)
	require.False(t, c.Tick(5*time.Second))
	require.Equal(t, 7*time.Second, c.Remaining())
	require.False(t, c.Tick(5*time.Second))
	require.True(t, c.Tick(5*time.Second))
	require.False(t, c.Active())
	require.False(t, c.Tick(5*time.Second))
}

func TestTimer_Countdown_SetMaxKeepsLonger(t *testing.T) {
	t.Parallel()
	var c timer.Countdown
	c.Set(30 * time.Second)
	c.SetMax(10 * time.Second)
	require.Equal(t, 30*time.Second, c.Remaining())
	c.SetMax(60 * time.Second)
	require.Equal(t, 60*time.Second, c.Remaining())
	c.Set(-time.Second)
	require.False(t, c.Active())
}

func TestTimer_Queue_Ordering(t *testing.T) {
	t.Parallel()
	q := timer.NewQueue[string]()
	now := time.Now()
	q.Push(now, "e1")
	q.Push(now, "e2")
	q.Push(now.Add(5*time.Millisecond), "e3")

	v, ok, wait := q.PopIfDue(now)
	require.True(t, ok)
	require.Equal(t, "e1", v)
	require.Zero(t, wait)

	v, ok, _ = q.PopIfDue(now)
	require.True(t, ok)
	require.Equal(t, "e2", v)

	_, ok, wait = q.PopIfDue(now)
	require.False(t, ok)
	require.Equal(t, 5*time.Millisecond, wait)

	v, ok, _ = q.PopIfDue(now.Add(5 * time.Millisecond))
	require.True(t, ok)
	require.Equal(t, "e3", v)

	_, ok, wait = q.PopIfDue(now)
	require.False(t, ok)
	require.Equal(t, time.Duration(-1), wait)
}

func TestTimer_Queue_Cancel(t *testing.T) {
	t.Parallel()
	q := timer.NewQueue[int]()
	now := time.Now()
	h1 := q.Push(now.Add(time.Second), 1)
	h2 := q.Push(now.Add(2*time.Second), 2)
	h3 := q.Push(now.Add(3*time.Second), 3)

	require.True(t, q.Cancel(h2))
	require.False(t, q.Cancel(h2))
	require.False(t, q.Pending(h2))
	require.True(t, q.Pending(h1))
	require.Equal(t, 2, q.Len())

	var got []int
	for {
		v, ok, _ := q.PopIfDue(now.Add(time.Minute))
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []int{1, 3}, got)
	require.False(t, q.Pending(h3))
	require.False(t, q.Cancel(h1))
}
