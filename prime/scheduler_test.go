package prime

import (
	"testing"
	"time"

	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
)

func TestSchedulerFiresInDeadlineOrder(t *testing.T) {
	s := newScheduler()
	t0 := time.Unix(1000, 0)
	var fired []int
	s.schedule(t0.Add(30*time.Millisecond), func() { fired = append(fired, 3) })
	s.schedule(t0.Add(10*time.Millisecond), func() { fired = append(fired, 1) })
	s.schedule(t0.Add(20*time.Millisecond), func() { fired = append(fired, 2) })

	assert.Equal(t, 0, s.fireDue(t0))
	assert.Equal(t, 2, s.fireDue(t0.Add(25*time.Millisecond)))
	assert.DeepEqual(t, []int{1, 2}, fired)
	assert.Equal(t, 1, s.fireDue(t0.Add(time.Second)))
	assert.DeepEqual(t, []int{1, 2, 3}, fired)
}

func TestSchedulerCancel(t *testing.T) {
	s := newScheduler()
	t0 := time.Unix(1000, 0)
	fired := false
	id := s.schedule(t0.Add(time.Millisecond), func() { fired = true })
	s.cancel(id)
	assert.Equal(t, 0, s.fireDue(t0.Add(time.Second)))
	assert.False(t, fired)

	_, ok := s.nextDeadline()
	assert.False(t, ok)
}

func TestSchedulerClearDropsEverything(t *testing.T) {
	s := newScheduler()
	t0 := time.Unix(1000, 0)
	count := 0
	for i := 0; i < 5; i++ {
		s.schedule(t0.Add(time.Duration(i)*time.Millisecond), func() { count++ })
	}
	s.clear()
	assert.Equal(t, 0, s.fireDue(t0.Add(time.Second)))
	assert.Equal(t, 0, count)
}

func TestSchedulerNextDeadlineSkipsCanceled(t *testing.T) {
	s := newScheduler()
	t0 := time.Unix(1000, 0)
	early := s.schedule(t0.Add(time.Millisecond), func() {})
	s.schedule(t0.Add(time.Hour), func() {})
	s.cancel(early)
	at, ok := s.nextDeadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), at)
}
