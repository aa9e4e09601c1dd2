package membership

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func TestTimerWheelScheduleFires(t *testing.T) {
	w := newTimerWheel()
	defer w.stop()

	fired := make(chan struct{}, 1)
	w.schedule("b", 10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerWheelScheduleReplacesExisting(t *testing.T) {
	w := newTimerWheel()
	defer w.stop()

	fired := make(chan int, 2)
	w.schedule("b", 5*time.Millisecond, func() { fired <- 1 })
	w.schedule("b", 50*time.Millisecond, func() { fired <- 2 })

	select {
	case v := <-fired:
		assert.Check(t, v == 2, "rescheduling a key must cancel the previous task, got %d", v)
	case <-time.After(time.Second):
		t.Fatal("replacement timer never fired")
	}
}

func TestTimerWheelCancelPreventsFire(t *testing.T) {
	w := newTimerWheel()
	defer w.stop()

	fired := make(chan struct{}, 1)
	w.schedule("b", 20*time.Millisecond, func() { fired <- struct{}{} })
	w.cancel("b")

	select {
	case <-fired:
		t.Fatal("cancelled timer must not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerWheelHasKey(t *testing.T) {
	w := newTimerWheel()
	defer w.stop()

	assert.Check(t, !w.hasKey("b"))
	w.schedule("b", time.Hour, func() {})
	assert.Check(t, w.hasKey("b"))
	w.cancel("b")
	assert.Check(t, !w.hasKey("b"))
}

func TestTimerWheelCancelAfterFireIsNoOp(t *testing.T) {
	w := newTimerWheel()
	defer w.stop()

	fired := make(chan struct{}, 1)
	w.schedule("b", time.Millisecond, func() { fired <- struct{}{} })
	<-fired

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if w.hasKey("b") {
			return poll.Continue("key still present")
		}
		return poll.Success()
	}, poll.WithTimeout(time.Second))

	w.cancel("b") // must not panic
}

func TestTimerWheelStopCancelsPending(t *testing.T) {
	w := newTimerWheel()
	fired := make(chan struct{}, 1)
	w.schedule("b", 20*time.Millisecond, func() { fired <- struct{}{} })
	w.stop()

	select {
	case <-fired:
		t.Fatal("timer must not fire after stop")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerWheelScheduleUnkeyedFires(t *testing.T) {
	w := newTimerWheel()
	defer w.stop()

	fired := make(chan struct{}, 1)
	w.scheduleUnkeyed(5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("unkeyed timer never fired")
	}
}
