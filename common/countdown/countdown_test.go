package countdown

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountdownWillCallback(t *testing.T) {
	called := make(chan struct{}, 10)
	timer := NewCountDown(100 * time.Millisecond)
	timer.OnTimeoutFn = func(time.Time, interface{}) error {
		called <- struct{}{}
		return nil
	}
	timer.Reset(nil)
	defer timer.StopTimer()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestCountdownShouldReset(t *testing.T) {
	var fired int32
	timer := NewCountDown(150 * time.Millisecond)
	timer.OnTimeoutFn = func(time.Time, interface{}) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}
	timer.Reset(nil)
	defer timer.StopTimer()

	// Keep resetting faster than the period. The timer must not fire.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		timer.Reset(nil)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	// Let it run out once we stop poking it.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestCountdownShouldRepeatUntilStopped(t *testing.T) {
	var fired int32
	timer := NewCountDown(50 * time.Millisecond)
	timer.OnTimeoutFn = func(time.Time, interface{}) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}
	timer.Reset(nil)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	timer.StopTimer()
	stopped := atomic.LoadInt32(&fired)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&fired))

	// Reset restarts the loop after a stop.
	timer.Reset(nil)
	defer timer.StopTimer()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > stopped
	}, time.Second, 10*time.Millisecond)
}

func TestCountdownSetTimeoutDuration(t *testing.T) {
	called := make(chan struct{}, 10)
	timer := NewCountDown(10 * time.Second)
	timer.OnTimeoutFn = func(time.Time, interface{}) error {
		called <- struct{}{}
		return nil
	}
	timer.SetTimeoutDuration(50 * time.Millisecond)
	timer.Reset(nil)
	defer timer.StopTimer()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shortened duration was not picked up")
	}
}
