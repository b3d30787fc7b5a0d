// Package countdown provides the restartable timer that drives BFT timeout
// broadcasting.
package countdown

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// OnTimeoutFn fires on every expiry with the expiry timestamp and the opaque
// payload handed to Reset.
type OnTimeoutFn func(time time.Time, i interface{}) error

// CountdownTimer wraps a time.Timer in a restart loop. Reset rearms it, expiry
// invokes OnTimeoutFn and rearms it again, StopTimer tears the loop down.
type CountdownTimer struct {
	OnTimeoutFn OnTimeoutFn

	lock            sync.Mutex // protects running and timeoutDuration
	resetc          chan struct{}
	quitc           chan chan struct{}
	running         bool
	timeoutDuration time.Duration
}

func NewCountDown(duration time.Duration) *CountdownTimer {
	return &CountdownTimer{
		resetc:          make(chan struct{}),
		quitc:           make(chan chan struct{}),
		timeoutDuration: duration,
	}
}

// SetTimeoutDuration changes the period used by the next rearm. It does not
// interrupt a countdown already in flight.
func (t *CountdownTimer) SetTimeoutDuration(duration time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.timeoutDuration = duration
}

func (t *CountdownTimer) duration() time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.timeoutDuration
}

// Reset rearms the countdown, spawning the timer loop on first use. The
// payload i is forwarded to OnTimeoutFn on every subsequent expiry.
func (t *CountdownTimer) Reset(i interface{}) {
	t.lock.Lock()
	if !t.running {
		t.running = true
		t.lock.Unlock()
		go t.loop(i)
		return
	}
	t.lock.Unlock()
	t.resetc <- struct{}{}
}

// StopTimer terminates the timer loop and blocks until it has exited.
func (t *CountdownTimer) StopTimer() {
	q := make(chan struct{})
	t.quitc <- q
	<-q
}

func (t *CountdownTimer) loop(i interface{}) {
	defer func() {
		t.lock.Lock()
		t.running = false
		t.lock.Unlock()
	}()
	timer := time.NewTimer(t.duration())
	defer timer.Stop()
	for {
		select {
		case q := <-t.quitc:
			log.Debug("Quit countdown timer")
			close(q)
			return
		case <-timer.C:
			log.Debug("Countdown time reached")
			go func() {
				if err := t.OnTimeoutFn(time.Now(), i); err != nil {
					log.Error("OnTimeoutFn error", "error", err)
				}
			}()
			timer.Reset(t.duration())
		case <-t.resetc:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.duration())
		}
	}
}
