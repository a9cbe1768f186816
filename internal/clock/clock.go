// Package clock abstracts the timers the access coordinator runs on so tests
// can drive countdowns without sleeping.
package clock

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.  Stop reports whether
// the call cancelled a callback that had not fired yet.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks.  AfterFunc runs f once after d; Every runs f
// repeatedly every d until stopped.  Callbacks run on their own goroutine
// (Real) or on the goroutine advancing time (Fake).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Every(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) Every(d time.Duration, f func()) Timer {
	t := &ticker{
		t:    time.NewTicker(d),
		stop: make(chan struct{}),
	}
	go t.loop(f)
	return t
}

type ticker struct {
	t    *time.Ticker
	stop chan struct{}
	once sync.Once
}

func (t *ticker) loop(f func()) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.t.C:
			f()
		}
	}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.t.Stop()
		close(t.stop)
		stopped = true
	})
	return stopped
}
