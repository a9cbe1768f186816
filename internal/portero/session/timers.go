package session

import (
	"github.com/condominio/portero/internal/clock"
)

// timerScope holds the countdown tick and the automatic close of one session.
// It is acquired when the session opens and released exactly once, on close
// or on coordinator shutdown.  Fields are guarded by Coordinator.mu.
type timerScope struct {
	tick        clock.Timer
	autoClose   clock.Timer
	autoPending bool
	released    bool
}

func (t *timerScope) release() {
	if t.released {
		return
	}
	t.released = true
	if t.tick != nil {
		t.tick.Stop()
	}
	if t.autoClose != nil {
		t.autoClose.Stop()
	}
	t.autoPending = false
}

func (c *Coordinator) armLocked(s *Session) *timerScope {
	id, kind := s.ID, s.Kind
	return &timerScope{
		tick:        c.clock.Every(tickInterval, func() { c.tick(id) }),
		autoClose:   c.clock.AfterFunc(c.opts.OpenDuration, func() { c.expire(id, kind) }),
		autoPending: true,
	}
}

// rearmLocked schedules another automatic close for s after a failed close,
// unless one is still pending.
func (c *Coordinator) rearmLocked(s *Session) {
	t := c.timers
	if t == nil || t.released || t.autoPending {
		return
	}
	id, kind := s.ID, s.Kind
	t.autoClose = c.clock.AfterFunc(c.opts.RetryDelay, func() { c.expire(id, kind) })
	t.autoPending = true
	c.logger.WithField("session", id).WithField("retry_in", c.opts.RetryDelay).
		Info("Close failed, automatic close re-armed")
}
