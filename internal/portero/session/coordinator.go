// Package session coordinates the single open access point of one
// authenticated dashboard shell: open and close requests for the vehicular
// gate and the pedestrian door, the countdown shown in the banner and the
// automatic close when the countdown elapses.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/condominio/portero/internal/clock"
)

var (
	ErrSessionActive = errors.New("an access point is already open")
	ErrBusy          = errors.New("another access request is in progress")
	ErrClosed        = errors.New("coordinator is shut down")
)

const (
	DefaultOpenDuration = 180 * time.Second
	DefaultRetryDelay   = 15 * time.Second
	defaultCallTimeout  = 30 * time.Second
	tickInterval        = time.Second

	msgAlreadyOpen = "An access point is already open. Close it before opening another."
)

// Ack is the backend's acknowledgement of an open or close command.
type Ack struct {
	Mode  string
	Plate string
}

// Remote issues open and close commands for the shell's user.
type Remote interface {
	Open(ctx context.Context, kind Kind, plate string) (Ack, error)
	Close(ctx context.Context, kind Kind) (Ack, error)
}

// DetailFunc extracts a backend-provided reason from a failed call.  An empty
// result selects the generic message.
type DetailFunc func(error) string

type Options struct {
	OpenDuration time.Duration
	Policy       ClosePolicy
	RetryDelay   time.Duration
	CallTimeout  time.Duration // bound on every backend call
	Clock        clock.Clock
	Logger       log.FieldLogger
	Detail       DetailFunc
	OnEvent      func(Event)
}

// Coordinator owns at most one open Session.  All methods are safe for
// concurrent use.
type Coordinator struct {
	remote Remote
	opts   Options
	clock  clock.Clock
	logger log.FieldLogger

	mu        sync.Mutex
	session   *Session
	timers    *timerScope
	closingID string // session whose close call is in flight
	inflight  int
	message   string
	closed    bool
	retiring  bool // shut down once idle
	subs      map[int]chan Snapshot
	nextSub   int
}

func New(remote Remote, opts Options) *Coordinator {
	if opts.OpenDuration < time.Second {
		opts.OpenDuration = DefaultOpenDuration
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Coordinator{
		remote: remote,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		subs:   make(map[int]chan Snapshot),
	}
}

func (c *Coordinator) OpenGate(ctx context.Context, plate string) (Snapshot, error) {
	return c.open(ctx, KindGate, plate)
}

func (c *Coordinator) OpenDoor(ctx context.Context) (Snapshot, error) {
	return c.open(ctx, KindDoor, "")
}

func (c *Coordinator) CloseGate(ctx context.Context, automatic bool) (Snapshot, error) {
	return c.close(ctx, KindGate, automatic, "")
}

func (c *Coordinator) CloseDoor(ctx context.Context, automatic bool) (Snapshot, error) {
	return c.close(ctx, KindDoor, automatic, "")
}

// Open dispatches on kind.
func (c *Coordinator) Open(ctx context.Context, kind Kind, plate string) (Snapshot, error) {
	if kind == KindDoor {
		plate = ""
	}
	return c.open(ctx, kind, plate)
}

// Close dispatches on kind.
func (c *Coordinator) Close(ctx context.Context, kind Kind, automatic bool) (Snapshot, error) {
	return c.close(ctx, kind, automatic, "")
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) open(ctx context.Context, kind Kind, plate string) (Snapshot, error) {
	defer c.retireIfIdle()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if c.session != nil {
		c.message = msgAlreadyOpen
		c.publishLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(Event{Kind: kind, Action: ActionReject, Plate: plate, Message: msgAlreadyOpen})
		return snap, ErrSessionActive
	}
	if c.inflight > 0 {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}
	c.inflight++
	c.message = ""
	c.publishLocked()
	c.mu.Unlock()

	settled := false
	defer func() {
		if !settled {
			c.mu.Lock()
			c.inflight--
			c.publishLocked()
			c.mu.Unlock()
		}
	}()

	callCtx, cancel := c.callContext(ctx)
	ack, err := c.remote.Open(callCtx, kind, plate)
	cancel()

	c.mu.Lock()
	c.inflight--
	settled = true

	ev := Event{Kind: kind, Action: ActionOpen, Plate: plate}
	if err != nil {
		c.message = c.failureMessage(err, "Could not open the "+string(kind))
		ev.Message = c.message
		c.publishLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.WithError(err).WithField("kind", kind).Warning("Open request failed")
		c.emit(ev)
		return snap, errors.Wrapf(err, "open %s", kind)
	}

	if ack.Plate != "" {
		plate = ack.Plate
	}
	c.message = openedMessage(kind, ack, plate)

	if c.closed {
		// Torn down while the call was in flight; nothing left to count down.
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.WithField("kind", kind).Warning("Shell torn down while opening; access point left open")
		ev.OK = true
		ev.Plate = plate
		ev.Message = snap.Message
		c.emit(ev)
		return snap, ErrClosed
	}

	s := &Session{
		ID:               uuid.New().String(),
		Kind:             kind,
		Plate:            plate,
		OpenedAt:         c.clock.Now(),
		RemainingSeconds: int(c.opts.OpenDuration / time.Second),
	}
	c.session = s
	c.timers = c.armLocked(s)
	c.publishLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	ev.SessionID = s.ID
	ev.OK = true
	ev.Plate = plate
	ev.Message = snap.Message
	c.logger.WithFields(log.Fields{"kind": kind, "session": s.ID}).Info("Access point opened")
	c.emit(ev)
	return snap, nil
}

// close issues a close command for kind.  A manual close ends whichever
// session is open; wantID pins an automatic close to the session that armed it.
func (c *Coordinator) close(ctx context.Context, kind Kind, automatic bool, wantID string) (Snapshot, error) {
	defer c.retireIfIdle()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if !automatic && c.inflight > 0 {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}

	var target *Session
	if c.session != nil && (wantID == "" || c.session.ID == wantID) {
		target = c.session
	}
	if automatic && (target == nil || c.closingID == target.ID) {
		// stale timer, or a manual close for this session is already out
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	if target != nil {
		c.closingID = target.ID
	}
	c.inflight++
	if !automatic {
		c.message = ""
	}
	c.publishLocked()
	c.mu.Unlock()

	settled := false
	defer func() {
		if !settled {
			c.mu.Lock()
			c.inflight--
			c.closingID = ""
			c.publishLocked()
			c.mu.Unlock()
		}
	}()

	callCtx, cancel := c.callContext(ctx)
	ack, err := c.remote.Close(callCtx, kind)
	cancel()

	c.mu.Lock()
	c.inflight--
	settled = true
	if target != nil && c.closingID == target.ID {
		c.closingID = ""
	}
	current := target != nil && c.session == target

	ev := Event{Kind: kind, Action: ActionClose, Automatic: automatic}
	if target != nil {
		ev.SessionID = target.ID
		ev.Plate = target.Plate
	}

	if err == nil {
		c.message = closedMessage(kind, ack)
		if current {
			c.clearLocked()
		}
		ev.OK = true
	} else {
		c.message = c.failureMessage(err, "Could not close the "+string(kind))
		if current {
			if c.opts.Policy == CloseOptimistic {
				c.clearLocked()
			} else {
				c.rearmLocked(target)
			}
		}
	}
	ev.Message = c.message
	c.publishLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	entry := c.logger.WithFields(log.Fields{"kind": kind, "automatic": automatic, "session": ev.SessionID})
	if err != nil {
		entry.WithError(err).Warning("Close request failed")
	} else {
		entry.Info("Access point closed")
	}
	c.emit(ev)

	if err != nil {
		return snap, errors.Wrapf(err, "close %s", kind)
	}
	return snap, nil
}

// Subscribe returns a channel that receives the current snapshot and then one
// snapshot per state change.  Slow readers only see the latest state.  The
// channel is closed by the returned cancel func or by Shutdown.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Shutdown releases timers and subscribers.  It does not close the physical
// access point.  Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timers != nil {
		c.timers.release()
		c.timers = nil
	}
	if c.session != nil {
		c.logger.WithFields(log.Fields{"kind": c.session.Kind, "session": c.session.ID}).
			Warning("Shell torn down with an access point still open")
	}
	c.session = nil
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// Retire shuts the coordinator down now if nothing is open or in flight, and
// otherwise as soon as that is the case, so a pending automatic close still
// fires.  It reports whether the coordinator is still running.
func (c *Coordinator) Retire() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.session == nil && c.inflight == 0 {
		c.mu.Unlock()
		c.Shutdown()
		return false
	}
	c.retiring = true
	c.mu.Unlock()
	return true
}

// Revive cancels a pending Retire.  It reports false once the coordinator
// has shut down.
func (c *Coordinator) Revive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.retiring = false
	return true
}

// Closed reports whether Shutdown has run.
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) retireIfIdle() {
	c.mu.Lock()
	idle := c.retiring && !c.closed && c.session == nil && c.inflight == 0
	c.mu.Unlock()
	if idle {
		c.Shutdown()
	}
}

// callContext bounds a backend call by CallTimeout alone.  The caller going
// away does not abort a command the actuator may already have received.
func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.CallTimeout)
}

func (c *Coordinator) tick(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.ID != id {
		return
	}
	if c.session.RemainingSeconds > 0 {
		c.session.RemainingSeconds--
	}
	c.publishLocked()
}

func (c *Coordinator) expire(id string, kind Kind) {
	c.mu.Lock()
	if c.timers != nil && c.session != nil && c.session.ID == id {
		c.timers.autoPending = false
	}
	c.mu.Unlock()

	_, _ = c.close(context.Background(), kind, true, id)
}

func (c *Coordinator) clearLocked() {
	if c.timers != nil {
		c.timers.release()
		c.timers = nil
	}
	c.session = nil
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{Busy: c.inflight > 0, Message: c.message}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	return snap
}

func (c *Coordinator) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Coordinator) emit(ev Event) {
	if c.opts.OnEvent == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.clock.Now()
	}
	c.opts.OnEvent(ev)
}

func (c *Coordinator) failureMessage(err error, fallback string) string {
	if c.opts.Detail != nil {
		if d := c.opts.Detail(err); d != "" {
			return d
		}
	}
	return fallback
}

func openedMessage(kind Kind, ack Ack, plate string) string {
	if kind == KindDoor {
		return "Door opened."
	}
	mode := ack.Mode
	if mode == "" {
		mode = "VEHICULAR"
	}
	msg := fmt.Sprintf("Gate opened. Mode: %s", mode)
	if plate != "" {
		msg += " · Plate: " + plate
	}
	return msg
}

func closedMessage(kind Kind, ack Ack) string {
	if kind == KindDoor {
		return "Door closed."
	}
	mode := ack.Mode
	if mode == "" {
		mode = "VEHICULAR"
	}
	return fmt.Sprintf("Gate closed. Mode: %s", mode)
}
