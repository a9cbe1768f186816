// Package service exposes the access-point operations of each dashboard
// shell to the HTTP layer.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/condominio/portero/internal/gateapi"
	"github.com/condominio/portero/internal/portero/session"
	"github.com/condominio/portero/internal/portero/store"
	"github.com/condominio/portero/internal/portero/types"
)

var (
	ErrForbidden = errors.New("user may not operate this access point")

	validate = validator.New()
)

const (
	recordTimeout   = 5 * time.Second
	msgInvalidPlate = "The plate may only contain up to 10 letters and digits."
)

// Backend is the subset of the gate API a shell needs.  *gateapi.Client
// satisfies it.
type Backend interface {
	OpenGate(ctx context.Context, token string, mode gateapi.Mode, plate string) (gateapi.Result, error)
	CloseGate(ctx context.Context, token string, mode gateapi.Mode) (gateapi.Result, error)
	OpenDoor(ctx context.Context, token string) (gateapi.Result, error)
	CloseDoor(ctx context.Context, token string) (gateapi.Result, error)
	Me(ctx context.Context, token string) (gateapi.Profile, error)
}

type ControlConfig struct {
	// Session is the template for every shell's coordinator.  Logger, Detail
	// and OnEvent are filled in per shell.
	Session   session.Options
	MaxShells int
	// SkipPermissions skips the resident-type rule on the /users/me/ profile.
	// Tokens are still authenticated and the backend still enforces its own
	// rules.
	SkipPermissions bool
}

type ControlService struct {
	backend Backend
	events  store.AccessEventStore
	shells  *ShellRegistry
	cfg     ControlConfig
	logger  log.FieldLogger
}

func NewControlService(backend Backend, events store.AccessEventStore, cfg ControlConfig, logger log.FieldLogger) (*ControlService, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &ControlService{backend: backend, events: events, cfg: cfg, logger: logger}
	shells, err := NewShellRegistry(cfg.MaxShells, backend, s.newCoordinator, logger)
	if err != nil {
		return nil, err
	}
	s.shells = shells
	return s, nil
}

func (s *ControlService) newCoordinator(shellID, token string) *session.Coordinator {
	opts := s.cfg.Session
	opts.Logger = s.logger.WithField("shell", short(shellID))
	opts.Detail = gateapi.Detail
	opts.OnEvent = func(ev session.Event) { s.record(shellID, ev) }
	return session.New(&shellRemote{backend: s.backend, token: token}, opts)
}

// Snapshot returns the banner state of the caller's shell.
func (s *ControlService) Snapshot(ctx context.Context, token string) (session.Snapshot, error) {
	sh, err := s.shells.Get(ctx, token)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sh.Coordinator.Snapshot(), nil
}

// Subscribe streams the banner state of the caller's shell.
func (s *ControlService) Subscribe(ctx context.Context, token string) (<-chan session.Snapshot, func(), error) {
	sh, err := s.shells.Get(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sh.Coordinator.Subscribe()
	return ch, cancel, nil
}

func (s *ControlService) OpenGate(ctx context.Context, token string, req types.OpenGateRequest) (session.Snapshot, error) {
	req.Plate = strings.ToUpper(strings.TrimSpace(req.Plate))
	if err := validate.Struct(req); err != nil {
		if token == "" {
			return session.Snapshot{}, gateapi.ErrMissingToken
		}
		var snap session.Snapshot
		if sh, ok := s.shells.Lookup(token); ok {
			snap = sh.Coordinator.Snapshot()
		}
		snap.Message = msgInvalidPlate
		return snap, err
	}
	sh, err := s.authorize(ctx, token, session.KindGate)
	if err != nil {
		return s.denied(sh, session.KindGate, err)
	}
	return sh.Coordinator.OpenGate(ctx, req.Plate)
}

func (s *ControlService) OpenDoor(ctx context.Context, token string) (session.Snapshot, error) {
	sh, err := s.authorize(ctx, token, session.KindDoor)
	if err != nil {
		return s.denied(sh, session.KindDoor, err)
	}
	return sh.Coordinator.OpenDoor(ctx)
}

func (s *ControlService) CloseGate(ctx context.Context, token string) (session.Snapshot, error) {
	sh, err := s.authorize(ctx, token, session.KindGate)
	if err != nil {
		return s.denied(sh, session.KindGate, err)
	}
	return sh.Coordinator.CloseGate(ctx, false)
}

func (s *ControlService) CloseDoor(ctx context.Context, token string) (session.Snapshot, error) {
	sh, err := s.authorize(ctx, token, session.KindDoor)
	if err != nil {
		return s.denied(sh, session.KindDoor, err)
	}
	return sh.Coordinator.CloseDoor(ctx, false)
}

// Events lists the caller's history, newest first.
func (s *ControlService) Events(ctx context.Context, token string, limit int) ([]store.AccessEventRecord, error) {
	sh, err := s.shells.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, sh.ID, limit)
}

// DropShell tears down the caller's coordinator, e.g. on logout.
func (s *ControlService) DropShell(token string) bool {
	return s.shells.Drop(token)
}

func (s *ControlService) Shells() int {
	return s.shells.Len()
}

// Close shuts down every shell.
func (s *ControlService) Close() {
	s.shells.Close()
}

// authorize returns the caller's shell once its profile may operate kind.
// The profile is loaded when the shell is created and reused afterwards.
func (s *ControlService) authorize(ctx context.Context, token string, kind session.Kind) (*Shell, error) {
	sh, err := s.shells.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.cfg.SkipPermissions {
		return sh, nil
	}

	allowed := sh.Profile.CanOperateGate()
	if kind == session.KindDoor {
		allowed = sh.Profile.CanOperateDoor()
	}
	if !allowed {
		return sh, ErrForbidden
	}
	return sh, nil
}

// denied returns the shell's current state, if it has one, with a message
// explaining a failed authorization.  The coordinator's own message is left
// alone.
func (s *ControlService) denied(sh *Shell, kind session.Kind, err error) (session.Snapshot, error) {
	var snap session.Snapshot
	if sh != nil {
		snap = sh.Coordinator.Snapshot()
	}
	if sh != nil && errors.Is(err, ErrForbidden) {
		snap.Message = "You are not authorized to operate the " + string(kind) + "."
		s.record(sh.ID, session.Event{Kind: kind, Action: session.ActionReject, Message: snap.Message})
	} else if d := gateapi.Detail(err); d != "" {
		snap.Message = d
	}
	return snap, err
}

// record writes ev to the history.  A failed write is logged and otherwise
// ignored; the access point has already moved.
func (s *ControlService) record(shellID string, ev session.Event) {
	if s.events == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
		if s.cfg.Session.Clock != nil {
			ev.OccurredAt = s.cfg.Session.Clock.Now()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := s.events.RecordEvent(ctx, store.AccessEventRecord{
		ShellID:    shellID,
		SessionID:  ev.SessionID,
		Kind:       string(ev.Kind),
		Action:     string(ev.Action),
		Automatic:  ev.Automatic,
		OK:         ev.OK,
		Plate:      ev.Plate,
		Message:    ev.Message,
		OccurredAt: ev.OccurredAt.UTC(),
	})
	if err != nil {
		s.logger.WithError(err).WithField("shell", short(shellID)).Error("Error recording access event")
	}
}

// shellRemote adapts the gate API to one shell's bearer token.
type shellRemote struct {
	backend Backend
	token   string
}

func (r *shellRemote) Open(ctx context.Context, kind session.Kind, plate string) (session.Ack, error) {
	if kind == session.KindDoor {
		_, err := r.backend.OpenDoor(ctx, r.token)
		return session.Ack{Mode: string(gateapi.ModePedestrian)}, err
	}
	res, err := r.backend.OpenGate(ctx, r.token, gateapi.ModeVehicular, plate)
	return session.Ack{Mode: string(res.Mode), Plate: res.Plate}, err
}

func (r *shellRemote) Close(ctx context.Context, kind session.Kind) (session.Ack, error) {
	if kind == session.KindDoor {
		_, err := r.backend.CloseDoor(ctx, r.token)
		return session.Ack{Mode: string(gateapi.ModePedestrian)}, err
	}
	res, err := r.backend.CloseGate(ctx, r.token, gateapi.ModeVehicular)
	return session.Ack{Mode: string(res.Mode)}, err
}
