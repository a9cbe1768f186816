package service_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/condominio/portero/internal/clock"
	"github.com/condominio/portero/internal/gateapi"
	"github.com/condominio/portero/internal/portero/service"
	"github.com/condominio/portero/internal/portero/session"
	"github.com/condominio/portero/internal/portero/store"
	"github.com/condominio/portero/internal/portero/store/memory"
)

var start = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func silentLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeBackend records calls per endpoint and answers from its fields.
type fakeBackend struct {
	mu       sync.Mutex
	calls    map[string]int
	tokens   []string
	profile  gateapi.Profile
	meErr    error
	rejected map[string]bool // tokens Me answers with 401
	openErr  error
	closeErr error
}

func newFakeBackend(p gateapi.Profile) *fakeBackend {
	return &fakeBackend{calls: make(map[string]int), profile: p, rejected: make(map[string]bool)}
}

func (b *fakeBackend) note(name, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	b.tokens = append(b.tokens, token)
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) OpenGate(_ context.Context, token string, mode gateapi.Mode, plate string) (gateapi.Result, error) {
	b.note("open_gate", token)
	if b.openErr != nil {
		return gateapi.Result{}, b.openErr
	}
	return gateapi.Result{Status: "ok", Action: "abrir", Mode: mode, Plate: plate}, nil
}

func (b *fakeBackend) CloseGate(_ context.Context, token string, mode gateapi.Mode) (gateapi.Result, error) {
	b.note("close_gate", token)
	if b.closeErr != nil {
		return gateapi.Result{}, b.closeErr
	}
	return gateapi.Result{Status: "ok", Action: "cerrar", Mode: mode}, nil
}

func (b *fakeBackend) OpenDoor(_ context.Context, token string) (gateapi.Result, error) {
	b.note("open_door", token)
	if b.openErr != nil {
		return gateapi.Result{}, b.openErr
	}
	return gateapi.Result{Status: "ok", Action: "abrir", Door: "principal"}, nil
}

func (b *fakeBackend) CloseDoor(_ context.Context, token string) (gateapi.Result, error) {
	b.note("close_door", token)
	if b.closeErr != nil {
		return gateapi.Result{}, b.closeErr
	}
	return gateapi.Result{Status: "ok", Action: "cerrar", Door: "principal"}, nil
}

func (b *fakeBackend) Me(_ context.Context, token string) (gateapi.Profile, error) {
	b.note("me", token)
	if b.meErr != nil {
		return gateapi.Profile{}, b.meErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejected[token] {
		return gateapi.Profile{}, &gateapi.RemoteError{Status: 401, Detail: "Invalid token."}
	}
	return b.profile, nil
}

// remote drives the fake through session.Remote with an empty token.
func (b *fakeBackend) remote() session.Remote { return backendRemote{b} }

type backendRemote struct{ b *fakeBackend }

func (r backendRemote) Open(ctx context.Context, kind session.Kind, plate string) (session.Ack, error) {
	if kind == session.KindDoor {
		_, err := r.b.OpenDoor(ctx, "")
		return session.Ack{}, err
	}
	_, err := r.b.OpenGate(ctx, "", gateapi.ModeVehicular, plate)
	return session.Ack{}, err
}

func (r backendRemote) Close(ctx context.Context, kind session.Kind) (session.Ack, error) {
	if kind == session.KindDoor {
		_, err := r.b.CloseDoor(ctx, "")
		return session.Ack{}, err
	}
	_, err := r.b.CloseGate(ctx, "", gateapi.ModeVehicular)
	return session.Ack{}, err
}

func principal() gateapi.Profile {
	return gateapi.Profile{ID: 1, Username: "ana", Resident: &gateapi.Resident{Type: "PRINCIPAL"}}
}

type fixture struct {
	svc     *service.ControlService
	backend *fakeBackend
	events  *memory.AccessEventStore
	clock   *clock.Fake
}

func newFixture(t *testing.T, p gateapi.Profile, cfg service.ControlConfig) *fixture {
	f := &fixture{
		backend: newFakeBackend(p),
		events:  memory.NewAccessEventStore(),
		clock:   clock.NewFake(start),
	}
	cfg.Session.Clock = f.clock
	svc, err := service.NewControlService(f.backend, f.events, cfg, silentLogger())
	if err != nil {
		t.Fatalf("NewControlService: %v", err)
	}
	f.svc = svc
	t.Cleanup(svc.Close)
	return f
}

func actions(recs []store.AccessEventRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}
