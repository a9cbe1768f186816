// Package httpapi serves the dashboard's access-point API.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/condominio/portero/internal/clock"
	"github.com/condominio/portero/internal/gateapi"
	"github.com/condominio/portero/internal/portero/service"
	"github.com/condominio/portero/internal/portero/session"
	"github.com/condominio/portero/internal/portero/store"
	"github.com/condominio/portero/internal/portero/types"
)

const defaultKeepAlive = 25 * time.Second

type Dependencies struct {
	Logger         log.FieldLogger
	Addr           string
	Control        *service.ControlService
	AllowedOrigins []string
	Clock          clock.Clock
	// KeepAlive is the idle interval between SSE comment frames.
	KeepAlive time.Duration
}

type Server struct {
	httpServer *http.Server
	logger     log.FieldLogger
	control    *service.ControlService
	clock      clock.Clock
	keepAlive  time.Duration

	// done is closed when shutdown begins; open streams end on it.
	done     chan struct{}
	doneOnce sync.Once
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = defaultKeepAlive
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		logger:    d.Logger,
		control:   d.Control,
		clock:     d.Clock,
		keepAlive: d.KeepAlive,
		done:      make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}).Handler)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/access", func(r chi.Router) {
		r.Use(bearerAuth)

		r.Get("/session", s.handleSnapshot)
		r.Get("/stream", s.handleStream)
		r.Get("/events", s.handleEvents)
		r.Delete("/shell", s.handleDropShell)

		r.Post("/gate/open", s.handleOpenGate)
		r.Post("/gate/close", s.action(s.control.CloseGate))
		r.Post("/door/open", s.action(s.control.OpenDoor))
		r.Post("/door/close", s.action(s.control.CloseDoor))
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.endStreams)
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln instead of listening on Addr.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown ends open event streams and waits for the remaining requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) endStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"shells": s.control.Shells(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.control.Snapshot(r.Context(), tokenFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := snapshotView(snap, s.clock.Now())

	if wantsProtobuf(r) {
		st, err := snapshotStruct(view)
		if err != nil {
			s.fail(w, r, errors.Wrap(err, "encode snapshot"))
			return
		}
		writeProto(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOpenGate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOpenGate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.action(func(ctx context.Context, token string) (session.Snapshot, error) {
		return s.control.OpenGate(ctx, token, req)
	})(w, r)
}

// decodeOpenGate accepts an empty body, a JSON object or a protobuf Struct.
func decodeOpenGate(r *http.Request) (types.OpenGateRequest, error) {
	var req types.OpenGateRequest
	if isProtobuf(r) {
		st, err := readProtoStruct(r)
		if err != nil {
			return req, errors.Wrap(err, "invalid protobuf body")
		}
		req.Plate = st.GetFields()["plate"].GetStringValue()
		return req, nil
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		return req, errors.New("invalid JSON body")
	}
	return req, nil
}

// action runs an open or close for the caller's shell and replies with the
// resulting banner state, error or not.
func (s *Server) action(fn func(ctx context.Context, token string) (session.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := fn(r.Context(), tokenFrom(r.Context()))
		resp := types.ActionResponse{SnapshotView: snapshotView(snap, s.clock.Now())}
		status := http.StatusOK
		if err != nil {
			status, resp.Error = classify(err)
			s.logFailure(r, status, err)
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.control.Events(r.Context(), tokenFrom(r.Context()), store.ClampLimit(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := types.EventsResponse{Events: make([]types.EventView, 0, len(recs))}
	for _, rec := range recs {
		resp.Events = append(resp.Events, eventView(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDropShell(w http.ResponseWriter, r *http.Request) {
	s.control.DropShell(tokenFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	s.logFailure(r, status, err)
	writeError(w, status, code, err.Error())
}

func (s *Server) logFailure(r *http.Request, status int, err error) {
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"path":       r.URL.Path,
		"status":     status,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Error handling access request")
		return
	}
	entry.Debug("Access request refused")
}

// classify maps an operation error onto an HTTP status and an error code.
func classify(err error) (int, string) {
	var (
		verr validator.ValidationErrors
		rerr *gateapi.RemoteError
	)
	switch {
	case errors.Is(err, gateapi.ErrMissingToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &verr):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, session.ErrClosed):
		return http.StatusConflict, "shell_closed"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.As(err, &rerr):
		switch rerr.Status {
		case http.StatusUnauthorized:
			return http.StatusUnauthorized, "unauthorized"
		case http.StatusForbidden:
			return http.StatusForbidden, "forbidden"
		}
		return http.StatusBadGateway, "backend_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "backend_timeout"
	case isTransport(err):
		return http.StatusBadGateway, "backend_unreachable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func isTransport(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}
