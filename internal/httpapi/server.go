// Package httpapi exposes the orchestrator over HTTP: session lifecycle
// operations, campaign submission/stop, and a per-session websocket event
// stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wablast/internal/campaign"
	"wablast/internal/eventbus"
	"wablast/internal/session"
	"wablast/internal/storage"
	"wablast/internal/uploads"
	logx "wablast/pkg/logx"
)

type Server struct {
	registry *session.Registry
	engine   *campaign.Engine
	staging  *uploads.Staging
	history  storage.Store // may be nil
	bus      eventbus.Bus
	log      logx.Logger

	baseCtx context.Context
	srv     *http.Server
}

func New(listen string, registry *session.Registry, engine *campaign.Engine, staging *uploads.Staging, history storage.Store, bus eventbus.Bus, log logx.Logger) *Server {
	s := &Server{
		registry: registry,
		engine:   engine,
		staging:  staging,
		history:  history,
		bus:      bus,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/init", s.handleInit)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/clear", s.handleClear)
		r.Get("/groups", s.handleGroups)
		r.Get("/history", s.handleHistory)
		r.Post("/broadcast", s.handleBroadcast)
		r.Post("/invite", s.handleInvite)
		r.Post("/campaigns/{kind}/stop", s.handleStop)
	})
	r.Get("/ws/{id}", s.handleWS)

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until it fails or Shutdown is called. baseCtx is
// the lifetime context handed to session initialization.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	s.log.Info("http listening", logx.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ---- response helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the orchestrator's error taxonomy onto status codes and a
// short machine-checkable code; internal error details stay in the message
// text only.
func writeErr(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
	)
	switch {
	case errors.Is(err, campaign.ErrSessionNotReady), errors.Is(err, session.ErrNotReady):
		status, code = http.StatusConflict, "session_not_ready"
	case errors.Is(err, campaign.ErrAlreadyRunning):
		status, code = http.StatusConflict, "campaign_already_running"
	case errors.Is(err, session.ErrNotConnected):
		status, code = http.StatusBadRequest, "not_connected"
	case errors.Is(err, campaign.ErrInvalidDelay):
		status, code = http.StatusBadRequest, "invalid_delay"
	case errors.Is(err, campaign.ErrNoRecipients):
		status, code = http.StatusBadRequest, "no_recipients"
	case errors.Is(err, campaign.ErrUnknownKind):
		status, code = http.StatusBadRequest, "unknown_kind"
	case errors.Is(err, campaign.ErrMissingGroup):
		status, code = http.StatusBadRequest, "missing_group"
	}
	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}
