// Package server wires the operator API: routes, middleware chain, and the
// shared session collaborators.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tablekit/voicelive/pkg/voicelive/config"
	"github.com/tablekit/voicelive/pkg/voicelive/handlers"
	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/mw"
	"github.com/tablekit/voicelive/pkg/voicelive/session"
	"github.com/tablekit/voicelive/pkg/voicelive/sessioncfg"
	"github.com/tablekit/voicelive/pkg/voicelive/sessions"
	"github.com/tablekit/voicelive/pkg/voicelive/store"
)

// Deps carries the collaborators the routes need.
type Deps struct {
	Menu      menu.Provider
	Builder   *sessioncfg.Builder
	Lifecycle *lifecycle.Registry
	Sessions  *sessions.Registry
	Applier   session.CartApplier
	OrderLog  store.OrderLog

	// RunCtx bounds session run loops; cancelled at shutdown.
	RunCtx context.Context
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger, mux: http.NewServeMux()}
	s.routes(deps)
	return s
}

func (s *Server) routes(deps Deps) {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: deps.Lifecycle})
	s.mux.Handle("GET /v1/voice/health", handlers.VoiceHealthHandler{
		Menu:      deps.Menu,
		Sessions:  deps.Sessions,
		Lifecycle: deps.Lifecycle,
	})

	sh := handlers.SessionsHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Menu:      deps.Menu,
		Builder:   deps.Builder,
		Lifecycle: deps.Lifecycle,
		Sessions:  deps.Sessions,
		Applier:   deps.Applier,
		OrderLog:  deps.OrderLog,
		RunCtx:    deps.RunCtx,
	}
	s.mux.HandleFunc("POST /v1/sessions", sh.Create)
	s.mux.HandleFunc("GET /v1/sessions", sh.List)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", sh.Delete)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
