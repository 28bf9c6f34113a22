// Package handlers implements the operator API surface: session creation and
// teardown, session listing, and the voice health endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tablekit/voicelive/pkg/voicelive/config"
	"github.com/tablekit/voicelive/pkg/voicelive/conn"
	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/mw"
	"github.com/tablekit/voicelive/pkg/voicelive/session"
	"github.com/tablekit/voicelive/pkg/voicelive/sessioncfg"
	"github.com/tablekit/voicelive/pkg/voicelive/sessions"
	"github.com/tablekit/voicelive/pkg/voicelive/store"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

type createSessionRequest struct {
	TenantID    string `json:"tenant_id"`
	ContextKind string `json:"context_kind"`
}

// SessionsHandler creates, lists, and closes voice sessions.
type SessionsHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Menu      menu.Provider
	Builder   *sessioncfg.Builder
	Lifecycle *lifecycle.Registry
	Sessions  *sessions.Registry
	Applier   session.CartApplier
	OrderLog  store.OrderLog

	// RunCtx bounds every session's run loop; cancelled at shutdown.
	RunCtx context.Context
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.TenantID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return
	}
	kind := sessioncfg.ContextKind(req.ContextKind)
	switch kind {
	case sessioncfg.KindKiosk, sessioncfg.KindStaff:
	case "":
		kind = sessioncfg.KindKiosk
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "context_kind must be kiosk or staff")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeError(w, r, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}

	mc, err := h.Menu.MenuContext(r.Context(), req.TenantID)
	if err != nil {
		h.Logger.Error("menu context unavailable", "tenant_id", req.TenantID, "error", err)
		// An empty menu is the tenant's data being unusable right now; a
		// failed fetch is an upstream fault.
		status := http.StatusBadGateway
		if voerr.IsKind(err, voerr.KindMenuUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, string(voerr.KindOf(err)), err.Error())
		return
	}

	plan, err := h.Builder.Build(r.Context(), mc, kind)
	if err != nil {
		h.Logger.Error("session config build failed", "tenant_id", req.TenantID, "error", err)
		writeError(w, r, http.StatusBadGateway, string(voerr.KindOf(err)), err.Error())
		return
	}

	id := session.NewID()
	manager := conn.NewManager(id, conn.Options{
		SpeechWSURL:     h.Config.SpeechWSURL,
		ConnectTimeout:  h.Config.ConnectTimeout,
		WriteTimeout:    h.Config.SpeechWriteTimeout,
		MaxPayloadBytes: h.Config.MaxPayloadBytes,
	}, h.Lifecycle, h.Logger)

	if err := manager.Connect(r.Context(), plan.Credential.Token, plan.Configure); err != nil {
		h.Logger.Error("speech connect failed", "session_id", id, "error", err)
		h.Lifecycle.DisposeAll(id)
		writeError(w, r, http.StatusBadGateway, string(voerr.KindOf(err)), err.Error())
		return
	}

	s := session.New(id, session.Options{
		TenantID:    req.TenantID,
		ContextKind: kind,
		Menu:        plan.Menu,
		Conn:        manager,
		Registry:    h.Lifecycle,
		Applier:     h.Applier,
		OrderLog:    h.OrderLog,
		Logger:      h.Logger,
		Timeout:     h.Config.FinalizationTimeout,
	})
	h.Sessions.Track(s)
	go s.Run(h.runCtx())

	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.Sessions.Snapshots()})
}

func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.Sessions.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "no such session")
		return
	}
	s.Close()
	select {
	case <-s.Done():
	case <-r.Context().Done():
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SessionsHandler) runCtx() context.Context {
	if h.RunCtx != nil {
		return h.RunCtx
	}
	return context.Background()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeJSON(w, status, map[string]map[string]string{
		"error": {"code": code, "message": message, "request_id": reqID},
	})
}
