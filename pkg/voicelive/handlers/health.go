package handlers

import (
	"net/http"

	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/sessions"
)

type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "draining": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// VoiceHealthHandler reports per-tenant menu fetch health and live resource
// counts for black-box monitoring.
type VoiceHealthHandler struct {
	Menu      menu.Provider
	Sessions  *sessions.Registry
	Lifecycle *lifecycle.Registry
}

func (h VoiceHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenants := h.Menu.FetchHealth()
	if tenants == nil {
		tenants = []menu.TenantFetchHealth{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants":       tenants,
		"session_count": h.Sessions.Count(),
		"handle_count":  h.Lifecycle.Count(),
		"draining":      h.Lifecycle.IsDraining(),
	})
}
