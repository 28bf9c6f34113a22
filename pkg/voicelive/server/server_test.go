package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tablekit/voicelive/pkg/voicelive/config"
	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/order"
	"github.com/tablekit/voicelive/pkg/voicelive/sessioncfg"
	"github.com/tablekit/voicelive/pkg/voicelive/sessions"
	"github.com/tablekit/voicelive/pkg/voicelive/store"
)

type fixture struct {
	handler http.Handler
	lc      *lifecycle.Registry
	reg     *sessions.Registry
}

// speechStub accepts websocket connects, answers the configure frame with
// connection.ready, then holds the socket open.
func speechStub(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection.ready","session_id":"remote-1"}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func menuStub(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func credentialStub(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"credential":"tok-1","expires_at":"2026-12-31T00:00:00Z"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, speechURL, menuURL, credURL string) *fixture {
	t.Helper()
	cfg := config.Config{
		AuthMode:            config.AuthModeDisabled,
		SpeechWSURL:         speechURL,
		ConnectTimeout:      2 * time.Second,
		SpeechWriteTimeout:  2 * time.Second,
		MaxPayloadBytes:     50000,
		MaxInstructionBytes: 32000,
		FinalizationTimeout: 10 * time.Second,
	}
	logger := slog.New(slog.DiscardHandler)
	lc := lifecycle.NewRegistry()
	reg := sessions.NewRegistry(sessions.Options{
		InactivityThreshold: time.Minute,
		SweepInterval:       time.Minute,
		MaxLifetime:         time.Hour,
	}, lc, logger)

	srv := New(cfg, logger, Deps{
		Menu:      menu.NewHTTPProvider(menuURL, logger),
		Builder:   sessioncfg.NewBuilder(sessioncfg.NewHTTPMinter(credURL, nil), cfg.MaxInstructionBytes, cfg.MaxPayloadBytes),
		Lifecycle: lc,
		Sessions:  reg,
		Applier:   order.NewHTTPApplier("http://127.0.0.1:1", nil),
		OrderLog:  store.NopOrderLog{},
		RunCtx:    context.Background(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return &fixture{handler: srv.Handler(), lc: lc, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const goodMenu = `{"items":[{"id":1,"name":"Soul Bowl","aliases":["sobo"]}],"tax_rate":0.08}`

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCreateSessionHappyPath(t *testing.T) {
	f := newFixture(t,
		wsURL(speechStub(t)),
		menuStub(t, goodMenu, http.StatusOK).URL,
		credentialStub(t, http.StatusOK).URL,
	)

	rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1","context_kind":"kiosk"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var snap struct {
		ID        string `json:"id"`
		TenantID  string `json:"tenant_id"`
		TurnState string `json:"turn_state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TenantID != "t1" || snap.TurnState != "idle" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if f.reg.Count() != 1 {
		t.Fatalf("session count=%d, want 1", f.reg.Count())
	}

	rec = f.do(t, http.MethodGet, "/v1/sessions", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), snap.ID) {
		t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/v1/sessions/"+snap.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	deadline := time.After(2 * time.Second)
	for f.reg.Count() != 0 {
		select {
		case <-deadline:
			t.Fatalf("session not removed after delete")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if f.lc.Count() != 0 {
		t.Fatalf("handles leaked: %d", f.lc.Count())
	}
}

func TestCreateSessionEmptyMenuIs503(t *testing.T) {
	f := newFixture(t,
		"ws://127.0.0.1:1",
		menuStub(t, `{"items":[],"tax_rate":0.08}`, http.StatusOK).URL,
		credentialStub(t, http.StatusOK).URL,
	)
	rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "menu_unavailable") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestCreateSessionMenuFetchFailureIs502(t *testing.T) {
	f := newFixture(t,
		"ws://127.0.0.1:1",
		menuStub(t, `upstream exploded`, http.StatusInternalServerError).URL,
		credentialStub(t, http.StatusOK).URL,
	)
	rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "config_error") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestCreateSessionCredentialFailureIs502(t *testing.T) {
	f := newFixture(t,
		"ws://127.0.0.1:1",
		menuStub(t, goodMenu, http.StatusOK).URL,
		credentialStub(t, http.StatusForbidden).URL,
	)
	rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "config_error") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestCreateSessionDialFailureIs502AndLeaksNothing(t *testing.T) {
	f := newFixture(t,
		"ws://127.0.0.1:1",
		menuStub(t, goodMenu, http.StatusOK).URL,
		credentialStub(t, http.StatusOK).URL,
	)
	rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection_failed") {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if f.lc.Count() != 0 {
		t.Fatalf("handles leaked after failed connect: %d", f.lc.Count())
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, "ws://127.0.0.1:1", "http://127.0.0.1:1", "http://127.0.0.1:1")

	if rec := f.do(t, http.MethodPost, "/v1/sessions", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant status=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1","context_kind":"drive_thru"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad kind status=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/v1/sessions/vs_missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status=%d", rec.Code)
	}
}

func TestVoiceHealthReportsCounts(t *testing.T) {
	f := newFixture(t,
		"ws://127.0.0.1:1",
		menuStub(t, `{"items":[],"tax_rate":0}`, http.StatusOK).URL,
		credentialStub(t, http.StatusOK).URL,
	)
	// Trigger a menu fetch so per-tenant health is populated.
	f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1"}`)

	rec := f.do(t, http.MethodGet, "/v1/voice/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Tenants      []menu.TenantFetchHealth `json:"tenants"`
		SessionCount int                      `json:"session_count"`
		HandleCount  int                      `json:"handle_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tenants) != 1 || body.Tenants[0].Healthy {
		t.Fatalf("tenants=%+v, want one unhealthy entry", body.Tenants)
	}
}

func TestReadyzReflectsDraining(t *testing.T) {
	f := newFixture(t, "ws://127.0.0.1:1", "http://127.0.0.1:1", "http://127.0.0.1:1")

	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz status=%d", rec.Code)
	}
	f.lc.SetDraining(true)
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining readyz status=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/sessions", `{"tenant_id":"t1"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("create while draining status=%d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	speech := speechStub(t)
	menuSrv := menuStub(t, goodMenu, http.StatusOK)
	cred := credentialStub(t, http.StatusOK)

	cfg := config.Config{
		AuthMode:            config.AuthModeRequired,
		APIKeys:             map[string]struct{}{"sk-live-1": {}},
		SpeechWSURL:         wsURL(speech),
		ConnectTimeout:      2 * time.Second,
		SpeechWriteTimeout:  2 * time.Second,
		MaxPayloadBytes:     50000,
		MaxInstructionBytes: 32000,
		FinalizationTimeout: 10 * time.Second,
	}
	logger := slog.New(slog.DiscardHandler)
	lc := lifecycle.NewRegistry()
	reg := sessions.NewRegistry(sessions.Options{
		InactivityThreshold: time.Minute,
		SweepInterval:       time.Minute,
		MaxLifetime:         time.Hour,
	}, lc, logger)
	defer reg.Shutdown(context.Background())

	handler := New(cfg, logger, Deps{
		Menu:      menu.NewHTTPProvider(menuSrv.URL, logger),
		Builder:   sessioncfg.NewBuilder(sessioncfg.NewHTTPMinter(cred.URL, nil), cfg.MaxInstructionBytes, cfg.MaxPayloadBytes),
		Lifecycle: lc,
		Sessions:  reg,
		Applier:   order.NewHTTPApplier("http://127.0.0.1:1", nil),
		OrderLog:  store.NopOrderLog{},
	}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer sk-live-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status=%d", rec.Code)
	}

	// Probes stay open without credentials.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}
