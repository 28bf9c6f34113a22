// Package conn owns the websocket connection to the speech service for one
// session: dialing with a minted credential, guarded outbound writes, a read
// loop feeding decoded frames to the orchestrator, and idempotent teardown.
// There is no automatic reconnect; a dropped connection ends the session.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/protocol"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Frame is one decoded inbound event, or the read error that ended the
// stream.
type Frame struct {
	Event protocol.ServerEvent
	Err   error
}

// Options configures a Manager.
type Options struct {
	SpeechWSURL     string
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	MaxPayloadBytes int
}

// Manager handles one speech websocket for one session.
type Manager struct {
	sessionID string
	opts      Options
	registry  *lifecycle.Registry
	logger    *slog.Logger

	state atomic.Value // State

	writeMu   sync.Mutex
	ws        *websocket.Conn
	closeOnce sync.Once
	frames    chan Frame
}

func NewManager(sessionID string, opts Options, registry *lifecycle.Registry, logger *slog.Logger) *Manager {
	m := &Manager{
		sessionID: sessionID,
		opts:      opts,
		registry:  registry,
		logger:    logger.With("session_id", sessionID),
		frames:    make(chan Frame, 32),
	}
	m.state.Store(StateIdle)
	return m
}

func (m *Manager) State() State {
	return m.state.Load().(State)
}

// Connect dials the speech service with the credential and sends the
// configure frame. The socket handle is registered before any frame goes out,
// so teardown finds it even when the handshake fails midway.
func (m *Manager) Connect(ctx context.Context, credential string, configure protocol.SessionConfigure) error {
	if m.State() != StateIdle {
		return voerr.New(voerr.KindConnectionFailed, fmt.Sprintf("connect from state %q", m.State()))
	}
	m.state.Store(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.ConnectTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, m.opts.SpeechWSURL, header)
	if err != nil {
		m.state.Store(StateFailed)
		if resp != nil {
			return voerr.Wrap(voerr.KindConnectionFailed, fmt.Sprintf("speech dial rejected with %d", resp.StatusCode), err)
		}
		return voerr.Wrap(voerr.KindConnectionFailed, "speech dial failed", err)
	}

	m.writeMu.Lock()
	m.ws = ws
	m.writeMu.Unlock()
	m.registry.Register(lifecycle.Handle{
		SessionID: m.sessionID,
		Kind:      lifecycle.KindSocket,
		Dispose:   func() { m.Close() },
	})

	if err := m.Send(configure); err != nil {
		m.state.Store(StateFailed)
		return err
	}

	go m.readLoop(ws)
	return nil
}

// ConfirmConnected marks the handshake complete. Called by the orchestrator
// when connection.ready arrives.
func (m *Manager) ConfirmConnected() {
	if m.State() == StateConnecting {
		m.state.Store(StateConnected)
	}
}

// Frames delivers decoded inbound events. Closed when the read loop exits.
func (m *Manager) Frames() <-chan Frame {
	return m.frames
}

// Send marshals v and writes it as one text frame, enforcing the payload
// budget before the bytes hit the wire.
func (m *Manager) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return voerr.Wrap(voerr.KindInternal, "encode outbound frame", err)
	}
	if len(raw) > m.opts.MaxPayloadBytes {
		return voerr.PayloadTooLarge(len(raw), m.opts.MaxPayloadBytes)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.ws == nil {
		return voerr.New(voerr.KindConnectionFailed, "send on unconnected socket")
	}
	m.ws.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := m.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return voerr.Wrap(voerr.KindConnectionFailed, "speech write failed", err)
	}
	return nil
}

// Fail records a terminal failure without the close handshake.
func (m *Manager) Fail() {
	m.state.Store(StateFailed)
	m.Close()
}

// Close tears the socket down. Safe to call from any goroutine, any number of
// times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.State() != StateFailed {
			m.state.Store(StateClosing)
		}
		m.writeMu.Lock()
		ws := m.ws
		if ws != nil {
			deadline := time.Now().Add(time.Second)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			ws.Close()
		}
		m.writeMu.Unlock()
		if m.State() != StateFailed {
			m.state.Store(StateClosed)
		}
	})
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	defer close(m.frames)
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if m.State() == StateClosing || m.State() == StateClosed {
				return
			}
			m.frames <- Frame{Err: voerr.Wrap(voerr.KindConnectionFailed, "speech read failed", err)}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := protocol.DecodeServerEvent(data)
		if err != nil {
			m.logger.Warn("dropping malformed speech frame", "error", err)
			continue
		}
		m.frames <- Frame{Event: event}
	}
}
