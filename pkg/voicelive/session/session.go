// Package session runs one voice-ordering session end to end: it owns the
// event loop that consumes speech frames, drives the turn machine, resolves
// function calls into cart mutations, and tears everything down exactly once.
//
// A session is logically single-threaded. The Run loop is the only goroutine
// that touches the turn machine and the event handler; other goroutines only
// read the published snapshots or ask for a close.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tablekit/voicelive/pkg/voicelive/conn"
	"github.com/tablekit/voicelive/pkg/voicelive/events"
	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/order"
	"github.com/tablekit/voicelive/pkg/voicelive/protocol"
	"github.com/tablekit/voicelive/pkg/voicelive/sessioncfg"
	"github.com/tablekit/voicelive/pkg/voicelive/store"
	"github.com/tablekit/voicelive/pkg/voicelive/turn"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

// CartApplier applies a resolved mutation to the external order cart and
// returns the payload sent back to the speech service.
type CartApplier interface {
	Apply(ctx context.Context, sessionID string, mutation order.CartMutation) (json.RawMessage, error)
}

// SpeechConn is the connection surface a session drives. Satisfied by
// *conn.Manager.
type SpeechConn interface {
	State() conn.State
	Frames() <-chan conn.Frame
	Send(v any) error
	ConfirmConnected()
	Fail()
	Close()
}

// Snapshot is a read-only view of a session for the operator API.
type Snapshot struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	ContextKind     string     `json:"context_kind"`
	ConnectionState conn.State `json:"connection_state"`
	TurnState       turn.State `json:"turn_state"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
}

// Options wires a session's collaborators.
type Options struct {
	TenantID    string
	ContextKind sessioncfg.ContextKind
	Menu        menu.Context
	Conn        SpeechConn
	Registry    *lifecycle.Registry
	Applier     CartApplier
	OrderLog    store.OrderLog
	Logger      *slog.Logger
	Timeout     time.Duration // finalization timeout
	Now         func() time.Time
}

type Session struct {
	id          string
	tenantID    string
	contextKind sessioncfg.ContextKind
	createdAt   time.Time
	now         func() time.Time

	conn     SpeechConn
	handler  *events.Handler
	turn     *turn.Machine
	bridge   *order.Bridge
	registry *lifecycle.Registry
	applier  CartApplier
	orderLog store.OrderLog
	logger   *slog.Logger

	lastActivity atomic.Int64 // unix nanos
	turnState    atomic.Value // turn.State
	fatal        error
	endCause     string
	done         chan struct{}
	ended        atomic.Bool
}

// NewID mints a session id.
func NewID() string {
	return "vs_" + uuid.NewString()
}

func New(id string, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		id:          id,
		tenantID:    opts.TenantID,
		contextKind: opts.ContextKind,
		createdAt:   opts.Now(),
		now:         opts.Now,
		conn:        opts.Conn,
		registry:    opts.Registry,
		applier:     opts.Applier,
		orderLog:    opts.OrderLog,
		logger:      opts.Logger.With("session_id", id, "tenant_id", opts.TenantID),
		done:        make(chan struct{}),
	}
	s.turn = turn.NewMachine(id, opts.Timeout, opts.Registry, opts.Logger)
	s.bridge = order.NewBridge(opts.Menu)
	s.handler = events.NewHandler(id, opts.Conn, events.Callbacks{
		OnReady:           s.onReady,
		OnSpeechStarted:   func() { s.applyTurn(turn.EventSpeechDetected) },
		OnSpeechStopped:   func() { s.applyTurn(turn.EventSpeechEnded) },
		OnTranscriptDelta: s.onTranscriptDelta,
		OnTranscriptFinal: s.onTranscriptFinal,
		OnResponseStarted: func() { s.applyTurn(turn.EventResponseBegan) },
		OnResponseDone:    func() { s.applyTurn(turn.EventResponseComplete) },
		OnFunctionCall:    s.onFunctionCall,
		OnConnectionError: s.onConnectionError,
	}, opts.Logger)
	s.turnState.Store(turn.StateIdle)
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:              s.id,
		TenantID:        s.tenantID,
		ContextKind:     string(s.contextKind),
		ConnectionState: s.conn.State(),
		TurnState:       s.turnState.Load().(turn.State),
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.LastActivity(),
	}
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done closes when the run loop has finished teardown.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close asks the session to stop. The run loop observes the closed socket and
// finishes teardown; safe to call repeatedly.
func (s *Session) Close() {
	s.conn.Close()
}

// Run consumes frames until the connection ends, the context is cancelled, or
// a fatal error surfaces. It always leaves the lifecycle registry clean.
func (s *Session) Run(ctx context.Context) {
	if err := s.orderLog.SessionStarted(ctx, s.id, s.tenantID, string(s.contextKind)); err != nil {
		s.logger.Warn("order log unavailable for session start", "error", err)
	}
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			s.endCause = "shutdown"
			return
		case <-s.turn.TimeoutC():
			s.logger.Warn("turn stuck in awaiting_finalization, recovering")
			s.applyTurn(turn.EventFinalizationTimeout)
		case frame, ok := <-s.conn.Frames():
			if !ok {
				if s.endCause == "" {
					s.endCause = "connection_closed"
				}
				return
			}
			if frame.Err != nil {
				s.logger.Error("speech connection lost", "error", frame.Err)
				s.conn.Fail()
				s.fatal = frame.Err
				s.endCause = "connection_failed"
				return
			}
			s.touch()
			if err := s.handler.Handle(frame.Event); err != nil {
				if voerr.IsKind(err, voerr.KindFunctionCallPending) {
					s.logger.Warn("rejected concurrent function call", "error", err)
					continue
				}
				s.logger.Error("event handling failed", "error", err)
			}
			if s.fatal != nil {
				return
			}
		}
	}
}

// Err reports the fatal error that ended the session, if any.
func (s *Session) Err() error { return s.fatal }

func (s *Session) teardown() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	if s.endCause == "" {
		s.endCause = "closed"
	}
	s.turn.Reset()
	s.registry.DisposeAll(s.id)

	logCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.orderLog.SessionEnded(logCtx, s.id, s.endCause); err != nil {
		s.logger.Warn("order log unavailable for session end", "error", err)
	}
	s.logger.Info("session ended", "cause", s.endCause)
	close(s.done)
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *Session) applyTurn(event turn.Event) {
	s.turnState.Store(s.turn.Apply(event))
}

func (s *Session) onReady(remoteSessionID string) {
	s.conn.ConfirmConnected()
	s.logger.Info("speech connection ready", "remote_session_id", remoteSessionID)
}

func (s *Session) onTranscriptDelta(text string) {
	s.logger.Debug("transcript delta", "len", len(text))
}

func (s *Session) onTranscriptFinal(text string) {
	s.logger.Info("transcript final", "text", text)
	s.applyTurn(turn.EventFinalTranscript)
}

func (s *Session) onConnectionError(code, message string) {
	s.logger.Error("speech connection error", "code", code, "message", message)
	s.fatal = voerr.New(voerr.KindConnectionFailed, "speech service reported "+code+": "+message)
	s.endCause = "remote_error"
	s.conn.Fail()
}

// onFunctionCall resolves and applies one cart mutation, then answers it. A
// resolution failure answers with an error payload so the model can ask the
// guest for clarification instead of stalling the turn.
func (s *Session) onFunctionCall(call events.PendingFunctionCall) {
	s.applyTurn(turn.EventFunctionCallRequested)

	output := s.executeCall(call)
	if err := s.handler.SendResult(call.CallID, output); err != nil {
		s.logger.Error("failed to send function result", "call_id", call.CallID, "error", err)
		switch {
		case voerr.IsKind(err, voerr.KindPayloadTooLarge):
			// The call still needs an answer. Replace the oversized output
			// with a compact error result so the turn completes and the
			// session stays up.
			if sendErr := s.conn.Send(protocol.NewFunctionCallResult(call.CallID, errorOutput(err))); sendErr != nil {
				s.logger.Error("failed to send compact fallback result", "call_id", call.CallID, "error", sendErr)
				s.fatal = sendErr
				s.endCause = "connection_failed"
				return
			}
		case voerr.IsKind(err, voerr.KindConnectionFailed):
			s.fatal = err
			s.endCause = "connection_failed"
			return
		}
	}
	s.applyTurn(turn.EventResultSent)
}

func (s *Session) executeCall(call events.PendingFunctionCall) json.RawMessage {
	mutation, err := s.bridge.Resolve(call)
	if err != nil {
		s.logger.Warn("function call did not resolve", "call_id", call.CallID, "name", call.Name, "error", err)
		return errorOutput(err)
	}

	applyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := s.applier.Apply(applyCtx, s.id, mutation)
	if err != nil {
		s.logger.Error("cart mutation failed to apply", "call_id", call.CallID, "error", err)
		return errorOutput(err)
	}

	if err := s.orderLog.MutationApplied(applyCtx, s.id, mutation); err != nil {
		s.logger.Warn("order log unavailable for mutation", "error", err)
	}
	if len(result) == 0 {
		result = json.RawMessage(`{"ok":true}`)
	}
	return result
}

func errorOutput(err error) json.RawMessage {
	payload := map[string]string{"error": err.Error(), "code": string(voerr.KindOf(err))}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return json.RawMessage(`{"error":"internal"}`)
	}
	return raw
}
