// Package events routes decoded speech frames to the session orchestrator. It
// enforces two protocol rules: nothing is dispatched before connection.ready
// (earlier frames are buffered and replayed in arrival order), and at most one
// function call is open at a time.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tablekit/voicelive/pkg/voicelive/protocol"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

// ResultSender writes frames back to the speech service.
type ResultSender interface {
	Send(v any) error
}

// PendingFunctionCall is the one function call awaiting a result.
type PendingFunctionCall struct {
	CallID       string
	Name         string
	RawArguments json.RawMessage
}

// Callbacks receives dispatched events. Nil entries are skipped.
type Callbacks struct {
	OnReady           func(remoteSessionID string)
	OnSpeechStarted   func()
	OnSpeechStopped   func()
	OnTranscriptDelta func(text string)
	OnTranscriptFinal func(text string)
	OnResponseStarted func()
	OnResponseDone    func()
	OnFunctionCall    func(call PendingFunctionCall)
	OnConnectionError func(code, message string)
}

// Handler dispatches inbound events for one session. Not safe for concurrent
// use: the orchestrator's select loop is the only caller.
type Handler struct {
	sessionID string
	sender    ResultSender
	callbacks Callbacks
	logger    *slog.Logger

	ready    bool
	buffered []protocol.ServerEvent
	pending  *PendingFunctionCall
}

func NewHandler(sessionID string, sender ResultSender, callbacks Callbacks, logger *slog.Logger) *Handler {
	return &Handler{
		sessionID: sessionID,
		sender:    sender,
		callbacks: callbacks,
		logger:    logger.With("session_id", sessionID),
	}
}

func (h *Handler) Ready() bool {
	return h.ready
}

// Pending returns the open function call, if any.
func (h *Handler) Pending() *PendingFunctionCall {
	if h.pending == nil {
		return nil
	}
	cp := *h.pending
	return &cp
}

// BufferedCount reports how many frames are held behind the readiness gate.
func (h *Handler) BufferedCount() int {
	return len(h.buffered)
}

// Handle routes one inbound event. Before connection.ready everything else is
// buffered; the ready frame itself flips the gate and flushes the buffer in
// order.
func (h *Handler) Handle(event protocol.ServerEvent) error {
	if !h.ready {
		if ready, ok := event.(protocol.ConnectionReady); ok {
			h.ready = true
			if h.callbacks.OnReady != nil {
				h.callbacks.OnReady(ready.SessionID)
			}
			buffered := h.buffered
			h.buffered = nil
			// Every buffered frame must be delivered even when an earlier one
			// errors (a rejected concurrent call must not eat the transcript
			// behind it), so the flush runs to completion and joins the errors.
			var errs []error
			for _, e := range buffered {
				if err := h.dispatch(e); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
		h.buffered = append(h.buffered, event)
		return nil
	}
	return h.dispatch(event)
}

func (h *Handler) dispatch(event protocol.ServerEvent) error {
	switch e := event.(type) {
	case protocol.ConnectionReady:
		h.logger.Warn("duplicate connection.ready ignored")
	case protocol.SpeechStarted:
		if h.callbacks.OnSpeechStarted != nil {
			h.callbacks.OnSpeechStarted()
		}
	case protocol.SpeechStopped:
		if h.callbacks.OnSpeechStopped != nil {
			h.callbacks.OnSpeechStopped()
		}
	case protocol.TranscriptDelta:
		if h.callbacks.OnTranscriptDelta != nil {
			h.callbacks.OnTranscriptDelta(e.Text)
		}
	case protocol.TranscriptFinal:
		if h.callbacks.OnTranscriptFinal != nil {
			h.callbacks.OnTranscriptFinal(e.Text)
		}
	case protocol.ResponseStarted:
		if h.callbacks.OnResponseStarted != nil {
			h.callbacks.OnResponseStarted()
		}
	case protocol.ResponseDone:
		if h.callbacks.OnResponseDone != nil {
			h.callbacks.OnResponseDone()
		}
	case protocol.FunctionCallRequest:
		return h.handleFunctionCall(e)
	case protocol.ConnectionError:
		if h.callbacks.OnConnectionError != nil {
			h.callbacks.OnConnectionError(e.Code, e.Message)
		}
	case protocol.UnknownEvent:
		h.logger.Warn("dropping unrecognized speech event", "event_type", e.EventType)
	default:
		h.logger.Warn("dropping unhandled speech event", "event", fmt.Sprintf("%T", event))
	}
	return nil
}

func (h *Handler) handleFunctionCall(e protocol.FunctionCallRequest) error {
	if h.pending != nil {
		rejection := voerr.FunctionCallPending(h.pending.CallID, e.CallID)
		out, _ := json.Marshal(map[string]string{
			"error": rejection.Error(),
			"code":  string(voerr.KindFunctionCallPending),
		})
		if err := h.sender.Send(protocol.NewFunctionCallResult(e.CallID, out)); err != nil {
			h.logger.Warn("failed to reject concurrent function call", "call_id", e.CallID, "error", err)
		}
		return rejection
	}
	h.pending = &PendingFunctionCall{CallID: e.CallID, Name: e.Name, RawArguments: e.Arguments}
	if h.callbacks.OnFunctionCall != nil {
		h.callbacks.OnFunctionCall(*h.pending)
	}
	return nil
}

// SendResult answers the open function call and clears the pending slot. The
// slot is cleared even when the write fails: the speech service will not
// retry the same call_id, so keeping it open would wedge the session.
func (h *Handler) SendResult(callID string, output json.RawMessage) error {
	if h.pending == nil {
		return voerr.New(voerr.KindInternal, fmt.Sprintf("result for %s with no open function call", callID))
	}
	if h.pending.CallID != callID {
		return voerr.New(voerr.KindInternal, fmt.Sprintf("result call_id %s does not match open call %s", callID, h.pending.CallID))
	}
	h.pending = nil
	return h.sender.Send(protocol.NewFunctionCallResult(callID, output))
}
