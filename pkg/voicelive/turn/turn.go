// Package turn is the conversational turn controller for one session. It is
// the only writer of TurnState; everything else reads. A finalization timer
// guards the awaiting_finalization state so a remote side that never
// finalizes a turn cannot wedge the session.
package turn

import (
	"log/slog"
	"time"

	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
)

type State string

const (
	StateIdle                 State = "idle"
	StateListening            State = "listening"
	StateTranscribing         State = "transcribing"
	StateAwaitingFinalization State = "awaiting_finalization"
	StateResponding           State = "responding"
	StateInvokingFunction     State = "invoking_function"
)

type Event string

const (
	EventSpeechDetected        Event = "speech_detected"
	EventSpeechEnded           Event = "speech_ended"
	EventFinalTranscript       Event = "final_transcript"
	EventResponseBegan         Event = "response_began"
	EventResponseComplete      Event = "response_complete"
	EventFunctionCallRequested Event = "function_call_requested"
	EventResultSent            Event = "result_sent"
	EventFinalizationTimeout   Event = "finalization_timeout"
)

// Machine drives turn transitions for one session. Not safe for concurrent
// use: the session's event loop is the only caller of Apply.
type Machine struct {
	sessionID string
	registry  *lifecycle.Registry
	logger    *slog.Logger
	timeout   time.Duration

	state         State
	timerHandleID string
	timeoutC      chan struct{}

	afterFunc func(time.Duration, func()) *time.Timer
}

func NewMachine(sessionID string, timeout time.Duration, registry *lifecycle.Registry, logger *slog.Logger) *Machine {
	return &Machine{
		sessionID: sessionID,
		registry:  registry,
		logger:    logger.With("session_id", sessionID),
		timeout:   timeout,
		state:     StateIdle,
		timeoutC:  make(chan struct{}, 1),
		afterFunc: time.AfterFunc,
	}
}

func (m *Machine) State() State {
	return m.state
}

// TimeoutC fires when the finalization timer expires. The event loop must
// respond by applying EventFinalizationTimeout.
func (m *Machine) TimeoutC() <-chan struct{} {
	return m.timeoutC
}

// TimerHandleID exposes the live finalization-timer handle, empty outside
// awaiting_finalization.
func (m *Machine) TimerHandleID() string {
	return m.timerHandleID
}

// Apply advances the machine. Undefined (state, event) pairs are warned no-ops.
func (m *Machine) Apply(event Event) State {
	next, ok := transition(m.state, event)
	if !ok {
		m.logger.Warn("ignoring turn event in current state", "state", string(m.state), "event", string(event))
		return m.state
	}

	if m.state == StateAwaitingFinalization && next != StateAwaitingFinalization {
		m.cancelTimer()
	}

	prev := m.state
	m.state = next
	m.logger.Debug("turn transition", "from", string(prev), "event", string(event), "to", string(next))

	if next == StateAwaitingFinalization {
		m.armTimer()
	}
	return m.state
}

// Reset cancels any live timer and returns to idle. Used at session teardown.
func (m *Machine) Reset() {
	m.cancelTimer()
	m.state = StateIdle
}

func transition(state State, event Event) (State, bool) {
	switch state {
	case StateIdle:
		if event == EventSpeechDetected {
			return StateListening, true
		}
	case StateListening:
		if event == EventSpeechEnded {
			return StateTranscribing, true
		}
	case StateTranscribing:
		if event == EventFinalTranscript {
			return StateAwaitingFinalization, true
		}
	case StateAwaitingFinalization:
		switch event {
		case EventResponseBegan:
			return StateResponding, true
		case EventFinalizationTimeout:
			return StateIdle, true
		}
	case StateResponding:
		switch event {
		case EventFunctionCallRequested:
			return StateInvokingFunction, true
		case EventResponseComplete:
			return StateIdle, true
		}
	case StateInvokingFunction:
		if event == EventResultSent {
			return StateIdle, true
		}
	}
	return state, false
}

func (m *Machine) armTimer() {
	timer := m.afterFunc(m.timeout, func() {
		select {
		case m.timeoutC <- struct{}{}:
		default:
		}
	})
	m.timerHandleID = m.registry.Register(lifecycle.Handle{
		SessionID: m.sessionID,
		Kind:      lifecycle.KindTimer,
		Dispose:   func() { timer.Stop() },
	})
}

func (m *Machine) cancelTimer() {
	if m.timerHandleID == "" {
		return
	}
	m.registry.Dispose(m.timerHandleID)
	m.timerHandleID = ""
}
