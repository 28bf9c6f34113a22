// Package protocol defines the wire protocol spoken with the hosted
// speech-understanding service. Inbound events form a closed tagged union
// decoded envelope-first; everything the orchestrator consumes or emits on the
// realtime connection lives here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// FunctionSpec describes one action the speech service may request.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// SessionConfigure is the outbound session bootstrap frame.
type SessionConfigure struct {
	Type         string         `json:"type"`
	Instructions string         `json:"instructions"`
	Tools        []FunctionSpec `json:"tools"`
	MaxBytes     int            `json:"max_bytes"`
}

// FunctionCallResult answers a function_call.request.
type FunctionCallResult struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output"`
}

// ServerEvent is the closed union of inbound events. Unknown frame types
// decode to UnknownEvent so a single bad or unrecognized frame never
// terminates the session.
type ServerEvent interface {
	serverEventType() string
}

type ConnectionReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

func (ConnectionReady) serverEventType() string { return "connection.ready" }

type SpeechStarted struct {
	Type string `json:"type"`
}

func (SpeechStarted) serverEventType() string { return "speech.started" }

type SpeechStopped struct {
	Type string `json:"type"`
}

func (SpeechStopped) serverEventType() string { return "speech.stopped" }

type TranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TranscriptDelta) serverEventType() string { return "transcript.delta" }

type TranscriptFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TranscriptFinal) serverEventType() string { return "transcript.final" }

type ResponseStarted struct {
	Type string `json:"type"`
}

func (ResponseStarted) serverEventType() string { return "response.started" }

type ResponseDone struct {
	Type string `json:"type"`
}

func (ResponseDone) serverEventType() string { return "response.done" }

type FunctionCallRequest struct {
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (FunctionCallRequest) serverEventType() string { return "function_call.request" }

type ConnectionError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ConnectionError) serverEventType() string { return "connection.error" }

// UnknownEvent carries frames with an unrecognized type. The dispatcher logs
// and drops these individually.
type UnknownEvent struct {
	EventType string
	Raw       json.RawMessage
}

func (e UnknownEvent) serverEventType() string { return e.EventType }

// DecodeServerEvent decodes one inbound text frame into the typed union.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "connection.ready":
		var msg ConnectionReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid connection.ready", "")
		}
		return msg, nil
	case "speech.started":
		return SpeechStarted{Type: typ}, nil
	case "speech.stopped":
		return SpeechStopped{Type: typ}, nil
	case "transcript.delta":
		var msg TranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript.delta", "")
		}
		return msg, nil
	case "transcript.final":
		var msg TranscriptFinal
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript.final", "")
		}
		return msg, nil
	case "response.started":
		return ResponseStarted{Type: typ}, nil
	case "response.done":
		return ResponseDone{Type: typ}, nil
	case "function_call.request":
		var msg FunctionCallRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid function_call.request", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badFrame("function_call.request.call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("function_call.request.name is required", "name")
		}
		return msg, nil
	case "connection.error":
		var msg ConnectionError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid connection.error", "")
		}
		return msg, nil
	default:
		return UnknownEvent{EventType: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// NewSessionConfigure builds the bootstrap frame with the type tag set.
func NewSessionConfigure(instructions string, tools []FunctionSpec, maxBytes int) SessionConfigure {
	return SessionConfigure{
		Type:         "session.configure",
		Instructions: instructions,
		Tools:        tools,
		MaxBytes:     maxBytes,
	}
}

// NewFunctionCallResult builds a result frame for a completed function call.
func NewFunctionCallResult(callID string, output json.RawMessage) FunctionCallResult {
	return FunctionCallResult{Type: "function_call.result", CallID: callID, Output: output}
}
