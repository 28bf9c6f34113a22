package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tablekit/voicelive/pkg/voicelive/conn"
	"github.com/tablekit/voicelive/pkg/voicelive/lifecycle"
	"github.com/tablekit/voicelive/pkg/voicelive/menu"
	"github.com/tablekit/voicelive/pkg/voicelive/order"
	"github.com/tablekit/voicelive/pkg/voicelive/protocol"
	"github.com/tablekit/voicelive/pkg/voicelive/sessioncfg"
	"github.com/tablekit/voicelive/pkg/voicelive/store"
	"github.com/tablekit/voicelive/pkg/voicelive/turn"
	"github.com/tablekit/voicelive/pkg/voicelive/voerr"
)

// fakeConn scripts an inbound frame stream and captures outbound frames.
type fakeConn struct {
	mu          sync.Mutex
	state       conn.State
	frames      chan conn.Frame
	sent        []any
	sendErr     error
	sendErrOnce error
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: conn.StateConnecting, frames: make(chan conn.Frame, 32)}
}

func (f *fakeConn) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Frames() <-chan conn.Frame { return f.frames }

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	if f.sendErrOnce != nil {
		err := f.sendErrOnce
		f.sendErrOnce = nil
		return err
	}
	return f.sendErr
}

func (f *fakeConn) ConfirmConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = conn.StateConnected
}

func (f *fakeConn) Fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = conn.StateFailed
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.state = conn.StateClosed
	close(f.frames)
}

func (f *fakeConn) sentFrames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

type fakeApplier struct {
	mu        sync.Mutex
	mutations []order.CartMutation
	err       error
}

func (a *fakeApplier) Apply(_ context.Context, _ string, mut order.CartMutation) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutations = append(a.mutations, mut)
	return json.RawMessage(`{"applied":true}`), a.err
}

func (a *fakeApplier) applied() []order.CartMutation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]order.CartMutation(nil), a.mutations...)
}

func testSession(t *testing.T, fc *fakeConn, applier CartApplier, timeout time.Duration) (*Session, *lifecycle.Registry) {
	t.Helper()
	reg := lifecycle.NewRegistry()
	mc := menu.BuildContext("t1", []menu.Item{
		{ID: 1, Name: "Soul Bowl", Aliases: []string{"sobo"}},
		{ID: 2, Name: "Greek Salad", Aliases: []string{"greek"}},
	}, 0.08, []menu.ModifierRule{
		{TriggerPhrases: []string{"no cheese"}, Action: menu.ActionRemoveIngredient, TargetName: "cheese"},
	}, time.Now())

	if timeout <= 0 {
		timeout = time.Minute
	}
	s := New(NewID(), Options{
		TenantID:    "t1",
		ContextKind: sessioncfg.KindKiosk,
		Menu:        mc,
		Conn:        fc,
		Registry:    reg,
		Applier:     applier,
		OrderLog:    store.NopOrderLog{},
		Logger:      slog.New(slog.DiscardHandler),
		Timeout:     timeout,
	})
	return s, reg
}

func feed(fc *fakeConn, events ...protocol.ServerEvent) {
	for _, e := range events {
		fc.frames <- conn.Frame{Event: e}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished")
	}
}

func TestFullOrderingFlow(t *testing.T) {
	fc := newFakeConn()
	applier := &fakeApplier{}
	s, reg := testSession(t, fc, applier, 0)

	go s.Run(context.Background())

	feed(fc,
		protocol.ConnectionReady{SessionID: "remote-1"},
		protocol.SpeechStarted{},
		protocol.SpeechStopped{},
		protocol.TranscriptFinal{Text: "one sobo no cheese"},
		protocol.ResponseStarted{},
		protocol.FunctionCallRequest{
			CallID:    "c1",
			Name:      "add_item",
			Arguments: json.RawMessage(`{"item_name":"sobo","modifiers":["no cheese"]}`),
		},
	)
	fc.Close()
	waitDone(t, s)

	muts := applier.applied()
	if len(muts) != 1 {
		t.Fatalf("applied=%d mutations, want 1", len(muts))
	}
	if muts[0].ItemName != "Soul Bowl" || len(muts[0].Removed) != 1 || muts[0].Removed[0] != "cheese" {
		t.Fatalf("mutation=%+v, want Soul Bowl without cheese", muts[0])
	}

	sent := fc.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent=%d frames, want 1 result", len(sent))
	}
	res, ok := sent[0].(protocol.FunctionCallResult)
	if !ok || res.CallID != "c1" || string(res.Output) != `{"applied":true}` {
		t.Fatalf("result=%+v", sent[0])
	}

	if reg.SessionCount(s.ID()) != 0 {
		t.Fatalf("handles leaked: %d", reg.SessionCount(s.ID()))
	}
	if snap := s.Snapshot(); snap.ConnectionState != conn.StateClosed {
		t.Fatalf("connection_state=%s, want closed", snap.ConnectionState)
	}
}

func TestReadyConfirmsConnection(t *testing.T) {
	fc := newFakeConn()
	s, _ := testSession(t, fc, &fakeApplier{}, 0)
	go s.Run(context.Background())

	feed(fc, protocol.ConnectionReady{SessionID: "remote-1"})
	fc.Close()
	waitDone(t, s)

	if fc.State() != conn.StateClosed {
		t.Fatalf("state=%s", fc.State())
	}
	if snap := s.Snapshot(); snap.TurnState != turn.StateIdle {
		t.Fatalf("turn_state=%s, want idle", snap.TurnState)
	}
}

func TestUnresolvableCallAnswersWithError(t *testing.T) {
	fc := newFakeConn()
	applier := &fakeApplier{}
	s, _ := testSession(t, fc, applier, 0)
	go s.Run(context.Background())

	feed(fc,
		protocol.ConnectionReady{},
		protocol.SpeechStarted{},
		protocol.SpeechStopped{},
		protocol.TranscriptFinal{Text: "the xyz123"},
		protocol.ResponseStarted{},
		protocol.FunctionCallRequest{CallID: "c1", Name: "add_item", Arguments: json.RawMessage(`{"item_name":"xyz123"}`)},
	)
	fc.Close()
	waitDone(t, s)

	if len(applier.applied()) != 0 {
		t.Fatal("unresolvable call reached the cart")
	}
	sent := fc.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent=%d frames, want 1 error result", len(sent))
	}
	res := sent[0].(protocol.FunctionCallResult)
	var out map[string]string
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out["code"] != "item_not_found" {
		t.Fatalf("output=%v, want item_not_found code", out)
	}
}

func TestOversizedResultGetsCompactFallback(t *testing.T) {
	fc := newFakeConn()
	applier := &fakeApplier{}
	s, _ := testSession(t, fc, applier, 0)
	fc.sendErrOnce = voerr.PayloadTooLarge(90000, 50000)
	go s.Run(context.Background())

	feed(fc,
		protocol.ConnectionReady{},
		protocol.SpeechStarted{},
		protocol.SpeechStopped{},
		protocol.TranscriptFinal{Text: "one sobo"},
		protocol.ResponseStarted{},
		protocol.FunctionCallRequest{CallID: "c1", Name: "add_item", Arguments: json.RawMessage(`{"item_name":"sobo"}`)},
		protocol.ResponseDone{},
	)
	fc.Close()
	waitDone(t, s)

	// An oversized result is replaced with a compact error answer; the
	// session keeps running instead of failing the connection.
	if s.Err() != nil {
		t.Fatalf("session failed: %v", s.Err())
	}
	sent := fc.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("sent=%d frames, want oversized attempt plus compact fallback", len(sent))
	}
	res, ok := sent[1].(protocol.FunctionCallResult)
	if !ok || res.CallID != "c1" {
		t.Fatalf("fallback frame=%+v, want function_call.result for c1", sent[1])
	}
	var out map[string]string
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode fallback output: %v", err)
	}
	if out["code"] != string(voerr.KindPayloadTooLarge) {
		t.Fatalf("fallback output=%v, want payload_too_large code", out)
	}
	if snap := s.Snapshot(); snap.TurnState != turn.StateIdle {
		t.Fatalf("turn_state=%s, want idle after fallback result", snap.TurnState)
	}
}

func TestStuckTurnRecovers(t *testing.T) {
	fc := newFakeConn()
	s, reg := testSession(t, fc, &fakeApplier{}, 20*time.Millisecond)
	go s.Run(context.Background())

	feed(fc,
		protocol.ConnectionReady{},
		protocol.SpeechStarted{},
		protocol.SpeechStopped{},
		protocol.TranscriptFinal{Text: "hello"},
	)

	deadline := time.After(2 * time.Second)
	for {
		if s.Snapshot().TurnState == turn.StateIdle && reg.SessionCount(s.ID()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("turn never recovered: state=%s handles=%d", s.Snapshot().TurnState, reg.SessionCount(s.ID()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	fc.Close()
	waitDone(t, s)
}

func TestConnectionErrorIsFatal(t *testing.T) {
	fc := newFakeConn()
	s, reg := testSession(t, fc, &fakeApplier{}, 0)
	go s.Run(context.Background())

	feed(fc,
		protocol.ConnectionReady{},
		protocol.ConnectionError{Code: "overloaded", Message: "try again later"},
	)
	waitDone(t, s)

	if s.Err() == nil {
		t.Fatal("no fatal error recorded")
	}
	if fc.State() != conn.StateFailed {
		t.Fatalf("state=%s, want failed", fc.State())
	}
	if reg.SessionCount(s.ID()) != 0 {
		t.Fatalf("handles leaked: %d", reg.SessionCount(s.ID()))
	}
}

func TestReadErrorEndsSession(t *testing.T) {
	fc := newFakeConn()
	s, _ := testSession(t, fc, &fakeApplier{}, 0)
	go s.Run(context.Background())

	fc.frames <- conn.Frame{Err: errors.New("read tcp: connection reset")}
	waitDone(t, s)

	if s.Err() == nil {
		t.Fatal("read error not surfaced")
	}
}

func TestContextCancelEndsSession(t *testing.T) {
	fc := newFakeConn()
	s, _ := testSession(t, fc, &fakeApplier{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	feed(fc, protocol.ConnectionReady{})
	cancel()
	waitDone(t, s)
}
