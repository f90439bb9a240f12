package backend

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/netqasm/encoding"
	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/message"
)

func bg() context.Context {
	return context.Background()
}

func payload(t *testing.T, appID uint32) []byte {
	t.Helper()
	q0 := isa.Reg(isa.ClassQ, 0)
	s := isa.NewSubroutine(appID, []isa.Instruction{
		isa.Vanilla.MustNew(isa.OpSet, q0, isa.Immediate(0)),
		isa.Vanilla.MustNew(isa.OpQAlloc, q0),
		isa.Vanilla.MustNew(isa.OpInit, q0),
	})
	data, err := encoding.Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

func TestRecorder_KeepsOrder(t *testing.T) {
	r := NewRecorder()
	msgs := []message.Message{
		message.InitNewApp{AppID: 1, MaxQubits: 5},
		message.Subroutine{Payload: payload(t, 1)},
		message.StopApp{AppID: 1},
		message.Signal{Kind: message.SignalStop},
	}
	for _, m := range msgs {
		if err := r.Send(bg(), m); err != nil {
			t.Fatalf("Send(%s): %v", m.Type(), err)
		}
	}

	types := r.Types()
	want := []message.Type{message.TypeInitNewApp, message.TypeSubroutine, message.TypeStopApp, message.TypeSignal}
	if len(types) != len(want) {
		t.Fatalf("recorded %d messages, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("message %d = %s, want %s", i, types[i], want[i])
		}
	}

	subs, err := r.Subroutines(isa.Vanilla)
	if err != nil {
		t.Fatalf("Subroutines: %v", err)
	}
	if len(subs) != 1 || subs[0].Len() != 3 || subs[0].AppID != 1 {
		t.Errorf("Subroutines = %v", subs)
	}

	r.Reset()
	if len(r.Messages()) != 0 {
		t.Error("Reset should drop recorded messages")
	}
}

func TestRecorder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(bg())
	cancel()
	if err := NewRecorder().Send(ctx, message.StopApp{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send err = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_Protocol(t *testing.T) {
	r := NewRegistry(nil, nil)

	if _, err := r.Apply(bg(), "s", message.Subroutine{Payload: payload(t, 1)}); !errors.Is(err, ErrUnknownApp) {
		t.Errorf("subroutine before registration: err = %v", err)
	}
	if _, err := r.Apply(bg(), "s", message.InitNewApp{AppID: 1, MaxQubits: 5}); err != nil {
		t.Fatalf("InitNewApp: %v", err)
	}
	if _, err := r.Apply(bg(), "s", message.InitNewApp{AppID: 1}); !errors.Is(err, ErrAppRegistered) {
		t.Errorf("duplicate registration: err = %v", err)
	}
	if _, err := r.Apply(bg(), "other", message.InitNewApp{AppID: 1}); err != nil {
		t.Errorf("same app id in another session: %v", err)
	}
	if _, err := r.Apply(bg(), "s", message.OpenEPRSocket{AppID: 1, RemoteNodeID: 2}); err != nil {
		t.Errorf("OpenEPRSocket: %v", err)
	}

	ack, err := r.Apply(bg(), "s", message.Subroutine{Payload: payload(t, 1)})
	if err != nil {
		t.Fatalf("Subroutine: %v", err)
	}
	if ack.Instructions != 3 {
		t.Errorf("ack.Instructions = %d, want 3", ack.Instructions)
	}

	if _, err := r.Apply(bg(), "s", message.Subroutine{Payload: []byte{1, 2, 3}}); !errors.Is(err, isa.ErrMalformedStream) {
		t.Errorf("malformed payload: err = %v", err)
	}

	if _, err := r.Apply(bg(), "s", message.StopApp{AppID: 1}); err != nil {
		t.Errorf("StopApp: %v", err)
	}
	if r.Apps() != 1 {
		t.Errorf("Apps() = %d, want 1", r.Apps())
	}
	if _, err := r.Apply(bg(), "s", message.Signal{Kind: message.SignalStop}); err != nil {
		t.Errorf("Signal: %v", err)
	}
	if _, err := r.Apply(bg(), "s", message.InitNewApp{AppID: 2}); !errors.Is(err, ErrStopped) {
		t.Errorf("message after stop: err = %v", err)
	}
}

func TestRegistry_SequenceFromStore(t *testing.T) {
	store := openTestStore(t)
	r := NewRegistry(isa.Vanilla, store)

	first, err := r.Apply(bg(), "s", message.InitNewApp{AppID: 4})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Apply(bg(), "s", message.StopApp{AppID: 4})
	if err != nil {
		t.Fatal(err)
	}
	if second.Sequence <= first.Sequence {
		t.Errorf("sequence %d after %d", second.Sequence, first.Sequence)
	}
}

func TestRegistry_FailedStoreKeepsState(t *testing.T) {
	store := openTestStore(t)
	r := NewRegistry(isa.Vanilla, store)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Apply(bg(), "s", message.InitNewApp{AppID: 1}); err == nil {
		t.Fatal("expected an error from a closed store")
	}
	if r.Apps() != 0 {
		t.Errorf("Apps() = %d after a failed append, want 0", r.Apps())
	}
	if _, err := r.Apply(bg(), "s", message.Signal{Kind: message.SignalStop}); err == nil {
		t.Fatal("expected an error from a closed store")
	}

	r.store = nil
	if _, err := r.Apply(bg(), "s", message.InitNewApp{AppID: 1}); err != nil {
		t.Errorf("InitNewApp after a failed append: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestStore_History(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Append(bg(), "a", message.InitNewApp{AppID: 1, MaxQubits: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(bg(), "b", message.InitNewApp{AppID: 9}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(bg(), "a", message.StopApp{AppID: 1}); err != nil {
		t.Fatal(err)
	}

	recs, err := store.History(bg(), "a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("History(a) returned %d records, want 2", len(recs))
	}
	if recs[0].Type != message.TypeInitNewApp || recs[1].Type != message.TypeStopApp {
		t.Errorf("types = %s, %s", recs[0].Type, recs[1].Type)
	}
	if recs[0].ID == "" || recs[0].ID == recs[1].ID {
		t.Errorf("record ids %q, %q should be unique", recs[0].ID, recs[1].ID)
	}

	m, err := recs[0].Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got, ok := m.(message.InitNewApp); !ok || got.MaxQubits != 2 {
		t.Errorf("decoded %#v", m)
	}

	all, err := store.History(bg(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("History(\"\") returned %d records, want 3", len(all))
	}

	sessions, err := store.Sessions(bg())
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0] != "a" || sessions[1] != "b" {
		t.Errorf("Sessions = %v, want [a b]", sessions)
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func TestWorker_StoppedRejects(t *testing.T) {
	w := NewWorker(NewRegistry(nil, nil))
	if _, err := w.Submit(bg(), "s", message.InitNewApp{AppID: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	w.Stop()
	if _, err := w.Submit(bg(), "s", message.StopApp{AppID: 1}); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Submit after Stop: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Server and client
// ---------------------------------------------------------------------------

func TestServer_ClientRoundTrip(t *testing.T) {
	store := openTestStore(t)
	srv := NewServer(WithStore(store))
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "session-1")
	msgs := []message.Message{
		message.InitNewApp{AppID: 1, MaxQubits: 5},
		message.OpenEPRSocket{AppID: 1, RemoteNodeID: 1},
		message.Subroutine{Payload: payload(t, 1)},
		message.StopApp{AppID: 1},
	}
	for _, m := range msgs {
		if err := c.Send(bg(), m); err != nil {
			t.Fatalf("Send(%s): %v", m.Type(), err)
		}
	}

	recs, err := store.History(bg(), c.Session())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(msgs) {
		t.Fatalf("stored %d messages, want %d", len(recs), len(msgs))
	}
}

func TestServer_RejectsWithCodes(t *testing.T) {
	srv := NewServer()
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "s")

	err := c.Send(bg(), message.Subroutine{Payload: payload(t, 3)})
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("unregistered app: code = %v (%v)", connect.CodeOf(err), err)
	}

	if err := c.Send(bg(), message.InitNewApp{AppID: 3}); err != nil {
		t.Fatal(err)
	}
	err = c.Send(bg(), message.Subroutine{Payload: []byte{0, 0}})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("malformed payload: code = %v (%v)", connect.CodeOf(err), err)
	}
}

func TestServer_FlavourGate(t *testing.T) {
	srv := NewServer(WithFlavour(isa.NV))
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "s")
	if err := c.Send(bg(), message.InitNewApp{AppID: 0}); err != nil {
		t.Fatal(err)
	}

	q0 := isa.Reg(isa.ClassQ, 0)
	data, err := encoding.Encode(isa.NewSubroutine(0, []isa.Instruction{
		isa.Vanilla.MustNew(isa.OpSet, q0, isa.Immediate(0)),
		isa.Vanilla.MustNew(isa.OpH, q0),
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = c.Send(bg(), message.Subroutine{Payload: data})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("h under nv flavour: code = %v (%v)", connect.CodeOf(err), err)
	}
}

func TestClient_RejectionsMatchSentinels(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "s")

	err := c.Send(bg(), message.StopApp{AppID: 5})
	if !errors.Is(err, ErrUnknownApp) {
		t.Errorf("unregistered app: err = %v, want ErrUnknownApp", err)
	}
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("unregistered app: code = %v", connect.CodeOf(err))
	}

	if err := c.Send(bg(), message.InitNewApp{AppID: 5}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(bg(), message.InitNewApp{AppID: 5}); !errors.Is(err, ErrAppRegistered) {
		t.Errorf("duplicate registration: err = %v, want ErrAppRegistered", err)
	}
	if err := c.Send(bg(), message.Subroutine{Payload: []byte{0, 0}}); !errors.Is(err, isa.ErrMalformedStream) {
		t.Errorf("malformed payload: err = %v, want ErrMalformedStream", err)
	}
	if err := c.Send(bg(), message.Signal{Kind: message.SignalStop}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(bg(), message.InitNewApp{AppID: 6}); !errors.Is(err, ErrStopped) {
		t.Errorf("after stop signal: err = %v, want ErrStopped", err)
	}

	srv.Stop()
	err = NewClient(ts.Client(), ts.URL, "other").Send(bg(), message.InitNewApp{AppID: 1})
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("stopped worker: err = %v, want ErrWorkerStopped", err)
	}
}

func TestServer_ListenAndServeStopsWithContext(t *testing.T) {
	srv := NewServer()
	defer srv.Stop()

	ctx, cancel := context.WithCancel(bg())
	done := make(chan error, 1)
	go func() {
		done <- srv.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe = %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ListenAndServe did not return after the context was canceled")
	}
}
