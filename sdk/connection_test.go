package sdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/netqasm/backend"
	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/message"
)

func testConfig() Config {
	return Config{
		AppName: "alice",
		AppID:   1,
		NodeIDs: map[string]int{"alice": 0, "bob": 1},
		Sockets: []*EPRSocket{{ID: 0, RemoteNodeName: "bob", RemoteID: 0}},
	}
}

func decoded(t *testing.T, rec *backend.Recorder) [][]string {
	t.Helper()
	subs, err := rec.Subroutines(isa.Vanilla)
	if err != nil {
		t.Fatalf("Subroutines: %v", err)
	}
	out := make([][]string, len(subs))
	for i, s := range subs {
		out[i] = assembly(s.Instructions)
	}
	return out
}

// failingBackend records messages and fails on one message type.
type failingBackend struct {
	backend.Recorder
	failOn message.Type
	err    error
}

func (f *failingBackend) Send(ctx context.Context, m message.Message) error {
	if m.Type() == f.failOn {
		return f.err
	}
	return f.Recorder.Send(ctx, m)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_MessageSequence(t *testing.T) {
	rec := backend.NewRecorder()
	err := Run(context.Background(), rec, testConfig(), func(c *Connection) error {
		q, err := c.Builder().NewQubit()
		if err != nil {
			return err
		}
		return q.H()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []message.Message{
		message.InitNewApp{AppID: 1, MaxQubits: DefaultMaxQubits},
		message.OpenEPRSocket{AppID: 1, EPRSocketID: 0, RemoteNodeID: 1, RemoteEPRSocketID: 0},
	}
	got := rec.Messages()
	if len(got) != 5 {
		t.Fatalf("recorded %d messages, want 5: %v", len(got), rec.Types())
	}
	if diff := cmp.Diff(want, got[:2]); diff != "" {
		t.Errorf("setup messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]message.Message{message.StopApp{AppID: 1}, message.Signal{Kind: message.SignalStop}}, got[3:]); diff != "" {
		t.Errorf("stop messages mismatch (-want +got):\n%s", diff)
	}

	subs := decoded(t, rec)
	wantSubs := [][]string{{"set Q0 0", "qalloc Q0", "init Q0", "set Q0 0", "h Q0"}}
	if diff := cmp.Diff(wantSubs, subs); diff != "" {
		t.Errorf("subroutines mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_KeepBackend(t *testing.T) {
	rec := backend.NewRecorder()
	cfg := testConfig()
	cfg.KeepBackend = true
	cfg.Sockets = nil
	if err := Run(context.Background(), rec, cfg, func(*Connection) error { return nil }); err != nil {
		t.Fatal(err)
	}
	want := []message.Type{message.TypeInitNewApp, message.TypeStopApp}
	if diff := cmp.Diff(want, rec.Types()); diff != "" {
		t.Errorf("message types mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_UnknownNode(t *testing.T) {
	rec := backend.NewRecorder()
	cfg := testConfig()
	cfg.Sockets[0].RemoteNodeName = "charlie"
	err := Run(context.Background(), rec, cfg, func(*Connection) error { return nil })
	if !errors.Is(err, isa.ErrUnboundReference) {
		t.Errorf("err = %v, want ErrUnboundReference", err)
	}
	if types := rec.Types(); len(types) != 0 {
		t.Errorf("message types = %v, want nothing sent", types)
	}
}

func TestRun_UnknownNodeLeavesSessionUsable(t *testing.T) {
	srv := backend.NewServer()
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	client := backend.NewClient(ts.Client(), ts.URL, "s1")

	bad := testConfig()
	bad.Sockets[0].RemoteNodeName = "charlie"
	if err := Run(context.Background(), client, bad, func(*Connection) error { return nil }); !errors.Is(err, isa.ErrUnboundReference) {
		t.Fatalf("err = %v, want ErrUnboundReference", err)
	}

	err := Run(context.Background(), client, testConfig(), func(c *Connection) error {
		_, err := c.Builder().NewQubit()
		return err
	})
	if err != nil {
		t.Errorf("second run in the same session: %v", err)
	}
}

func TestOpen_SocketFailureStopsApp(t *testing.T) {
	refused := errors.New("socket refused")
	fb := &failingBackend{failOn: message.TypeOpenEPRSocket, err: refused}
	_, err := Open(context.Background(), fb, testConfig())
	if !errors.Is(err, refused) {
		t.Fatalf("err = %v, want the socket failure", err)
	}
	want := []message.Type{message.TypeInitNewApp, message.TypeStopApp, message.TypeSignal}
	if diff := cmp.Diff(want, fb.Types()); diff != "" {
		t.Errorf("message types mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_SocketFailureCombinesStopError(t *testing.T) {
	fb := &stopFailingBackend{refused: errors.New("socket refused"), stopErr: errors.New("backend gone")}
	_, err := Open(context.Background(), fb, testConfig())
	if !errors.Is(err, fb.refused) || !errors.Is(err, fb.stopErr) {
		t.Errorf("err = %v, want both the socket and the stop failure", err)
	}
}

// stopFailingBackend refuses sockets and fails to stop the application.
type stopFailingBackend struct {
	backend.Recorder
	refused error
	stopErr error
}

func (f *stopFailingBackend) Send(ctx context.Context, m message.Message) error {
	switch m.Type() {
	case message.TypeOpenEPRSocket:
		return f.refused
	case message.TypeStopApp:
		return f.stopErr
	}
	return f.Recorder.Send(ctx, m)
}

func TestOpen_LeavesConfigUntouched(t *testing.T) {
	cfg := testConfig()
	c, err := Open(context.Background(), backend.NewRecorder(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sockets[0].RemoteNodeID != 0 {
		t.Errorf("config socket RemoteNodeID = %d, want it left at 0", cfg.Sockets[0].RemoteNodeID)
	}
	s, err := c.Socket(0)
	if err != nil {
		t.Fatal(err)
	}
	if s == cfg.Sockets[0] || s.RemoteNodeID != 1 {
		t.Errorf("connection socket = %s, want a resolved copy", s)
	}
}

func TestRun_ErrorFreesLiveQubits(t *testing.T) {
	rec := backend.NewRecorder()
	boom := errors.New("boom")
	err := Run(context.Background(), rec, testConfig(), func(c *Connection) error {
		b := c.Builder()
		if _, err := b.NewQubit(); err != nil {
			return err
		}
		if err := c.Flush(context.Background()); err != nil {
			return err
		}
		// Allocated in the dropped subroutine; never reaches the backend.
		if _, err := b.NewQubit(); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	want := [][]string{
		{"set Q0 0", "qalloc Q0", "init Q0"},
		{"set Q0 0", "qfree Q0"},
	}
	if diff := cmp.Diff(want, decoded(t, rec)); diff != "" {
		t.Errorf("subroutines mismatch (-want +got):\n%s", diff)
	}
	types := rec.Types()
	if n := len(types); n < 2 || types[n-2] != message.TypeStopApp || types[n-1] != message.TypeSignal {
		t.Errorf("message types = %v, want stop messages last", types)
	}
}

func TestRun_PanicIsCleanedUp(t *testing.T) {
	rec := backend.NewRecorder()
	err := Run(context.Background(), rec, testConfig(), func(c *Connection) error {
		if _, err := c.Builder().NewQubit(); err != nil {
			return err
		}
		panic("lost the qubit")
	})
	if err == nil {
		t.Fatal("expected error from panicking program")
	}
	types := rec.Types()
	if types[len(types)-2] != message.TypeStopApp {
		t.Errorf("message types = %v, want StopApp before the stop signal", types)
	}
	for _, typ := range types {
		if typ == message.TypeSubroutine {
			t.Error("nothing was flushed before the panic; no subroutine should be sent")
		}
	}
}

func TestRun_CombinesCleanupErrors(t *testing.T) {
	boom := errors.New("boom")
	stopErr := errors.New("backend gone")
	fb := &failingBackend{failOn: message.TypeSignal, err: stopErr}
	err := Run(context.Background(), fb, testConfig(), func(*Connection) error { return boom })
	if !errors.Is(err, boom) || !errors.Is(err, stopErr) {
		t.Errorf("err = %v, want both boom and the stop failure", err)
	}
}

func TestRun_UnclosedBlock(t *testing.T) {
	rec := backend.NewRecorder()
	err := Run(context.Background(), rec, testConfig(), func(c *Connection) error {
		arr, err := c.Builder().NewArray(1)
		if err != nil {
			return err
		}
		f, _ := arr.Get(0)
		return f.IfEq(0, func() error {
			return c.Flush(context.Background())
		})
	})
	if !errors.Is(err, isa.ErrUnresolvedBranch) {
		t.Errorf("err = %v, want ErrUnresolvedBranch", err)
	}
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

func TestConnection_FlushEmpty(t *testing.T) {
	rec := backend.NewRecorder()
	c, err := Open(context.Background(), rec, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(decoded(t, rec)) != 0 {
		t.Error("empty flush sent a subroutine")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: err = %v", err)
	}
	if err := c.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close: err = %v", err)
	}
}

func TestConnection_Socket(t *testing.T) {
	c, err := Open(context.Background(), backend.NewRecorder(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.Socket(0)
	if err != nil {
		t.Fatal(err)
	}
	if s.RemoteNodeID != 1 {
		t.Errorf("RemoteNodeID = %d, want 1", s.RemoteNodeID)
	}
	if _, err := c.Socket(3); !errors.Is(err, isa.ErrUnboundReference) {
		t.Errorf("Socket(3): err = %v", err)
	}
}

func TestRun_OverConnect(t *testing.T) {
	store, err := backend.OpenStore(filepath.Join(t.TempDir(), "backend.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	srv := backend.NewServer(backend.WithStore(store))
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := backend.NewClient(ts.Client(), ts.URL, "alice-1")
	err = Run(context.Background(), client, testConfig(), func(c *Connection) error {
		sock, err := c.Socket(0)
		if err != nil {
			return err
		}
		res, err := sock.Create(c.Builder(), CreateRequest{Number: 1})
		if err != nil {
			return err
		}
		return res.Qubits[0].H()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs, err := store.History(context.Background(), "alice-1")
	if err != nil {
		t.Fatal(err)
	}
	var types []message.Type
	for _, r := range recs {
		types = append(types, r.Type)
	}
	want := []message.Type{
		message.TypeInitNewApp,
		message.TypeOpenEPRSocket,
		message.TypeSubroutine,
		message.TypeStopApp,
		message.TypeSignal,
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("stored types mismatch (-want +got):\n%s", diff)
	}
}
