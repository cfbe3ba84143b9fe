package resend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/robustws/internal/resend"
	"github.com/kuuji/robustws/internal/robust"
	"github.com/kuuji/robustws/internal/transport"
	"github.com/kuuji/robustws/pkg/wire"
)

// testHub is a minimal in-memory server for the resume protocol (spec §6):
// it ACKs every tagged frame it receives and, on a resumed session ("o="
// query parameter), sends the mandatory CONTINUE frame naming the first id
// it has not yet seen. Modeled on internal/signaling/client_test.go's
// testHub, which plays the same role (an http.Handler accepting real
// WebSocket upgrades) for the teacher's own join/rejoin protocol.
type testHub struct {
	mu       sync.Mutex
	sessions map[string]*testSession
}

type testSession struct {
	nextID    uint64 // first id this session has not yet seen
	ackedUpTo uint64 // highest id an ACK has been written for, +1
	received  []string
	conn      *websocket.Conn
}

func newTestHub() *testHub {
	return &testHub{sessions: make(map[string]*testSession)}
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	robustID := r.URL.Query().Get("n")
	resuming := false
	if robustID == "" {
		robustID = r.URL.Query().Get("o")
		resuming = true
	}
	if robustID == "" {
		return
	}

	ctx := context.Background()

	h.mu.Lock()
	sess, ok := h.sessions[robustID]
	if !ok {
		sess = &testSession{}
		h.sessions[robustID] = sess
	}
	sess.conn = conn
	h.mu.Unlock()

	if resuming {
		h.mu.Lock()
		nextID := sess.nextID
		h.mu.Unlock()
		if err := conn.Write(ctx, websocket.MessageText, []byte(wire.Continue(nextID))); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		id, payload, ok := wire.ParseTag(string(data))
		if !ok {
			continue
		}

		h.mu.Lock()
		sess.received = append(sess.received, payload)
		if id+1 > sess.nextID {
			sess.nextID = id + 1
		}
		next := sess.nextID
		h.mu.Unlock()

		if err := conn.Write(ctx, websocket.MessageText, []byte(wire.Ack(next))); err != nil {
			return
		}
		h.mu.Lock()
		sess.ackedUpTo = next
		h.mu.Unlock()
	}
}

// dropSession severs robustID's connection without a clean close handshake —
// CloseNow reports wasClean=false to the client's physical read loop the
// same way an abrupt network failure would, rather than the graceful close
// this hub's own deferred conn.Close performs on a normal handler return.
func (h *testHub) dropSession(robustID string) {
	h.mu.Lock()
	sess, ok := h.sessions[robustID]
	h.mu.Unlock()
	if ok && sess.conn != nil {
		_ = sess.conn.CloseNow()
	}
}

func (h *testHub) receivedFor(robustID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[robustID]
	if !ok {
		return nil
	}
	out := make([]string, len(sess.received))
	copy(out, sess.received)
	return out
}

func (h *testHub) ackedUpTo(robustID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[robustID]
	if !ok {
		return 0
	}
	return sess.ackedUpTo
}

// startTestHub starts an httptest.Server running the hub and returns it
// along with a ws:// URL suitable for transport.Dialer.
func startTestHub(t *testing.T) (*testHub, string) {
	t.Helper()
	hub := newTestHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, wsURL
}

func waitForCount(t *testing.T, timeout time.Duration, what string, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s (got %d, want %d)", what, count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestE2E_HappyPathOverRealSocket exercises Send against an actual
// coder/websocket connection end to end: a real HTTP upgrade, a real tagged
// frame on the wire, and a real ACK frame coming back.
func TestE2E_HappyPathOverRealSocket(t *testing.T) {
	t.Parallel()

	hub, wsURL := startTestHub(t)

	dialer := &transport.Dialer{}
	inner := robust.New(robust.Config{URL: wsURL, Timeout: 2 * time.Second, Dial: dialer.Dial})
	conn := resend.Wrap(inner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := conn.Send([]byte("hi")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	robustID := conn.RobustID()
	waitForCount(t, 2*time.Second, "hub to receive the frame", func() int {
		return len(hub.receivedFor(robustID))
	}, 1)

	got := hub.receivedFor(robustID)
	if got[0] != "hi" {
		t.Fatalf("hub received = %v, want [\"hi\"]", got)
	}

	closed := make(chan resend.CloseEvent, 1)
	conn.OnClose = func(ev resend.CloseEvent) { closed <- ev }
	if err := conn.Close(1000, "bye"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case ev := <-closed:
		if ev.Code != 1000 || !ev.WasClean {
			t.Errorf("close event = %+v, want code 1000 wasClean=true", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close over real socket")
	}
}

// TestE2E_ReconnectResendsOnlyUnackedOverRealSocket drives the full
// disconnect -> CONTINUE -> resend cycle over a real socket: this is the
// scenario that an immediate-teardown-on-adopt defect in the real
// transport.Dialer (as opposed to the deterministic fakes internal/robust's
// own tests use) would have caught — the physical here only survives to
// deliver the real server's CONTINUE frame if its read loop outlives the
// dial/reconnect attempt context that produced it.
func TestE2E_ReconnectResendsOnlyUnackedOverRealSocket(t *testing.T) {
	t.Parallel()

	hub, wsURL := startTestHub(t)

	dialer := &transport.Dialer{}
	inner := robust.New(robust.Config{URL: wsURL, Timeout: 5 * time.Second, Dial: dialer.Dial})
	conn := resend.Wrap(inner, nil)

	disconnected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	conn.OnDisconnect = func() { disconnected <- struct{}{} }
	conn.OnReconnect = func() { reconnected <- struct{}{} }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	robustID := conn.RobustID()

	if err := conn.Send([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := conn.Send([]byte("b")); err != nil {
		t.Fatal(err)
	}

	// Wait for the hub to have written ACK 2 for both frames — since hub
	// and client share a single TCP connection, that ACK is guaranteed to
	// reach the client strictly before the CloseNow below, so the client's
	// buffer is empty by the time the drop happens.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ackedUpTo(robustID) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for hub to ack both sends (ackedUpTo=%d)", hub.ackedUpTo(robustID))
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.dropSession(robustID)
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnect over real socket")
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnReconnect over real socket")
	}

	// A resumed session must replay nothing: both frames were already
	// acked, so no third frame should ever arrive at the hub.
	time.Sleep(50 * time.Millisecond)
	got := hub.receivedFor(robustID)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("hub received after reconnect = %v, want exactly [\"a\", \"b\"] with no resend", got)
	}
}
