package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// wsURL converts an httptest server URL to its ws:// form.
func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

type fakeTimer struct{ stopped atomic.Bool }

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type scheduled struct {
	delay time.Duration
	fire  func()
}

// manualSchedule replaces the reconnect timer with a channel so tests
// observe every scheduled delay and decide when it fires.
func manualSchedule(m *Manager) <-chan scheduled {
	ch := make(chan scheduled, 32)
	m.afterFunc = func(d time.Duration, f func()) timer {
		t := &fakeTimer{}
		ch <- scheduled{delay: d, fire: func() {
			if !t.stopped.Load() {
				f()
			}
		}}
		return t
	}
	return ch
}

func nextScheduled(t *testing.T, ch <-chan scheduled) scheduled {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect was scheduled")
		return scheduled{}
	}
}

func waitReady(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func testManager() *Manager {
	return New(Config{Logger: slog.Default(), ConnectTimeout: time.Second})
}

func TestSend_NotReadyBeforeOpen(t *testing.T) {
	t.Parallel()
	m := testManager()

	if err := m.Send(map[string]string{"type": "get_initial_config"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() error = %v, want ErrNotReady", err)
	}
	if got := m.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
}

func TestOpen_SendAndReceive(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("clientId"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	defer srv.Close()

	m := testManager()
	defer m.Close()

	frames := make(chan Frame, 1)
	m.OnMessage(func(f Frame) { frames <- f })

	url, err := Endpoint(srv.URL, "client-1", false)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	m.Open(url)
	waitReady(t, m)

	if err := m.Send(map[string]string{"type": "mode_change", "mode": "chat"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-frames:
		if f.Kind != TextFrame {
			t.Errorf("Kind = %v, want text", f.Kind)
		}
		if string(f.Data) != `{"mode":"chat","type":"mode_change"}` {
			t.Errorf("Data = %s", f.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	if q, _ := gotQuery.Load().(string); q != "client-1" {
		t.Errorf("server saw clientId %q, want client-1", q)
	}
	snap := m.Snapshot()
	if snap.State != StateOpen || snap.ReadySince.IsZero() || snap.Attempt != 0 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestBinaryFrameDelivered(t *testing.T) {
	t.Parallel()

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, EncodeBinary(1, jpeg))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}) // too short, dropped
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status"}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	m := testManager()
	defer m.Close()

	frames := make(chan Frame, 4)
	m.OnMessage(func(f Frame) { frames <- f })
	m.Open(wsURL(srv))

	first := <-frames
	if first.Kind != BinaryFrame || first.EventType != 1 {
		t.Fatalf("first frame = %+v, want binary event 1", first)
	}
	if string(first.Data) != string(jpeg) {
		t.Errorf("Data = %x, want %x", first.Data, jpeg)
	}

	second := <-frames
	if second.Kind != TextFrame {
		t.Errorf("second frame kind = %v, want text (short binary frame should be dropped)", second.Kind)
	}
}

func TestSendWhenReady_DeferredUntilOpen(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	defer srv.Close()

	m := New(Config{ConnectTimeout: 5 * time.Second})
	defer m.Close()
	m.Open(wsURL(srv))

	if got := m.State(); got != StateConnecting {
		t.Fatalf("State() = %v, want connecting", got)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.SendWhenReady(context.Background(), map[string]string{"type": "get_initial_config"})
	}()

	select {
	case msg := <-received:
		t.Fatalf("message %q transmitted before Open", msg)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	if err := <-done; err != nil {
		t.Fatalf("SendWhenReady: %v", err)
	}
	select {
	case msg := <-received:
		if msg != `{"type":"get_initial_config"}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred message never arrived")
	}
	select {
	case msg := <-received:
		t.Errorf("duplicate transmission %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendWhenReady_AbortsOnClose(t *testing.T) {
	t.Parallel()
	m := testManager()

	done := make(chan error, 1)
	go func() {
		done <- m.SendWhenReady(context.Background(), map[string]string{"type": "x"})
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("SendWhenReady error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendWhenReady did not return after Close")
	}
}

func TestReconnect_BackoffScheduleAndReset(t *testing.T) {
	t.Parallel()

	// Refuse the first three handshakes, then accept and hang up at once.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	m := New(Config{Backoff: Backoff{Base: time.Second, Cap: 30 * time.Second}})
	defer m.Close()
	sched := manualSchedule(m)

	var mu sync.Mutex
	var opens int
	m.OnStateChange(func(c StateChange) {
		if c.To == StateOpen {
			mu.Lock()
			opens++
			mu.Unlock()
			if c.Attempt != 0 {
				t.Errorf("Open with attempt %d, want 0", c.Attempt)
			}
		}
	})

	m.Open(wsURL(srv))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		s := nextScheduled(t, sched)
		if s.delay != w {
			t.Errorf("close %d: delay = %v, want %v", i+1, s.delay, w)
		}
		s.fire()
	}

	// Fourth attempt opens, the server hangs up, and the schedule
	// restarts from the base delay.
	s := nextScheduled(t, sched)
	if s.delay != time.Second {
		t.Errorf("delay after successful open = %v, want 1s", s.delay)
	}
	mu.Lock()
	if opens != 1 {
		t.Errorf("opens = %d, want 1", opens)
	}
	mu.Unlock()
	if got := m.Snapshot().Attempt; got != 1 {
		t.Errorf("Attempt = %d, want 1", got)
	}
}

func TestClose_SuppressesReconnect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := testManager()
	sched := manualSchedule(m)

	var states []State
	var mu sync.Mutex
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		states = append(states, c.To)
		mu.Unlock()
	})

	m.Open(wsURL(srv))
	waitReady(t, m)

	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	select {
	case s := <-sched:
		t.Fatalf("reconnect scheduled after explicit close (delay %v)", s.delay)
	case <-time.After(100 * time.Millisecond):
	}

	if got := m.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	if err := m.Send(map[string]string{"type": "x"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send after Close = %v, want ErrNotReady", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateClosing, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestConnectTimeout_TriggersBackoff(t *testing.T) {
	t.Parallel()

	hang := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-hang:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(hang)

	m := New(Config{
		ConnectTimeout: 50 * time.Millisecond,
		Backoff:        Backoff{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond},
	})
	defer m.Close()
	sched := manualSchedule(m)

	closed := make(chan StateChange, 1)
	m.OnStateChange(func(c StateChange) {
		if c.To == StateClosed {
			closed <- c
		}
	})

	m.Open(wsURL(srv))

	select {
	case c := <-closed:
		if c.From != StateConnecting || c.Err == nil {
			t.Errorf("change = %+v, want Connecting→Closed with error", c)
		}
		if c.RetryIn != 10*time.Millisecond {
			t.Errorf("RetryIn = %v, want 10ms", c.RetryIn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect timeout did not close the attempt")
	}
	if s := nextScheduled(t, sched); s.delay != 10*time.Millisecond {
		t.Errorf("scheduled delay = %v, want 10ms", s.delay)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	t.Parallel()

	var live atomic.Int32
	var peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer live.Add(-1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := testManager()
	defer m.Close()
	manualSchedule(m)

	m.Open(wsURL(srv))
	waitReady(t, m)
	m.Open(wsURL(srv))
	waitReady(t, m)

	deadline := time.Now().Add(2 * time.Second)
	for live.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := live.Load(); n != 1 {
		t.Errorf("live server connections = %d, want 1", n)
	}
	if m.State() != StateOpen {
		t.Errorf("State() = %v, want open", m.State())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:     "closed",
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		State(42):       "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
