package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voice-gateway/internal/config"
	"voice-gateway/internal/realtime"
	"voice-gateway/internal/session"

	"github.com/gorilla/websocket"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		ConnectTimeout:    2 * time.Second,
		ReconnectBase:     5 * time.Millisecond,
		ReconnectCap:      20 * time.Millisecond,
		MaxReconnects:     3,
		HeartbeatInterval: 50 * time.Millisecond,
		GreetingDelay:     5 * time.Millisecond,
		GreetingGrace:     10 * time.Millisecond,
	}
}

// wsBackend is a fake realtime endpoint. The handler receives each
// upgraded connection with its 1-based ordinal.
type wsBackend struct {
	srv   *httptest.Server
	conns int64
}

func newWSBackend(t *testing.T, handler func(conn *websocket.Conn, ordinal int)) *wsBackend {
	t.Helper()
	b := &wsBackend{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt64(&b.conns, 1))
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, n)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *wsBackend) connections() int {
	return int(atomic.LoadInt64(&b.conns))
}

type testEndpoint struct{ base string }

func (e testEndpoint) StreamURL(callID string) string {
	return e.base + "?call_id=" + callID
}

func (e testEndpoint) StreamHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer test")
	return h
}

func endpointFor(b *wsBackend) testEndpoint {
	return testEndpoint{base: "ws" + strings.TrimPrefix(b.srv.URL, "http")}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func activeRegistry(callID string) *session.Registry {
	reg := session.NewRegistry()
	reg.Insert(session.Call{ID: callID, Caller: "+15551234567", Stage: session.StageActive})
	return reg
}

func TestOpenGreetingStream_DeliversOnceAndCloses(t *testing.T) {
	var mu sync.Mutex
	var frames []realtime.Event

	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			var evt realtime.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			mu.Lock()
			frames = append(frames, evt)
			mu.Unlock()
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	if err := m.OpenGreetingStream(context.Background(), "c1", "Hello from Acme!"); err != nil {
		t.Fatalf("expected greeting to succeed, got %v", err)
	}

	eventually(t, "greeting frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if frames[0].Type != realtime.EventResponseCreate {
		t.Fatalf("expected response.create, got %q", frames[0].Type)
	}
	if frames[0].Response == nil || !strings.Contains(frames[0].Response.Instructions, "Hello from Acme!") {
		t.Fatalf("expected greeting text in instructions, got %+v", frames[0].Response)
	}

	call, _ := reg.Get("c1")
	if !call.Greeted {
		t.Fatalf("expected greeted flag set")
	}
}

func TestOpenGreetingStream_NoopWhenAlreadyGreeted(t *testing.T) {
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	if err := m.OpenGreetingStream(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("first greeting: %v", err)
	}
	if err := m.OpenGreetingStream(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("second greeting should be a no-op, got %v", err)
	}
	if backend.connections() != 1 {
		t.Fatalf("expected 1 connection, got %d", backend.connections())
	}
}

func TestOpenGreetingStream_ConcurrentTriggersGreetOnce(t *testing.T) {
	var greetings int64
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			var evt realtime.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			if evt.Type == realtime.EventResponseCreate {
				atomic.AddInt64(&greetings, 1)
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.OpenGreetingStream(context.Background(), "c1", "hi")
		}()
	}
	wg.Wait()

	eventually(t, "greeting frame", func() bool {
		return atomic.LoadInt64(&greetings) >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&greetings); got != 1 {
		t.Fatalf("expected exactly one greeting, got %d", got)
	}
}

func TestOpenGreetingStream_RollsBackFlagOnFailure(t *testing.T) {
	// Plain HTTP server that refuses the upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, testEndpoint{base: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil, nil)
	defer m.Shutdown()

	if err := m.OpenGreetingStream(context.Background(), "c1", "hi"); err == nil {
		t.Fatalf("expected greeting failure")
	}
	call, _ := reg.Get("c1")
	if call.Greeted {
		t.Fatalf("expected greeted flag rolled back so a later trigger may retry")
	}
}

func TestOpenFunctionStream_DedupYieldsOneConnection(t *testing.T) {
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.OpenFunctionStream("c1")
		}()
	}
	wg.Wait()

	eventually(t, "function stream open", func() bool {
		c, _ := reg.Get("c1")
		return c.HasFunctionStream
	})
	// Give any duplicate dial a chance to show up.
	time.Sleep(50 * time.Millisecond)
	if backend.connections() != 1 {
		t.Fatalf("expected exactly one connection, got %d", backend.connections())
	}
	if m.LiveStreams("c1") != 1 {
		t.Fatalf("expected one live stream, got %d", m.LiveStreams("c1"))
	}
}

func TestFunctionStream_NormalCloseEndsStreamWithoutReconnect(t *testing.T) {
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Complete the close handshake.
		_, _, _ = conn.ReadMessage()
		conn.Close()
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	m.OpenFunctionStream("c1")
	eventually(t, "stream to end", func() bool { return m.LiveStreams("c1") == 0 })

	time.Sleep(50 * time.Millisecond)
	if backend.connections() != 1 {
		t.Fatalf("expected no reconnect after normal close, got %d connections", backend.connections())
	}
	c, _ := reg.Get("c1")
	if c.HasFunctionStream {
		t.Fatalf("expected function stream flag cleared")
	}
}

func TestFunctionStream_ReconnectsAfterAbnormalClose(t *testing.T) {
	backend := newWSBackend(t, func(conn *websocket.Conn, ordinal int) {
		if ordinal == 1 {
			// Drop the TCP connection without a close frame.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	m.OpenFunctionStream("c1")
	eventually(t, "reconnect", func() bool { return backend.connections() >= 2 })
	eventually(t, "stream re-open", func() bool {
		c, _ := reg.Get("c1")
		return c.HasFunctionStream
	})
	if m.LiveStreams("c1") != 1 {
		t.Fatalf("expected stream still supervised, got %d", m.LiveStreams("c1"))
	}
}

func TestFunctionStream_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, testEndpoint{base: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil, nil)
	defer m.Shutdown()

	m.OpenFunctionStream("c1")
	eventually(t, "supervisor to give up", func() bool { return m.LiveStreams("c1") == 0 })

	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts with max-attempts=3, got %d", got)
	}
}

func TestFunctionStream_BargeInSendsBufferClear(t *testing.T) {
	got := make(chan realtime.Event, 1)
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		if err := conn.WriteJSON(realtime.Event{Type: realtime.EventSpeechStarted}); err != nil {
			return
		}
		var evt realtime.Event
		if err := conn.ReadJSON(&evt); err != nil {
			return
		}
		got <- evt
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	m.OpenFunctionStream("c1")

	select {
	case evt := <-got:
		if evt.Type != realtime.EventBufferClear {
			t.Fatalf("expected buffer clear, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for buffer clear")
	}

	eventually(t, "interrupted flag", func() bool {
		c, _ := reg.Get("c1")
		return c.Stats.Interrupted
	})
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []FunctionCall
}

func (h *recordingHandler) HandleFunctionCall(ctx context.Context, callID string, fc FunctionCall, send Sender) {
	h.mu.Lock()
	h.calls = append(h.calls, fc)
	h.mu.Unlock()
	_ = send.Send(realtime.FunctionOutput(fc.CorrelationID, `{"success":true}`))
	_ = send.Send(realtime.ContinueResponse())
}

func TestFunctionStream_DispatchesFunctionCalls(t *testing.T) {
	replies := make(chan realtime.Event, 2)
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		err := conn.WriteJSON(realtime.Event{
			Type:      realtime.EventFunctionCallDone,
			CallID:    "fn_1",
			Name:      "transfer_call",
			Arguments: `{"destination":"sales"}`,
		})
		if err != nil {
			return
		}
		for i := 0; i < 2; i++ {
			var evt realtime.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			replies <- evt
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	handler := &recordingHandler{}
	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), handler, nil)
	defer m.Shutdown()

	m.OpenFunctionStream("c1")

	var first, second realtime.Event
	select {
	case first = <-replies:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for function output")
	}
	select {
	case second = <-replies:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for continue response")
	}

	if first.Type != realtime.EventItemCreate || first.Item == nil || first.Item.CallID != "fn_1" {
		t.Fatalf("expected correlated function output first, got %+v", first)
	}
	if second.Type != realtime.EventResponseCreate {
		t.Fatalf("expected continue response second, got %+v", second)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.calls) != 1 {
		t.Fatalf("expected one dispatched call, got %d", len(handler.calls))
	}
	if handler.calls[0].Name != "transfer_call" || handler.calls[0].CorrelationID != "fn_1" {
		t.Fatalf("unexpected dispatch: %+v", handler.calls[0])
	}
}

func TestOpenFunctionStream_ReplacesCanceledSupervisor(t *testing.T) {
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	// A supervisor canceled by CloseCall can stay in the map while its
	// close write drains. Reusing the callId right away must not be
	// masked by that dead entry.
	ctx, cancel := context.WithCancel(m.baseCtx)
	stale := &functionStream{m: m, callID: "c1", ctx: ctx, cancel: cancel}
	m.mu.Lock()
	m.funcStreams["c1"] = stale
	m.mu.Unlock()
	cancel()

	m.OpenFunctionStream("c1")
	eventually(t, "replacement stream open", func() bool {
		c, _ := reg.Get("c1")
		return c.HasFunctionStream
	})
	if backend.connections() != 1 {
		t.Fatalf("expected the replacement to dial, got %d connections", backend.connections())
	}

	// The stale supervisor finishing its unwind must not tear down the
	// replacement's slot or registry flag.
	stale.supervise()
	if m.LiveStreams("c1") != 1 {
		t.Fatalf("stale teardown removed the live supervisor")
	}
	c, _ := reg.Get("c1")
	if !c.HasFunctionStream {
		t.Fatalf("stale teardown cleared the live stream flag")
	}
}

func TestBackoff_DoublesFromBaseToCap(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ReconnectBase = time.Second
	cfg.ReconnectCap = 10 * time.Second
	m := NewManager(cfg, session.NewRegistry(), testEndpoint{}, nil, nil)
	defer m.Shutdown()

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Fatalf("delay before attempt %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestCloseCall_StopsReconnectingStream(t *testing.T) {
	backend := newWSBackend(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	reg := activeRegistry("c1")
	m := NewManager(testStreamConfig(), reg, endpointFor(backend), nil, nil)
	defer m.Shutdown()

	m.OpenFunctionStream("c1")
	eventually(t, "stream open", func() bool {
		c, _ := reg.Get("c1")
		return c.HasFunctionStream
	})

	m.CloseCall("c1")
	eventually(t, "stream torn down", func() bool { return m.LiveStreams("c1") == 0 })

	time.Sleep(50 * time.Millisecond)
	if backend.connections() != 1 {
		t.Fatalf("expected no reconnect after terminal close, got %d", backend.connections())
	}
}
