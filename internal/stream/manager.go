package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"voice-gateway/internal/config"
	"voice-gateway/internal/session"

	"github.com/gorilla/websocket"
)

const maxFrameBytes = 1 << 20

// Endpoint supplies the dial target and credentials for event streams.
// Satisfied by realtime.Client.
type Endpoint interface {
	StreamURL(callID string) string
	StreamHeader() http.Header
}

// FunctionCall is an AI action request read off a function stream.
// CorrelationID is the action's own id, distinct from the telephony call id.
type FunctionCall struct {
	CorrelationID string
	Name          string
	Arguments     string
}

// Sender writes JSON frames back onto the stream that delivered a call.
type Sender interface {
	Send(v any) error
}

// Handler consumes AI action requests. Invoked synchronously from the
// stream's receive loop, so requests from one stream are handled in
// arrival order.
type Handler interface {
	HandleFunctionCall(ctx context.Context, callID string, fc FunctionCall, send Sender)
}

// Manager owns every stream connection in the process: at most one
// function stream and one in-flight greeting per call. Terminal lifecycle
// events cancel a call's streams through CloseCall; process shutdown
// through Shutdown.
type Manager struct {
	cfg      config.StreamConfig
	reg      *session.Registry
	endpoint Endpoint
	handler  Handler
	log      *slog.Logger

	dialer *websocket.Dialer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	funcStreams map[string]*functionStream
	greetings   map[string]*greetingRun
}

// greetingRun identifies one in-flight greeting delivery so a superseded
// run cannot tear down its replacement's bookkeeping.
type greetingRun struct {
	cancel context.CancelFunc
}

func NewManager(cfg config.StreamConfig, reg *session.Registry, endpoint Endpoint, handler Handler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		endpoint: endpoint,
		handler:  handler,
		log:      log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		baseCtx:     ctx,
		cancel:      cancel,
		funcStreams: make(map[string]*functionStream),
		greetings:   make(map[string]*greetingRun),
	}
}

// OpenFunctionStream starts the long-lived function-call stream for a call.
// Idempotent: if a stream for this call is already live (or still
// reconnecting) it returns immediately without creating a second one.
//
// A canceled supervisor that has not finished unwinding (its close write
// can block for seconds on a dead socket) does not count as live: when the
// same callId is reused right after CloseCall, the dead entry is replaced
// so the new call gets its own supervisor.
func (m *Manager) OpenFunctionStream(callID string) {
	m.mu.Lock()
	if fs, ok := m.funcStreams[callID]; ok && fs.ctx.Err() == nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	fs := &functionStream{m: m, callID: callID, ctx: ctx, cancel: cancel}
	m.funcStreams[callID] = fs
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fs.supervise()
	}()
}

// CloseCall cancels all of one call's streams: pending reconnects,
// heartbeat timers and any in-flight greeting. Idempotent; an in-flight
// outbound request is not aborted, only its result discarded.
func (m *Manager) CloseCall(callID string) {
	m.mu.Lock()
	fs := m.funcStreams[callID]
	greet := m.greetings[callID]
	m.mu.Unlock()

	if fs != nil {
		fs.cancel()
	}
	if greet != nil {
		greet.cancel()
	}
}

// Shutdown cancels every stream and waits for supervisors to exit.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// owns reports whether s still holds the call's supervisor slot.
func (m *Manager) owns(s *functionStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funcStreams[s.callID] == s
}

// LiveStreams reports how many streams (function + in-flight greeting) the
// manager still tracks for a call.
func (m *Manager) LiveStreams(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if _, ok := m.funcStreams[callID]; ok {
		n++
	}
	if _, ok := m.greetings[callID]; ok {
		n++
	}
	return n
}

func (m *Manager) dial(ctx context.Context, callID string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, m.endpoint.StreamURL(callID), m.endpoint.StreamHeader())
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial stream for %s: %w", callID, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// backoff is the reconnect delay before the given (1-based) consecutive
// failure count: base doubling per attempt, capped.
func (m *Manager) backoff(failures int) time.Duration {
	d := m.cfg.ReconnectBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.cfg.ReconnectCap {
			return m.cfg.ReconnectCap
		}
	}
	if d > m.cfg.ReconnectCap {
		return m.cfg.ReconnectCap
	}
	return d
}

// sleepCtx waits for d unless ctx ends first; reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// wsSender serializes writes onto one connection.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *wsSender) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}
