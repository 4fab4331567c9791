package stream

import (
	"context"
	"encoding/json"
	"time"

	"voice-gateway/internal/realtime"

	"github.com/gorilla/websocket"
)

// functionStream supervises the long-lived function-call stream for one
// call: a connect/reconnect loop around a receive pump. The supervisor
// exits on normal closure, on cancellation, or after the configured number
// of consecutive connection failures.
type functionStream struct {
	m      *Manager
	callID string
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *functionStream) supervise() {
	m := s.m
	defer func() {
		// The map slot may already belong to a replacement supervisor
		// (callId reused after CloseCall); only the current owner tears
		// down the shared state.
		m.mu.Lock()
		owner := m.funcStreams[s.callID] == s
		if owner {
			delete(m.funcStreams, s.callID)
		}
		m.mu.Unlock()
		if owner {
			m.reg.MarkFunctionStream(s.callID, false)
		}
		s.cancel()
	}()

	failures := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := m.dial(s.ctx, s.callID)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			m.log.Warn("function stream connect failed",
				"call_id", s.callID, "attempt", failures, "err", err)
			if failures >= m.cfg.MaxReconnects {
				m.log.Error("function stream exhausted reconnect attempts",
					"call_id", s.callID, "attempts", failures)
				return
			}
			if !sleepCtx(s.ctx, m.backoff(failures)) {
				return
			}
			continue
		}

		failures = 0
		m.reg.MarkFunctionStream(s.callID, true)
		m.log.Info("function stream open", "call_id", s.callID)

		normal := s.pump(conn)
		if m.owns(s) {
			m.reg.MarkFunctionStream(s.callID, false)
		}

		if normal {
			m.log.Info("function stream closed", "call_id", s.callID)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		failures++
		m.log.Warn("function stream dropped, reconnecting",
			"call_id", s.callID, "attempt", failures)
		if failures >= m.cfg.MaxReconnects {
			m.log.Error("function stream exhausted reconnect attempts",
				"call_id", s.callID, "attempts", failures)
			return
		}
		if !sleepCtx(s.ctx, m.backoff(failures)) {
			return
		}
	}
}

// pump runs one open connection until it closes. Returns true when the
// closure was normal (call ended) and reconnection must not be attempted.
func (s *functionStream) pump(conn *websocket.Conn) bool {
	defer conn.Close()
	sender := &wsSender{conn: conn}

	msgs := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- data:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = sender.close()
			return true
		case <-ticker.C:
			if err := sender.ping(); err != nil {
				s.m.log.Warn("heartbeat failed", "call_id", s.callID, "err", err)
			}
		case err := <-errs:
			return websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway)
		case data := <-msgs:
			s.handle(data, sender)
		}
	}
}

// handle processes one inbound frame. Frames are handled inline so events
// from one stream keep arrival order.
func (s *functionStream) handle(data []byte, send Sender) {
	var evt realtime.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		s.m.log.Warn("malformed stream frame", "call_id", s.callID, "err", err)
		return
	}

	s.m.reg.Touch(s.callID)

	switch evt.Type {
	case realtime.EventSpeechStarted:
		// Barge-in: the caller is talking over the AI; cut playback now.
		// Fire-and-forget over the same stream.
		s.m.reg.MarkInterrupted(s.callID)
		if err := send.Send(realtime.BufferClear()); err != nil {
			s.m.log.Warn("buffer clear failed", "call_id", s.callID, "err", err)
		}
	case realtime.EventSpeechStopped, realtime.EventResponseDone:
		// Activity bookkeeping only.
	case realtime.EventFunctionCallDone:
		if s.m.handler == nil {
			return
		}
		fc := FunctionCall{
			CorrelationID: evt.CallID,
			Name:          evt.Name,
			Arguments:     evt.Arguments,
		}
		s.m.handler.HandleFunctionCall(s.ctx, s.callID, fc, send)
	default:
		s.m.log.Debug("ignoring stream event", "call_id", s.callID, "type", evt.Type)
	}
}
