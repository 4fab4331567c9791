package stream

import (
	"context"
	"fmt"

	"voice-gateway/internal/realtime"
)

// OpenGreetingStream delivers the personalized greeting over a short-lived
// stream. Single best-effort attempt: a stale greeting is worse than a
// missing one, so failures are reported, never retried here.
//
// The greeted flag is claimed optimistically before connecting so two
// near-simultaneous triggers (webhook retry, second control event) cannot
// both pass the check and double-greet; the flag is rolled back if
// delivery ultimately fails so a future trigger may retry.
func (m *Manager) OpenGreetingStream(ctx context.Context, callID, greeting string) error {
	call, ok := m.reg.Get(callID)
	if !ok {
		return fmt.Errorf("greeting: unknown call %q", callID)
	}
	if call.Greeted {
		return nil
	}
	if !m.reg.ClaimGreeting(callID) {
		// Lost the race; the winner delivers.
		return nil
	}

	gctx, cancelGreet := context.WithCancel(ctx)
	run := &greetingRun{cancel: cancelGreet}
	m.mu.Lock()
	m.greetings[callID] = run
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.greetings[callID] == run {
			delete(m.greetings, callID)
		}
		m.mu.Unlock()
		cancelGreet()
	}()

	delivered := false
	defer func() {
		if !delivered {
			m.reg.ReleaseGreeting(callID)
		}
	}()

	// Caller-perceived pacing before the AI speaks; not a correctness
	// requirement.
	if !sleepCtx(gctx, m.cfg.GreetingDelay) {
		return gctx.Err()
	}

	conn, err := m.dial(gctx, callID)
	if err != nil {
		m.log.Warn("greeting stream connect failed", "call_id", callID, "err", err)
		return err
	}
	defer conn.Close()
	sender := &wsSender{conn: conn}

	if err := sender.Send(realtime.SpeakResponse(greeting)); err != nil {
		m.log.Warn("greeting send failed", "call_id", callID, "err", err)
		return fmt.Errorf("greeting send for %s: %w", callID, err)
	}
	delivered = true
	m.log.Info("greeting dispatched", "call_id", callID)

	// Grace period so the instruction flushes before teardown.
	sleepCtx(gctx, m.cfg.GreetingGrace)
	_ = sender.close()
	return nil
}
