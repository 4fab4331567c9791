package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"voice-gateway/internal/actions"
	"voice-gateway/internal/config"
	"voice-gateway/internal/directory"
	"voice-gateway/internal/instructions"
	"voice-gateway/internal/realtime"
	"voice-gateway/internal/session"
)

// Envelope is one call-control webhook event.
type Envelope struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	CallID     string      `json:"call_id"`
	Caller     string      `json:"caller,omitempty"`
	SIPHeaders []SIPHeader `json:"sip_headers,omitempty"`
}

type SIPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Streams is the stream-side surface the controller drives. Satisfied by
// stream.Manager.
type Streams interface {
	OpenFunctionStream(callID string)
	OpenGreetingStream(ctx context.Context, callID, greeting string) error
	CloseCall(callID string)
}

// Accepter performs the accept handshake. Satisfied by realtime.Client.
type Accepter interface {
	AcceptCall(ctx context.Context, callID string, req realtime.AcceptRequest) error
}

// DestinationLister supplies the transfer destinations offered to the AI on
// accept. Satisfied by directory.Service.
type DestinationLister interface {
	List(ctx context.Context) ([]directory.Destination, error)
}

// Controller owns the call lifecycle: it turns verified webhook events into
// registry transitions, accept handshakes and stream setup/teardown.
type Controller struct {
	reg     *session.Registry
	accept  Accepter
	streams Streams
	dir     DestinationLister
	builder *instructions.Builder
	cfg     config.RealtimeConfig
	log     *slog.Logger

	// greetWG tracks fire-and-forget greeting goroutines for clean shutdown.
	greetWG sync.WaitGroup
}

func NewController(reg *session.Registry, accept Accepter, streams Streams, dir DestinationLister, builder *instructions.Builder, cfg config.RealtimeConfig, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		reg:     reg,
		accept:  accept,
		streams: streams,
		dir:     dir,
		builder: builder,
		cfg:     cfg,
		log:     log,
	}
}

// HandleEvent routes one verified event. A non-nil error means the caller
// should signal delivery failure so the event is redelivered; every other
// outcome, including unknown event types, acknowledges.
func (c *Controller) HandleEvent(ctx context.Context, evt Envelope) error {
	switch {
	case strings.HasSuffix(evt.Type, "call.incoming"):
		return c.handleIncoming(ctx, evt)
	case strings.HasSuffix(evt.Type, "session.updated"):
		c.handleSessionUpdated(evt)
		return nil
	case isTerminal(evt.Type):
		c.handleTerminal(evt)
		return nil
	default:
		c.log.Info("ignoring event", "type", evt.Type, "call_id", evt.Data.CallID)
		return nil
	}
}

func isTerminal(eventType string) bool {
	for _, s := range []string{
		"call.ended",
		"call.failed",
		"call.disconnected",
		"participant.disconnected",
	} {
		if strings.HasSuffix(eventType, s) {
			return true
		}
	}
	return false
}

func (c *Controller) handleIncoming(ctx context.Context, evt Envelope) error {
	callID := evt.Data.CallID
	caller := callerOf(evt.Data)

	// A duplicate id means the earlier session is stale (restarted carrier
	// leg, redelivery after partial failure). The new announcement wins.
	if _, exists := c.reg.Get(callID); exists {
		c.log.Warn("replacing stale call entry", "call_id", callID)
		c.streams.CloseCall(callID)
	}
	c.reg.Insert(session.Call{ID: callID, Caller: caller, Stage: session.StageIncoming})
	c.reg.SetStage(callID, session.StageAccepting)

	targets := c.transferTargets(ctx)
	req := realtime.AcceptRequest{
		Type:         "realtime",
		Model:        c.cfg.Model,
		Instructions: c.builder.Instructions(caller, targets),
		Audio: realtime.AcceptAudio{
			Output: realtime.AcceptAudioOutput{Voice: c.cfg.Voice, Format: "g711_ulaw"},
		},
		TurnDetection: &realtime.TurnDetection{Type: "semantic_vad"},
		Tools:         toolsFor(targets),
	}

	if err := c.accept.AcceptCall(ctx, callID, req); err != nil {
		c.log.Error("accept failed", "call_id", callID, "err", err)
		c.reg.Remove(callID)
		return err
	}
	c.reg.SetStage(callID, session.StageActive)
	c.log.Info("call accepted", "call_id", callID, "caller", caller)

	// Stream setup never blocks webhook acknowledgment.
	c.streams.OpenFunctionStream(callID)

	greeting := c.builder.Greeting(caller)
	c.greetWG.Add(1)
	go func(ctx context.Context) {
		defer c.greetWG.Done()
		if err := c.streams.OpenGreetingStream(ctx, callID, greeting); err != nil {
			c.log.Warn("greeting not delivered", "call_id", callID, "err", err)
		}
	}(context.WithoutCancel(ctx))

	return nil
}

// handleSessionUpdated re-ensures the function stream: the session config
// is live, so a stream that never came up (or was dropped) gets another
// supervisor. Idempotent when one is already running.
func (c *Controller) handleSessionUpdated(evt Envelope) {
	call, ok := c.reg.Get(evt.Data.CallID)
	if !ok {
		c.log.Info("session update for unknown call", "call_id", evt.Data.CallID)
		return
	}
	if call.Stage == session.StageActive || call.Stage == session.StageAccepting {
		c.streams.OpenFunctionStream(call.ID)
	}
}

func (c *Controller) handleTerminal(evt Envelope) {
	callID := evt.Data.CallID
	c.reg.SetStage(callID, session.StageEnding)
	c.streams.CloseCall(callID)
	if c.reg.Remove(callID) {
		c.log.Info("call closed", "call_id", callID, "event", evt.Type)
		return
	}
	// Duplicate terminal event or a call this process never tracked.
	c.log.Info("terminal event for untracked call", "call_id", callID, "event", evt.Type)
}

// Shutdown waits for in-flight greeting deliveries.
func (c *Controller) Shutdown() {
	c.greetWG.Wait()
}

func (c *Controller) transferTargets(ctx context.Context) []instructions.TransferTarget {
	if c.dir == nil {
		return nil
	}
	dests, err := c.dir.List(ctx)
	if err != nil {
		// Degrade to a session without the transfer tool rather than
		// failing the call.
		c.log.Warn("transfer directory unavailable", "err", err)
		return nil
	}
	targets := make([]instructions.TransferTarget, 0, len(dests))
	for _, d := range dests {
		targets = append(targets, instructions.TransferTarget{Key: d.Key, Name: d.DisplayName})
	}
	return targets
}

func toolsFor(targets []instructions.TransferTarget) []realtime.Tool {
	if len(targets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, t.Key)
	}
	params, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"destination": map[string]any{
				"type":        "string",
				"enum":        keys,
				"description": "Destination key to transfer the caller to.",
			},
		},
		"required": []string{"destination"},
	})
	return []realtime.Tool{{
		Type:        "function",
		Name:        actions.ToolTransferCall,
		Description: "Transfer the caller to a named department or person.",
		Parameters:  params,
	}}
}

// callerOf prefers the explicit caller field and falls back to the SIP
// From header.
func callerOf(d EventData) string {
	if d.Caller != "" {
		return d.Caller
	}
	for _, h := range d.SIPHeaders {
		if strings.EqualFold(h.Name, "From") {
			return parseAddress(h.Value)
		}
	}
	return ""
}

// parseAddress pulls the bare number out of a SIP address like
// `"Jo" <sip:+15551234567@carrier.example>;tag=x`.
func parseAddress(v string) string {
	if i := strings.Index(v, "<"); i >= 0 {
		if j := strings.Index(v[i:], ">"); j > 0 {
			v = v[i+1 : i+j]
		}
	}
	v = strings.TrimPrefix(v, "sip:")
	v = strings.TrimPrefix(v, "tel:")
	if i := strings.IndexAny(v, "@;?"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
