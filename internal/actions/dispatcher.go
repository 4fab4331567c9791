package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"voice-gateway/internal/directory"
	"voice-gateway/internal/realtime"
	"voice-gateway/internal/stream"
)

// ToolTransferCall is the one tool the AI session is offered today.
const ToolTransferCall = "transfer_call"

// Resolver maps a spoken destination key to a concrete transfer target.
// Satisfied by directory.Service.
type Resolver interface {
	Resolve(ctx context.Context, key string) (directory.Destination, error)
}

// Transferrer issues the outbound transfer command. Satisfied by
// realtime.Client.
type Transferrer interface {
	TransferCall(ctx context.Context, callID, targetURI string) error
}

// Result is the structured outcome reported back to the AI session so it
// can narrate what happened to the caller.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	DestinationName string `json:"destination_name,omitempty"`
}

// Dispatcher executes AI action requests read off a call's function
// stream. Every action runs at most once: validation happens before any
// side effect, and a failed side effect is reported, never replayed.
type Dispatcher struct {
	resolver    Resolver
	transferrer Transferrer
	log         *slog.Logger
}

func NewDispatcher(resolver Resolver, transferrer Transferrer, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{resolver: resolver, transferrer: transferrer, log: log}
}

// HandleFunctionCall implements stream.Handler. The result, success or
// failure, goes back over the same stream as a correlated function output
// followed by a continue instruction so the AI resumes speaking.
func (d *Dispatcher) HandleFunctionCall(ctx context.Context, callID string, fc stream.FunctionCall, send stream.Sender) {
	var res Result
	switch fc.Name {
	case ToolTransferCall:
		res = d.transfer(ctx, callID, fc.Arguments)
	default:
		d.log.Warn("unsupported tool requested", "call_id", callID, "tool", fc.Name)
		res = Result{Success: false, Message: "That action is not available."}
	}

	payload, err := json.Marshal(res)
	if err != nil {
		d.log.Error("encode action result", "call_id", callID, "err", err)
		return
	}
	if err := send.Send(realtime.FunctionOutput(fc.CorrelationID, string(payload))); err != nil {
		// At most once: the action already ran, so the lost result is
		// logged and dropped rather than replayed.
		d.log.Warn("action result lost", "call_id", callID, "correlation_id", fc.CorrelationID, "err", err)
		return
	}
	if err := send.Send(realtime.ContinueResponse()); err != nil {
		d.log.Warn("continue instruction lost", "call_id", callID, "err", err)
	}
}

type transferArgs struct {
	Destination string `json:"destination"`
}

func (d *Dispatcher) transfer(ctx context.Context, callID, rawArgs string) Result {
	var args transferArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		d.log.Warn("malformed transfer arguments", "call_id", callID, "err", err)
		return Result{Success: false, Message: "I could not understand the transfer request."}
	}
	key := strings.ToLower(strings.TrimSpace(args.Destination))

	dest, err := d.resolver.Resolve(ctx, key)
	if err != nil {
		d.log.Warn("transfer destination not resolved", "call_id", callID, "destination", key, "err", err)
		return Result{Success: false, Message: "I don't have a transfer destination by that name."}
	}

	if err := d.transferrer.TransferCall(ctx, callID, dest.TargetURI); err != nil {
		d.log.Error("transfer failed", "call_id", callID, "destination", key, "err", err)
		return Result{
			Success:         false,
			Message:         "The transfer could not be completed.",
			DestinationName: dest.DisplayName,
		}
	}

	d.log.Info("call transferred", "call_id", callID, "destination", key)
	return Result{
		Success:         true,
		Message:         "Transfer initiated.",
		DestinationName: dest.DisplayName,
	}
}
