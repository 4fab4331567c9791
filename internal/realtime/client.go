package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"voice-gateway/internal/config"
)

var (
	// ErrNotReady is the transient accept failure: the call-control system
	// has not finished materializing the call yet (404).
	ErrNotReady = errors.New("call not ready")

	// ErrRejected covers any other non-2xx outcome; not retried.
	ErrRejected = errors.New("request rejected")
)

// Client talks to the remote call-control REST API (accept, transfer) and
// supplies credentials for stream dials. It trusts its own outbound
// credentials; there is no outbound auth handshake beyond the bearer key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	streamURL  string
	apiKey     string

	retryAttempts int
	retryDelay    time.Duration
}

func NewClient(cfg config.RealtimeConfig) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		baseURL:       cfg.BaseURL,
		streamURL:     cfg.StreamURL,
		apiKey:        cfg.APIKey,
		retryAttempts: cfg.AcceptRetryAttempts,
		retryDelay:    cfg.AcceptRetryDelay,
	}
}

// AcceptRequest is the AI behavior configuration supplied on accept.
type AcceptRequest struct {
	Type          string         `json:"type"`
	Model         string         `json:"model"`
	Instructions  string         `json:"instructions"`
	Audio         AcceptAudio    `json:"audio"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
}

type AcceptAudio struct {
	Output AcceptAudioOutput `json:"output"`
}

type AcceptAudioOutput struct {
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// AcceptCall performs the accept handshake for an incoming call.
//
// The call-control system may answer 404 briefly after announcing the call;
// that condition is retried with a fixed delay before each attempt, up to
// the configured attempt count. Any other non-2xx is fatal for this call.
func (c *Client) AcceptCall(ctx context.Context, callID string, req AcceptRequest) error {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if err := sleepCtx(ctx, c.retryDelay); err != nil {
			return err
		}

		err := c.post(ctx, c.callURL(callID, "accept"), req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotReady) {
			return fmt.Errorf("accept call %s: %w", callID, err)
		}
		lastErr = err
	}
	return fmt.Errorf("accept call %s after %d attempts: %w", callID, c.retryAttempts, lastErr)
}

type transferRequest struct {
	TargetURI string `json:"target_uri"`
}

// TransferCall issues a single outbound transfer (REFER) command. Success is
// only reported on an explicit 2xx acknowledgment.
func (c *Client) TransferCall(ctx context.Context, callID, targetURI string) error {
	if err := c.post(ctx, c.callURL(callID, "refer"), transferRequest{TargetURI: targetURI}); err != nil {
		return fmt.Errorf("transfer call %s: %w", callID, err)
	}
	return nil
}

// StreamURL builds the event-stream endpoint for one call.
func (c *Client) StreamURL(callID string) string {
	return c.streamURL + "?call_id=" + url.QueryEscape(callID)
}

// StreamHeader carries the bearer credential for stream dials.
func (c *Client) StreamHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey)
	return h
}

func (c *Client) callURL(callID, op string) string {
	return c.baseURL + "/" + url.PathEscape(callID) + "/" + op
}

func (c *Client) post(ctx context.Context, u string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotReady
	default:
		if rid := resp.Header.Get("X-Request-Id"); rid != "" {
			return fmt.Errorf("%w: status %d (request_id=%s)", ErrRejected, resp.StatusCode, rid)
		}
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
