package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"voice-gateway/internal/control"
	"voice-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 1 << 20

// Standard webhook authentication headers.
const (
	headerEventID   = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"
)

// EventSink consumes verified events. Satisfied by control.Controller.
type EventSink interface {
	HandleEvent(ctx context.Context, evt control.Envelope) error
}

// Handler is the inbound webhook endpoint: verify, parse, dispatch.
type Handler struct {
	verifier *Verifier
	sink     EventSink
}

func NewHandler(verifier *Verifier, sink EventSink) *Handler {
	return &Handler{verifier: verifier, sink: sink}
}

// HandleEvent terminates POSTed call-control events.
//
// 401 for anything that fails signature verification, 500 when the
// lifecycle controller reports a failure worth redelivering, 200 for
// everything else including event types this gateway does not act on.
func (h *Handler) HandleEvent(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ok := h.verifier.Verify(
		c.GetHeader(headerEventID),
		c.GetHeader(headerTimestamp),
		c.GetHeader(headerSignature),
		body,
	)
	if !ok {
		log.Warn("webhook signature rejected", "event_id", c.GetHeader(headerEventID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var evt control.Envelope
	if err := json.Unmarshal(body, &evt); err != nil {
		// Authenticated but unparseable; acknowledge so the sender does
		// not redeliver a body we will never understand.
		log.Warn("malformed webhook payload", "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if evt.ID == "" {
		evt.ID = c.GetHeader(headerEventID)
	}

	if err := h.sink.HandleEvent(c.Request.Context(), evt); err != nil {
		log.Error("event handling failed", "event_id", evt.ID, "type", evt.Type, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event handling failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
