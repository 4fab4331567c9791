package directory

import (
	"errors"
	"net/http"
	"strings"

	"voice-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the transfer directory over the operator API.
type Handlers struct {
	Service *Service
}

type upsertRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	TargetURI   string `json:"target_uri" binding:"required"`
}

// List returns all transfer destinations.
func (h Handlers) List(c *gin.Context) {
	dests, err := h.Service.List(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("directory list failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destinations": dests})
}

// Upsert creates or replaces one destination by key.
func (h Handlers) Upsert(c *gin.Context) {
	key := strings.ToLower(strings.TrimSpace(c.Param("key")))

	var req upsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display_name and target_uri are required"})
		return
	}

	dest := Destination{Key: key, DisplayName: req.DisplayName, TargetURI: req.TargetURI}
	if err := h.Service.Upsert(c.Request.Context(), dest); err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("directory upsert failed", "key", key, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "key": key})
}

// InvalidateCache drops the cached destination set so the next call reads
// fresh data. For out-of-band edits made directly in the database.
func (h Handlers) InvalidateCache(c *gin.Context) {
	if err := h.Service.InvalidateCache(c.Request.Context()); err != nil {
		logger.FromGin(c).Error("cache invalidation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
