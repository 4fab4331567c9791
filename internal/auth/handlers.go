package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"voice-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

// operatorSubject is the identity minted for a successful key exchange.
// There is a single shared operator credential; no user store.
const operatorSubject = "operator"

// Handler exchanges the shared operator key for a JWT pair.
type Handler struct {
	manager     *Manager
	operatorKey []byte
	role        string
}

func NewHandler(manager *Manager, operatorKey, role string) *Handler {
	return &Handler{manager: manager, operatorKey: []byte(operatorKey), role: role}
}

type loginRequest struct {
	OperatorKey string `json:"operator_key" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Login authenticates the shared operator key. The comparison is
// constant-time; the response never distinguishes wrong key from unknown
// key.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_key is required"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.OperatorKey), h.operatorKey) != 1 {
		logger.FromGin(c).Warn("operator login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	pair, err := h.manager.IssuePair(time.Now(), operatorSubject, h.role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
	})
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	claims, err := h.manager.Verify(req.RefreshToken, TokenTypeRefresh, time.Now())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	pair, err := h.manager.IssuePair(time.Now(), claims.UserID, h.role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
	})
}
