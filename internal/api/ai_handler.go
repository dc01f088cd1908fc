package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sigmamail/internal/ai"
	"sigmamail/internal/model"
	"sigmamail/internal/telemetry"
	"sigmamail/pkg/logger"
)

type Assistant interface {
	Intent(ctx context.Context, userID int, message string) ai.IntentResult
	ThreadSummary(ctx context.Context, userID int, threadID string) (ai.ThreadSummaryResult, error)
	Digest(ctx context.Context, userID int) (ai.DigestResult, error)
}

// StatusStore 由 telemetry.Recorder 实现
type StatusStore interface {
	Recent(ctx context.Context, userID int, limit int) ([]model.StatusEntry, error)
	Clear(ctx context.Context, userID int) error
}

type AIHandler struct {
	assistant Assistant
	status    StatusStore
	logger    *zap.Logger
}

func NewAIHandler(assistant Assistant, status StatusStore, log *zap.Logger) *AIHandler {
	return &AIHandler{assistant: assistant, status: status, logger: logger.OrNop(log)}
}

// Intent handles POST /ai/intent
func (h *AIHandler) Intent(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	c.JSON(http.StatusOK, h.assistant.Intent(c.Request.Context(), userID, req.Message))
}

// ThreadSummary handles GET /threads/:id/summary
func (h *AIHandler) ThreadSummary(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	res, err := h.assistant.ThreadSummary(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, logger.WithTrace(c.Request.Context(), h.logger), "thread summary", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Digest handles GET /digest
func (h *AIHandler) Digest(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	res, err := h.assistant.Digest(c.Request.Context(), userID)
	if err != nil {
		writeError(c, logger.WithTrace(c.Request.Context(), h.logger), "daily digest", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Status handles GET /ai/status?limit=N
func (h *AIHandler) Status(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = telemetry.ClampLimit(limit)

	entries, err := h.status.Recent(c.Request.Context(), userID, limit)
	if err != nil {
		// 遥测读失败不影响调用方
		logger.WithTrace(c.Request.Context(), h.logger).Warn("Telemetry read failed", zap.Int("user_id", userID), zap.Error(err))
	}
	if entries == nil {
		entries = []model.StatusEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit})
}

// ClearStatus handles DELETE /ai/status
func (h *AIHandler) ClearStatus(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}
	if err := h.status.Clear(c.Request.Context(), userID); err != nil {
		writeError(c, logger.WithTrace(c.Request.Context(), h.logger), "clear telemetry", err)
		return
	}
	c.Status(http.StatusNoContent)
}
