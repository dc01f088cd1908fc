package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"sigmamail/internal/ai"
	"sigmamail/internal/model"
	"sigmamail/internal/service"
	"sigmamail/pkg/logger"
)

type Corrector interface {
	Correct(ctx context.Context, userID int, emailID, category string) (*service.CorrectionResult, error)
}

type Decider interface {
	Decision(ctx context.Context, userID int, emailID string) (ai.DecisionResult, error)
}

type EmailHandler struct {
	corrector Corrector
	decider   Decider
	logger    *zap.Logger
}

func NewEmailHandler(corrector Corrector, decider Decider, log *zap.Logger) *EmailHandler {
	return &EmailHandler{corrector: corrector, decider: decider, logger: logger.OrNop(log)}
}

// CorrectCategory handles POST /emails/:id/category
func (h *EmailHandler) CorrectCategory(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}

	var req struct {
		Category string `json:"category" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	res, err := h.corrector.Correct(c.Request.Context(), userID, c.Param("id"), req.Category)
	if err != nil {
		h.writeError(c, "correct category", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Decision handles POST /emails/:id/decision
func (h *EmailHandler) Decision(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}

	res, err := h.decider.Decision(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, "action decision", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *EmailHandler) writeError(c *gin.Context, op string, err error) {
	writeError(c, logger.WithTrace(c.Request.Context(), h.logger), op, err)
}

func writeError(c *gin.Context, log *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidCategory), errors.Is(err, ai.ErrMissingInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pgx.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.Error("Request failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
