package handler

import (
	"context"
	"net/http"
	"strconv"

	"assistant/internal/model"

	"github.com/gin-gonic/gin"
)

// CommandHistory reads the audit log
type CommandHistory interface {
	RecentCommands(ctx context.Context, userID string, limit int) ([]model.CommandLog, error)
}

// HistoryHandler serves audited commands
type HistoryHandler struct {
	history CommandHistory
}

// NewHistoryHandler creates a history handler. A nil history answers 404.
func NewHistoryHandler(history CommandHistory) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// List handles GET /api/v1/users/:userId/commands
func (h *HistoryHandler) List(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log is disabled"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	logs, err := h.history.RecentCommands(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": logs})
}
