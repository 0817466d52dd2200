package handler

import (
	"net/http"

	"assistant/internal/logger"
	"assistant/internal/service"

	"github.com/gin-gonic/gin"
)

// ToolsHandler exposes the booking API tool catalog
type ToolsHandler struct {
	catalog *service.ToolCatalog
}

// NewToolsHandler creates a new tools handler
func NewToolsHandler(catalog *service.ToolCatalog) *ToolsHandler {
	return &ToolsHandler{catalog: catalog}
}

// List handles GET /api/v1/tools. An empty catalog is refreshed with the caller's credential.
func (h *ToolsHandler) List(c *gin.Context) {
	if !h.catalog.Loaded() || c.Query("refresh") == "true" {
		if err := h.catalog.Refresh(c.Request.Context(), c.GetString(authTokenKey)); err != nil {
			logger.Warn().Err(err).Msg("Tool catalog refresh failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Booking API unavailable"})
			return
		}
	}

	tools, resources := h.catalog.Snapshot()
	c.JSON(http.StatusOK, gin.H{"tools": tools, "resources": resources})
}
