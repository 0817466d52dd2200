package handler

import (
	"net/http"

	"assistant/internal/model"
	"assistant/internal/service"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes the per-user session context.
//
// The bearer token is opaque here; only the booking API can tell whose it is.
// Each recorded turn carries a fingerprint of the token that issued it, and a
// session is served only to the same token. Sessions written before any token
// was recorded stay open to any authenticated caller.
type SessionHandler struct {
	store service.ContextStore
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(store service.ContextStore) *SessionHandler {
	return &SessionHandler{store: store}
}

// Get handles GET /api/v1/sessions/:userId
func (h *SessionHandler) Get(c *gin.Context) {
	userID := c.Param("userId")

	entries, ok := h.load(c, userID)
	if !ok {
		return
	}

	out := make([]model.ContextEntry, len(entries))
	for i, e := range entries {
		e.Owner = ""
		out[i] = e
	}

	c.JSON(http.StatusOK, gin.H{"userId": userID, "entries": out})
}

// Clear handles DELETE /api/v1/sessions/:userId (logout)
func (h *SessionHandler) Clear(c *gin.Context) {
	userID := c.Param("userId")

	if _, ok := h.load(c, userID); !ok {
		return
	}
	if err := h.store.ClearContext(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear session"})
		return
	}
	c.Status(http.StatusNoContent)
}

// load reads the session and aborts with 403 when the latest owned turn came from another token
func (h *SessionHandler) load(c *gin.Context, userID string) ([]model.ContextEntry, bool) {
	entries, err := h.store.GetContext(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return nil, false
	}

	caller := service.SessionOwner(c.GetString(authTokenKey))
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Owner == "" {
			continue
		}
		if entries[i].Owner != caller {
			c.JSON(http.StatusForbidden, gin.H{"error": "Session belongs to another credential"})
			return nil, false
		}
		break
	}
	return entries, true
}
