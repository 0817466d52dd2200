package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"assistant/internal/model"
	"assistant/internal/service"

	"github.com/gin-gonic/gin"
)

const authTokenKey = "authToken"

// CommandResolver resolves free-text commands
type CommandResolver interface {
	Resolve(ctx context.Context, cmd service.Command) model.CommandResponse
	ResolveStream(ctx context.Context, cmd service.Command, emit service.EmitFunc) model.CommandResponse
}

// RequireBearer rejects requests without an Authorization: Bearer credential
func RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		const prefix = "bearer "
		if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}
		token := strings.TrimSpace(header[len(prefix):])
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}
		c.Set(authTokenKey, token)
		c.Next()
	}
}

// CommandHandler handles command resolution requests
type CommandHandler struct {
	resolver CommandResolver
	timeout  time.Duration
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(resolver CommandResolver, timeout time.Duration) *CommandHandler {
	return &CommandHandler{resolver: resolver, timeout: timeout}
}

// Resolve handles POST /api/v1/commands
func (h *CommandHandler) Resolve(c *gin.Context) {
	cmd, ok := h.bind(c)
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	c.JSON(http.StatusOK, h.resolver.Resolve(ctx, cmd))
}

// ResolveStream handles POST /api/v1/commands/stream - SSE progress events
func (h *CommandHandler) ResolveStream(c *gin.Context) {
	cmd, ok := h.bind(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sendSSE(c, "start", map[string]any{"command": cmd.Text})
	flusher.Flush()

	ctx, cancel := h.requestContext(c)
	defer cancel()

	response := h.resolver.ResolveStream(ctx, cmd, func(ev service.Event) error {
		if c.Request.Context().Err() != nil {
			return c.Request.Context().Err()
		}
		sendSSE(c, ev.Type, ev.Data)
		flusher.Flush()
		return nil
	})

	sendSSE(c, "done", response)
	flusher.Flush()
}

func (h *CommandHandler) bind(c *gin.Context) (service.Command, bool) {
	var req model.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return service.Command{}, false
	}
	if strings.TrimSpace(req.Command) == "" || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: command and userId are required"})
		return service.Command{}, false
	}

	return service.Command{
		Text:      strings.TrimSpace(req.Command),
		UserID:    strings.TrimSpace(req.UserID),
		Timezone:  req.Timezone,
		AuthToken: c.GetString(authTokenKey),
	}, true
}

// requestContext detaches from client cancellation; in-flight calls complete and their results are discarded
func (h *CommandHandler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(c.Request.Context())
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

// sendSSE sends a Server-Sent Event
func sendSSE(c *gin.Context, event string, data any) {
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"error\": \"JSON marshal failed\"}\n\n")
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, string(jsonData))
	} else {
		fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", event)
	}
}
