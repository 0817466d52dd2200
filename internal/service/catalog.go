package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"assistant/internal/logger"
	"assistant/internal/model"
)

// ToolCatalog caches the operations the booking API advertises
type ToolCatalog struct {
	exec *Executor

	mu        sync.RWMutex
	tools     []model.ToolDefinition
	resources []model.ResourceDefinition
	loadedAt  time.Time
}

// NewToolCatalog creates an empty catalog backed by exec
func NewToolCatalog(exec *Executor) *ToolCatalog {
	return &ToolCatalog{exec: exec}
}

// Refresh loads GET /tools and GET /resources concurrently and replaces the cache on success
func (c *ToolCatalog) Refresh(ctx context.Context, authToken string) error {
	var (
		tools     []model.ToolDefinition
		resources []model.ResourceDefinition
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var raw json.RawMessage
		if err := c.exec.getJSON(gctx, "/tools", authToken, &raw); err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		return decodeList(raw, &tools, "tools", "data")
	})
	g.Go(func() error {
		var raw json.RawMessage
		if err := c.exec.getJSON(gctx, "/resources", authToken, &raw); err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		return decodeList(raw, &resources, "resources", "data")
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.tools, c.resources, c.loadedAt = tools, resources, time.Now()
	c.mu.Unlock()

	logger.Info().Int("tools", len(tools)).Int("resources", len(resources)).Msg("Tool catalog refreshed")
	return nil
}

// Loaded reports whether a refresh has succeeded
func (c *ToolCatalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.loadedAt.IsZero()
}

// Has reports whether name is a known tool or read. Everything is allowed until the catalog is loaded.
func (c *ToolCatalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.loadedAt.IsZero() {
		return true
	}

	call := model.ToolCall{Name: name}
	if call.IsRead() {
		path := call.ResourcePath()
		for _, r := range c.resources {
			if r.Name == path || r.Name == name || strings.HasSuffix(r.URI, "/"+path) || strings.HasSuffix(r.URI, "://"+path) {
				return true
			}
		}
		return false
	}

	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Snapshot returns copies of the cached definitions
func (c *ToolCatalog) Snapshot() ([]model.ToolDefinition, []model.ResourceDefinition) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ToolDefinition(nil), c.tools...), append([]model.ResourceDefinition(nil), c.resources...)
}

// decodeList accepts either a bare JSON array or an object wrapping it under one of keys
func decodeList(raw json.RawMessage, out any, keys ...string) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, out)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("unexpected payload: %w", err)
	}
	for _, k := range keys {
		if inner, ok := wrapper[k]; ok {
			return json.Unmarshal(inner, out)
		}
	}
	return fmt.Errorf("unexpected payload: none of %v present", keys)
}
