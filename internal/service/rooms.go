package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"assistant/internal/logger"
	"assistant/internal/model"
	"assistant/internal/utils"

	"golang.org/x/sync/singleflight"
)

const (
	// minRoomLookupScore is the fuzzy score needed to resolve a room name that isn't an exact match
	minRoomLookupScore = 80.0
	// roomRetryBackoff bounds how often a failing room list is refetched
	roomRetryBackoff = 15 * time.Second
)

// RoomSource supplies the room vocabulary used for fuzzy correction and id resolution
type RoomSource interface {
	Names(ctx context.Context, authToken string) []string
	Lookup(ctx context.Context, authToken, name string) (model.Room, bool)
}

// RoomDirectory caches the booking API room list for a fixed TTL.
// Concurrent refreshes share one fetch and no lock is held while it runs.
type RoomDirectory struct {
	exec ToolExecutor
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	rooms     []model.Room
	fetchedAt time.Time
	failedAt  time.Time
}

var _ RoomSource = (*RoomDirectory)(nil)

// NewRoomDirectory creates a directory that reads rooms through exec
func NewRoomDirectory(exec ToolExecutor, ttl time.Duration) *RoomDirectory {
	return &RoomDirectory{exec: exec, ttl: ttl, now: time.Now}
}

// Rooms returns the cached rooms, refetching once the TTL has passed.
// A failed refresh keeps serving the previous list and is not retried for a short backoff.
func (d *RoomDirectory) Rooms(ctx context.Context, authToken string) []model.Room {
	if rooms, ok := d.cached(); ok {
		return rooms
	}

	v, _, shared := d.group.Do("rooms", func() (any, error) {
		return d.refresh(ctx, authToken), nil
	})
	if shared {
		logger.Debug().Msg("Joined in-flight room list refresh")
	}
	return v.([]model.Room)
}

func (d *RoomDirectory) cached() ([]model.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.now()
	if !d.fetchedAt.IsZero() && now.Sub(d.fetchedAt) < d.ttl {
		return d.rooms, true
	}
	if !d.failedAt.IsZero() && now.Sub(d.failedAt) < min(d.ttl, roomRetryBackoff) {
		return d.rooms, true
	}
	return nil, false
}

func (d *RoomDirectory) refresh(ctx context.Context, authToken string) []model.Room {
	// a flight that finished just before this one may already have refreshed the list
	if rooms, ok := d.cached(); ok {
		return rooms
	}

	res := d.exec.Execute(ctx, model.ToolCall{Name: model.ToolReadRooms}, authToken)

	var (
		rooms []model.Room
		err   error
	)
	if res.Success {
		err = decodeList(res.Result, &rooms, "rooms", "data")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !res.Success:
		logger.Warn().Str("error", res.Error).Msg("Room list refresh failed, using cached rooms")
		d.failedAt = d.now()
	case err != nil:
		logger.Warn().Err(err).Msg("Room list payload not understood")
		d.failedAt = d.now()
	default:
		d.rooms, d.fetchedAt, d.failedAt = rooms, d.now(), time.Time{}
	}
	return d.rooms
}

func (d *RoomDirectory) Names(ctx context.Context, authToken string) []string {
	rooms := d.Rooms(ctx, authToken)
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	return names
}

// Lookup resolves a room by id, exact name, or a close fuzzy match
func (d *RoomDirectory) Lookup(ctx context.Context, authToken, name string) (model.Room, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Room{}, false
	}

	rooms := d.Rooms(ctx, authToken)
	for _, r := range rooms {
		if strings.EqualFold(r.Name, name) || strings.EqualFold(r.ID.String(), name) {
			return r, true
		}
	}

	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	best := utils.BestMatch(name, names)
	if best.Confidence < minRoomLookupScore {
		return model.Room{}, false
	}
	for _, r := range rooms {
		if r.Name == best.Match {
			return r, true
		}
	}
	return model.Room{}, false
}
