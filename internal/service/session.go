package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"assistant/internal/logger"
	"assistant/internal/model"
)

// ContextStore keeps the bounded recent history of each user
type ContextStore interface {
	AddToContext(ctx context.Context, userID string, entry model.ContextEntry) error
	GetContext(ctx context.Context, userID string) ([]model.ContextEntry, error)
	ClearContext(ctx context.Context, userID string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// SessionOwner fingerprints a bearer token so a session can be tied to the
// credential that wrote it without storing the credential itself
func SessionOwner(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// MemoryContextStore is an in-process ContextStore with lazy and periodic eviction
type MemoryContextStore struct {
	mu          sync.Mutex
	sessions    map[string]*model.Session
	maxHistory  int
	idleTimeout time.Duration
	now         func() time.Time

	stop chan struct{}
	done chan struct{}
}

var _ ContextStore = (*MemoryContextStore)(nil)

// NewMemoryContextStore creates an empty store. A nil clock uses time.Now.
func NewMemoryContextStore(maxHistory int, idleTimeout time.Duration, now func() time.Time) *MemoryContextStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryContextStore{
		sessions:    make(map[string]*model.Session),
		maxHistory:  maxHistory,
		idleTimeout: idleTimeout,
		now:         now,
	}
}

// Start launches the background sweep. Call Stop to end it.
func (s *MemoryContextStore) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n, _ := s.CleanupExpired(ctx); n > 0 {
					logger.Info().Int("evicted", n).Msg("Expired session contexts swept")
				}
			}
		}
	}()
}

// Stop ends the background sweep and waits for it to exit
func (s *MemoryContextStore) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *MemoryContextStore) AddToContext(_ context.Context, userID string, entry model.ContextEntry) error {
	now := s.now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || s.expired(sess, now) {
		sess = &model.Session{UserID: userID}
		s.sessions[userID] = sess
	}

	sess.Entries = append(sess.Entries, entry)
	if over := len(sess.Entries) - s.maxHistory; over > 0 {
		sess.Entries = append([]model.ContextEntry(nil), sess.Entries[over:]...)
	}
	sess.LastUpdated = now
	return nil
}

// GetContext returns a copy of the user's entries, oldest first. Expired sessions are evicted.
func (s *MemoryContextStore) GetContext(_ context.Context, userID string) ([]model.ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return []model.ContextEntry{}, nil
	}
	if s.expired(sess, s.now()) {
		delete(s.sessions, userID)
		sessionsEvicted.Inc()
		return []model.ContextEntry{}, nil
	}

	out := make([]model.ContextEntry, len(sess.Entries))
	copy(out, sess.Entries)
	return out, nil
}

func (s *MemoryContextStore) ClearContext(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
	return nil
}

// CleanupExpired evicts every expired session and returns how many were removed
func (s *MemoryContextStore) CleanupExpired(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	sessionsEvicted.Add(float64(removed))
	return removed, nil
}

// Len returns the number of live or not-yet-swept sessions
func (s *MemoryContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryContextStore) expired(sess *model.Session, now time.Time) bool {
	return now.Sub(sess.LastUpdated) > s.idleTimeout
}
