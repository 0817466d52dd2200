package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"assistant/internal/logger"
)

// LivenessMonitor tracks whether the language model is reachable
type LivenessMonitor struct {
	llm      ChatClient
	interval time.Duration
	timeout  time.Duration

	available atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLivenessMonitor creates a monitor for llm. A nil llm is never available.
// Adapters without a Ping method are assumed reachable.
func NewLivenessMonitor(llm ChatClient, interval, timeout time.Duration) *LivenessMonitor {
	m := &LivenessMonitor{llm: llm, interval: interval, timeout: timeout}
	if llm != nil {
		if _, ok := llm.(Pinger); !ok {
			m.set(true)
		}
	}
	return m
}

// Available reports the result of the last check
func (m *LivenessMonitor) Available() bool {
	return m.available.Load()
}

// Check pings the model once and updates the flag
func (m *LivenessMonitor) Check(ctx context.Context) bool {
	if m.llm == nil {
		m.set(false)
		return false
	}
	pinger, ok := m.llm.(Pinger)
	if !ok {
		m.set(true)
		return true
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	err := pinger.Ping(ctx)
	if err != nil && m.Available() {
		logger.Warn().Err(err).Str("llm", m.llm.Name()).Msg("Language model became unreachable")
	} else if err == nil && !m.Available() {
		logger.Info().Str("llm", m.llm.Name()).Msg("Language model reachable")
	}
	m.set(err == nil)
	return err == nil
}

// Start runs an immediate check and then one per interval until Stop or ctx is done
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.llm == nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.Check(ctx)

		interval := m.interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends the background checks and waits for the loop to exit
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *LivenessMonitor) set(ok bool) {
	m.available.Store(ok)
	if ok {
		llmAvailable.Set(1)
	} else {
		llmAvailable.Set(0)
	}
}
