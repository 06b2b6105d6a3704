// Package session tracks live agent sessions per user and the cancellation
// registry for in-flight streams: get-or-create, explicit stop, idle
// eviction, and shutdown.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/agentgate/pkg/agent"
)

// DefaultIdleHorizon evicts sessions idle longer than this. Minutes, not
// hours: sessions pin tool bindings and history in memory.
const DefaultIdleHorizon = 30 * time.Minute

type userSessions struct {
	mu       sync.Mutex
	sessions map[string]*agent.Session // modelID → session
}

type streamHandle struct {
	userID string
	cancel context.CancelFunc
}

// Manager is the per-user directory of agent sessions plus the process-wide
// stream registry. Locks are per user; the stream registry has its own short
// critical section.
type Manager struct {
	idleHorizon time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	users map[string]*userSessions

	streamMu sync.Mutex
	streams  map[string]*streamHandle
}

// NewManager builds a manager. horizon <= 0 selects the default.
func NewManager(horizon time.Duration, logger *slog.Logger) *Manager {
	if horizon <= 0 {
		horizon = DefaultIdleHorizon
	}
	return &Manager{
		idleHorizon: horizon,
		logger:      logger.With("component", "sessions"),
		users:       make(map[string]*userSessions),
		streams:     make(map[string]*streamHandle),
	}
}

func (m *Manager) user(userID string) *userSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.users[userID]
	if !ok {
		us = &userSessions{sessions: make(map[string]*agent.Session)}
		m.users[userID] = us
	}
	return us
}

// GetOrCreate returns the user's session for the model, touching its idle
// clock, or constructs one via build under the per-user lock.
func (m *Manager) GetOrCreate(userID, modelID string, build func() (*agent.Session, error)) (*agent.Session, error) {
	us := m.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	if s, ok := us.sessions[modelID]; ok {
		s.Touch()
		return s, nil
	}
	s, err := build()
	if err != nil {
		return nil, err
	}
	us.sessions[modelID] = s
	m.logger.Info("session created", "user", userID, "model", modelID)
	return s, nil
}

// RegisterStream issues a stream id and derives a cancellable context for the
// turn. The returned release func must be called when the stream terminates;
// it is safe to call more than once.
func (m *Manager) RegisterStream(ctx context.Context, userID string) (string, context.Context, func()) {
	streamID := uuid.NewString()
	streamCtx, cancel := context.WithCancel(ctx)

	m.streamMu.Lock()
	m.streams[streamID] = &streamHandle{userID: userID, cancel: cancel}
	m.streamMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			m.streamMu.Lock()
			delete(m.streams, streamID)
			m.streamMu.Unlock()
		})
	}
	return streamID, streamCtx, release
}

// CancelStream marks the stream's cancellation token. Unknown or already
// finished streams are a no-op: stop is idempotent success so UI state stays
// simple. A stream belonging to another user is not cancellable.
func (m *Manager) CancelStream(userID, streamID string) {
	m.streamMu.Lock()
	handle, ok := m.streams[streamID]
	m.streamMu.Unlock()
	if !ok || handle.userID != userID {
		return
	}
	handle.cancel()
	m.logger.Info("stream cancelled", "user", userID, "stream", streamID)
}

// DropUser closes and forgets every session of one user. Underlying MCP
// clients are untouched; only the conversational state goes away.
func (m *Manager) DropUser(userID string) {
	m.mu.Lock()
	us, ok := m.users[userID]
	if ok {
		delete(m.users, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	us.mu.Lock()
	for _, s := range us.sessions {
		s.Close()
	}
	us.sessions = make(map[string]*agent.Session)
	us.mu.Unlock()
	m.logger.Info("sessions dropped", "user", userID)
}

// EvictIdle sweeps every user once, closing sessions past the idle horizon.
// The sweep holds one user lock at a time.
func (m *Manager) EvictIdle(now time.Time) int {
	m.mu.Lock()
	all := make(map[string]*userSessions, len(m.users))
	for id, us := range m.users {
		all[id] = us
	}
	m.mu.Unlock()

	evicted := 0
	for userID, us := range all {
		us.mu.Lock()
		for modelID, s := range us.sessions {
			if now.Sub(s.LastActivity()) > m.idleHorizon {
				s.Close()
				delete(us.sessions, modelID)
				evicted++
				m.logger.Info("session evicted", "user", userID, "model", modelID)
			}
		}
		us.mu.Unlock()
	}
	return evicted
}

// Run drives the periodic eviction sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.EvictIdle(now)
		}
	}
}

// Shutdown cancels every stream and closes every session.
func (m *Manager) Shutdown() {
	m.streamMu.Lock()
	for _, handle := range m.streams {
		handle.cancel()
	}
	m.streams = make(map[string]*streamHandle)
	m.streamMu.Unlock()

	m.mu.Lock()
	users := make([]*userSessions, 0, len(m.users))
	for _, us := range m.users {
		users = append(users, us)
	}
	m.users = make(map[string]*userSessions)
	m.mu.Unlock()

	for _, us := range users {
		us.mu.Lock()
		for _, s := range us.sessions {
			s.Close()
		}
		us.mu.Unlock()
	}
}
