package store

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// Memory is a map-backed Store for tests and single-process development runs.
type Memory struct {
	mu    sync.RWMutex
	users map[string]map[string]models.ServerSpec
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{users: make(map[string]map[string]models.ServerSpec)}
}

func (m *Memory) Put(_ context.Context, userID string, spec models.ServerSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	servers, ok := m.users[userID]
	if !ok {
		servers = make(map[string]models.ServerSpec)
		m.users[userID] = servers
	}
	servers[spec.ServerID] = spec
	return nil
}

func (m *Memory) Get(_ context.Context, userID, serverID string) (models.ServerSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.users[userID][serverID]
	if !ok {
		return models.ServerSpec{}, ErrNotFound
	}
	return spec, nil
}

func (m *Memory) Delete(_ context.Context, userID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users[userID], serverID)
	if len(m.users[userID]) == 0 {
		delete(m.users, userID)
	}
	return nil
}

func (m *Memory) List(_ context.Context, userID string) ([]models.ServerSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	specs := make([]models.ServerSpec, 0, len(m.users[userID]))
	for _, spec := range m.users[userID] {
		specs = append(specs, spec)
	}
	return specs, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.users))
	for userID := range m.users {
		users = append(users, userID)
	}
	return users, nil
}
