package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/secrets"
	"github.com/codeready-toolchain/agentgate/pkg/store"
	"github.com/codeready-toolchain/agentgate/pkg/validate"
)

// toolNameSep joins server id and tool name in the qualified names handed to
// the model. Resolution matches against known server ids, so ids containing
// the separator still resolve correctly.
const toolNameSep = "__"

// registry is one user's set of live clients. Mutations hold mu; reads take
// a snapshot under mu and then release it.
type registry struct {
	mu         sync.Mutex
	clients    map[string]*Client
	reconciled bool
}

// Supervisor owns every MCP client in the process: per-user registries backed
// by the config store, plus process-wide shared servers from static config.
type Supervisor struct {
	store      store.Store
	resolver   *secrets.Resolver
	transport  TransportFactory
	scratchDir string
	logger     *slog.Logger

	mu    sync.Mutex
	users map[string]*registry

	sharedMu sync.RWMutex
	shared   map[string]*Client
}

// NewSupervisor builds a supervisor. resolver may be nil when no secret store
// is configured; ARN-valued env entries then pass through unresolved.
// transport may be nil to use the subprocess transport.
func NewSupervisor(st store.Store, resolver *secrets.Resolver, transport TransportFactory, scratchDir string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:      st,
		resolver:   resolver,
		transport:  transport,
		scratchDir: scratchDir,
		logger:     logger.With("component", "supervisor"),
		users:      make(map[string]*registry),
		shared:     make(map[string]*Client),
	}
}

func (s *Supervisor) userRegistry(userID string) *registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.users[userID]
	if !ok {
		reg = &registry{clients: make(map[string]*Client)}
		s.users[userID] = reg
	}
	return reg
}

func (s *Supervisor) resolveEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	if s.resolver == nil {
		return env, nil
	}
	return s.resolver.ResolveEnv(ctx, env)
}

func (s *Supervisor) spawn(ctx context.Context, userID string, spec models.ServerSpec) (*Client, error) {
	env, err := s.resolveEnv(ctx, spec.Env)
	if err != nil {
		return nil, kindError(KindSpawnFailed, err)
	}
	scratch := filepath.Join(s.scratchDir, userID)
	client := NewClient(spec, env, scratch, s.transport, s.logger)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Add validates, persists, spawns, and registers one server. The write is
// acknowledged before the spawn so a crash in between cannot leave an orphan
// subprocess with no persisted spec; a failed spawn rolls the write back.
// Re-adding an existing id replaces it.
func (s *Supervisor) Add(ctx context.Context, userID string, spec models.ServerSpec) error {
	if err := validate.Spec(spec); err != nil {
		return err
	}

	reg := s.userRegistry(userID)
	reg.mu.Lock()
	defer reg.mu.Unlock()

	// Remember the prior spec so a failed replace can restore it.
	prior, priorErr := s.store.Get(ctx, userID, spec.ServerID)
	hadPrior := priorErr == nil
	if priorErr != nil && !errors.Is(priorErr, store.ErrNotFound) {
		return priorErr
	}

	if err := s.store.Put(ctx, userID, spec); err != nil {
		return err
	}

	client, err := s.spawn(ctx, userID, spec)
	if err != nil {
		if hadPrior {
			if rbErr := s.store.Put(ctx, userID, prior); rbErr != nil {
				s.logger.Error("rollback restore failed", "user", userID, "server", spec.ServerID, "error", rbErr)
			}
		} else {
			if rbErr := s.store.Delete(ctx, userID, spec.ServerID); rbErr != nil {
				s.logger.Error("rollback delete failed", "user", userID, "server", spec.ServerID, "error", rbErr)
			}
		}
		return err
	}

	if old, ok := reg.clients[spec.ServerID]; ok {
		_ = old.Close()
	}
	reg.clients[spec.ServerID] = client
	s.logger.Info("MCP server added", "user", userID, "server", spec.ServerID)
	return nil
}

// Remove closes the client and deletes the persisted spec. Close errors are
// logged but never block the deletion. Removing an absent server succeeds.
func (s *Supervisor) Remove(ctx context.Context, userID, serverID string) error {
	reg := s.userRegistry(userID)
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if client, ok := reg.clients[serverID]; ok {
		if err := client.Close(); err != nil {
			s.logger.Warn("close during remove failed", "user", userID, "server", serverID, "error", err)
		}
		delete(reg.clients, serverID)
	}
	if err := s.store.Delete(ctx, userID, serverID); err != nil {
		return err
	}
	s.logger.Info("MCP server removed", "user", userID, "server", serverID)
	return nil
}

// List returns the union of persisted specs and live clients, annotated with
// derived status, followed by the process-wide shared servers.
func (s *Supervisor) List(ctx context.Context, userID string) ([]models.ServerInfo, error) {
	if err := s.Reconcile(ctx, userID); err != nil {
		return nil, err
	}

	specs, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	reg := s.userRegistry(userID)
	reg.mu.Lock()
	live := make(map[string]*Client, len(reg.clients))
	for id, client := range reg.clients {
		live[id] = client
	}
	reg.mu.Unlock()

	infos := make([]models.ServerInfo, 0, len(specs)+1)
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		seen[spec.ServerID] = struct{}{}
		info := models.ServerInfo{
			ServerID:   spec.ServerID,
			ServerName: spec.ServerName,
			Status:     models.StatusRegistered,
		}
		if client, ok := live[spec.ServerID]; ok {
			info.Status = client.Status()
		}
		infos = append(infos, info)
	}
	// Live clients with no persisted spec should not exist; surface them
	// anyway so the inconsistency is visible.
	for id, client := range live {
		if _, ok := seen[id]; ok {
			continue
		}
		infos = append(infos, models.ServerInfo{
			ServerID:   id,
			ServerName: client.Spec().ServerName,
			Status:     client.Status(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })

	s.sharedMu.RLock()
	sharedIDs := make([]string, 0, len(s.shared))
	for id := range s.shared {
		sharedIDs = append(sharedIDs, id)
	}
	sort.Strings(sharedIDs)
	for _, id := range sharedIDs {
		client := s.shared[id]
		infos = append(infos, models.ServerInfo{
			ServerID:   id,
			ServerName: client.Spec().ServerName,
			Status:     client.Status(),
			Shared:     true,
		})
	}
	s.sharedMu.RUnlock()

	return infos, nil
}

// Reconcile respawns clients for every persisted spec on the user's first
// access after process start. Individual spawn failures are reported in logs
// but do not block the other servers.
func (s *Supervisor) Reconcile(ctx context.Context, userID string) error {
	reg := s.userRegistry(userID)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.reconciled {
		return nil
	}

	specs, err := s.store.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, ok := reg.clients[spec.ServerID]; ok {
			continue
		}
		client, err := s.spawn(ctx, userID, spec)
		if err != nil {
			s.logger.Warn("reconcile spawn failed", "user", userID, "server", spec.ServerID, "error", err)
			continue
		}
		reg.clients[spec.ServerID] = client
	}
	reg.reconciled = true
	return nil
}

// StartShared spawns the process-wide shared servers from static config.
// Failures are logged; a broken shared server never blocks startup.
func (s *Supervisor) StartShared(ctx context.Context, specs []models.ServerSpec) {
	for _, spec := range specs {
		client, err := s.spawn(ctx, "shared", spec)
		if err != nil {
			s.logger.Warn("shared server failed to start", "server", spec.ServerID, "error", err)
			continue
		}
		s.sharedMu.Lock()
		s.shared[spec.ServerID] = client
		s.sharedMu.Unlock()
	}
}

// lookup finds the client for a server id: the user's registry first, then
// the shared set.
func (s *Supervisor) lookup(userID, serverID string) (*Client, bool) {
	reg := s.userRegistry(userID)
	reg.mu.Lock()
	client, ok := reg.clients[serverID]
	reg.mu.Unlock()
	if ok {
		return client, true
	}
	s.sharedMu.RLock()
	client, ok = s.shared[serverID]
	s.sharedMu.RUnlock()
	return client, ok
}

// ToolsFor aggregates tool definitions across the requested servers. Names
// are qualified as "<server_id>__<tool>" so collisions across servers cannot
// occur. Unknown ids are skipped; a server that fails to list contributes
// nothing but does not abort the aggregation.
func (s *Supervisor) ToolsFor(ctx context.Context, userID string, serverIDs []string) ([]llm.ToolDefinition, error) {
	if err := s.Reconcile(ctx, userID); err != nil {
		return nil, err
	}

	var defs []llm.ToolDefinition
	for _, serverID := range serverIDs {
		client, ok := s.lookup(userID, serverID)
		if !ok {
			s.logger.Warn("tools requested for unknown server", "user", userID, "server", serverID)
			continue
		}
		tools, err := client.Tools(ctx)
		if err != nil {
			s.logger.Warn("tool listing failed", "user", userID, "server", serverID, "error", err)
			continue
		}
		for _, tool := range tools {
			defs = append(defs, llm.ToolDefinition{
				Name:        serverID + toolNameSep + tool.Name,
				Description: tool.Description,
				InputSchema: schemaToMap(tool.InputSchema),
			})
		}
	}
	return defs, nil
}

// CallTool dispatches a qualified tool name. The server id is resolved by
// longest matching prefix over the servers visible to the user.
func (s *Supervisor) CallTool(ctx context.Context, userID, qualifiedName string, args map[string]any) (string, *ToolResult, error) {
	serverID, toolName, ok := s.splitToolName(userID, qualifiedName)
	if !ok {
		return "", nil, kindError(KindToolRaised, fmt.Errorf("unknown tool %q", qualifiedName))
	}
	client, _ := s.lookup(userID, serverID)
	result, err := client.CallTool(ctx, toolName, args)
	return serverID, result, err
}

func (s *Supervisor) splitToolName(userID, qualifiedName string) (serverID, toolName string, ok bool) {
	var candidates []string
	reg := s.userRegistry(userID)
	reg.mu.Lock()
	for id := range reg.clients {
		candidates = append(candidates, id)
	}
	reg.mu.Unlock()
	s.sharedMu.RLock()
	for id := range s.shared {
		candidates = append(candidates, id)
	}
	s.sharedMu.RUnlock()

	// Longest prefix wins so ids containing the separator resolve correctly.
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
	for _, id := range candidates {
		if strings.HasPrefix(qualifiedName, id+toolNameSep) {
			return id, qualifiedName[len(id)+len(toolNameSep):], true
		}
	}
	return "", "", false
}

// Shutdown closes every client, user-owned and shared.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	regs := make([]*registry, 0, len(s.users))
	for _, reg := range s.users {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	for _, reg := range regs {
		reg.mu.Lock()
		for id, client := range reg.clients {
			if err := client.Close(); err != nil {
				s.logger.Warn("close during shutdown failed", "server", id, "error", err)
			}
		}
		reg.clients = make(map[string]*Client)
		reg.mu.Unlock()
	}

	s.sharedMu.Lock()
	for id, client := range s.shared {
		if err := client.Close(); err != nil {
			s.logger.Warn("close during shutdown failed", "server", id, "error", err)
		}
	}
	s.shared = make(map[string]*Client)
	s.sharedMu.Unlock()
}

// schemaToMap lowers an SDK JSON schema into the provider-neutral map form.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
