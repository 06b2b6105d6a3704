// Package store persists per-user MCP server specifications. Three backends
// share one interface: DynamoDB for production, Redis for lighter deployments,
// and an in-memory map for tests.
package store

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// ErrUnavailable wraps backend outages so callers can map them to a uniform
// error kind without inspecting driver-specific errors.
var ErrUnavailable = errors.New("store:unavailable")

// ErrNotFound is returned by Get when no spec exists for the key. Delete is
// idempotent and never returns it.
var ErrNotFound = errors.New("store:not-found")

// Store is the persistence boundary for server specs, keyed by user then
// server. Implementations must be safe for concurrent use.
type Store interface {
	// Put upserts the spec under (userID, spec.ServerID).
	Put(ctx context.Context, userID string, spec models.ServerSpec) error

	// Get fetches one spec; ErrNotFound when absent.
	Get(ctx context.Context, userID, serverID string) (models.ServerSpec, error)

	// Delete removes one spec. Deleting an absent spec succeeds.
	Delete(ctx context.Context, userID, serverID string) error

	// List returns every spec the user has registered, in unspecified order.
	List(ctx context.Context, userID string) ([]models.ServerSpec, error)

	// ListUsers returns every user ID with at least one registered spec.
	// Used by startup reconciliation.
	ListUsers(ctx context.Context) ([]string, error)
}
