// Package store persists tenant state for crash recovery. The tenant
// manager depends only on the Store interface, so the in-memory
// implementation (with JSON snapshots) serves tests and single-node
// deployments while the PostgreSQL implementation serves production.
package store

import (
	"context"
	"errors"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// ErrNotFound is returned when no state exists for a tenant.
var ErrNotFound = errors.New("tenant state not found")

// Store saves and restores tenant instances.
type Store interface {
	// SaveTenant persists the full instance, replacing any prior state.
	SaveTenant(ctx context.Context, inst *models.TenantInstance) error
	// GetTenant loads one instance by ID.
	GetTenant(ctx context.Context, tenantID string) (*models.TenantInstance, error)
	// RestoreAll loads every persisted instance, keyed by tenant ID.
	RestoreAll(ctx context.Context) (map[string]*models.TenantInstance, error)
	// DeleteTenant removes persisted state. Deleting absent state is not
	// an error.
	DeleteTenant(ctx context.Context, tenantID string) error

	// Ping checks the backing storage is reachable.
	Ping(ctx context.Context) error
	// Close releases all resources held by the store.
	Close() error
}
