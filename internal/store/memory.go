package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. When created with a data
// directory it snapshots every tenant to a JSON file on save, so state
// survives a restart of the single coordinating process.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*models.TenantInstance
	dataDir string // empty disables snapshots
}

// NewMemoryStore creates a purely in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*models.TenantInstance)}
}

// NewFileBackedStore creates a memory store that snapshots to JSON files
// under dataDir and loads any existing snapshots.
func NewFileBackedStore(dataDir string) (*MemoryStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &MemoryStore{
		tenants: make(map[string]*models.TenantInstance),
		dataDir: dataDir,
	}
	if err := s.loadSnapshots(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) loadSnapshots() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dataDir, e.Name()))
		if err != nil {
			log.Warn().Str("file", e.Name()).Err(err).Msg("skipping unreadable snapshot")
			continue
		}
		var inst models.TenantInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			log.Warn().Str("file", e.Name()).Err(err).Msg("skipping corrupt snapshot")
			continue
		}
		s.tenants[inst.ID] = &inst
	}
	if len(s.tenants) > 0 {
		log.Info().Int("count", len(s.tenants)).Msg("tenant snapshots loaded")
	}
	return nil
}

func (s *MemoryStore) snapshotPath(tenantID string) string {
	return filepath.Join(s.dataDir, tenantID+".json")
}

// SaveTenant stores a deep copy and, when snapshots are enabled, writes
// the JSON file atomically via rename.
func (s *MemoryStore) SaveTenant(_ context.Context, inst *models.TenantInstance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("tenant instance has no id")
	}
	cp, err := copyInstance(inst)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[inst.ID] = cp

	if s.dataDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tenant %s: %w", inst.ID, err)
	}
	tmp := s.snapshotPath(inst.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, s.snapshotPath(inst.ID))
}

// GetTenant returns a deep copy of the stored instance.
func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*models.TenantInstance, error) {
	s.mu.RLock()
	inst, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	return copyInstance(inst)
}

// RestoreAll returns deep copies of everything persisted.
func (s *MemoryStore) RestoreAll(_ context.Context) (map[string]*models.TenantInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.TenantInstance, len(s.tenants))
	for id, inst := range s.tenants {
		cp, err := copyInstance(inst)
		if err != nil {
			return nil, err
		}
		out[id] = cp
	}
	return out, nil
}

// DeleteTenant drops state and its snapshot file.
func (s *MemoryStore) DeleteTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
	if s.dataDir != "" {
		if err := os.Remove(s.snapshotPath(tenantID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove snapshot: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// copyInstance deep-copies through JSON so callers can never alias the
// store's internal maps.
func copyInstance(inst *models.TenantInstance) (*models.TenantInstance, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("copy tenant %s: %w", inst.ID, err)
	}
	var cp models.TenantInstance
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("copy tenant %s: %w", inst.ID, err)
	}
	return &cp, nil
}
