// Package tenant owns the tenant registry and lifecycle. It enforces the
// global concurrency gate, acquires resources through the allocator,
// drives each tenant's phase sequence through the task queue, and
// persists every state change for crash recovery.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/internal/allocator"
	"github.com/LeanVibe/startup-factory-sub002/internal/budget"
	"github.com/LeanVibe/startup-factory-sub002/internal/metrics"
	"github.com/LeanVibe/startup-factory-sub002/internal/process"
	"github.com/LeanVibe/startup-factory-sub002/internal/queue"
	"github.com/LeanVibe/startup-factory-sub002/internal/store"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

var (
	// ErrInvalidConfig covers bad tenant configuration, including
	// duplicate names.
	ErrInvalidConfig = errors.New("invalid tenant config")
	// ErrConcurrencyLimit means the factory is already running its
	// maximum number of live tenants.
	ErrConcurrencyLimit = errors.New("tenant concurrency limit reached")
	// ErrNotFound means no tenant with that ID is registered.
	ErrNotFound = errors.New("tenant not found")
	// ErrTerminal means the tenant has already reached a terminal state.
	ErrTerminal = errors.New("tenant in terminal state")
)

const (
	// DefaultMaxConcurrent bounds tenants simultaneously INITIALIZING or
	// ACTIVE.
	DefaultMaxConcurrent = 3
	// DefaultPhaseTimeout bounds the wait for one phase's task result.
	DefaultPhaseTimeout = 300 * time.Second
	// maxPhaseErrors forces FAILED after this many accumulated errors.
	maxPhaseErrors = 5
)

// Generator materializes the final project from a template. Consumed only
// by the materialization phase; implementations are external.
type Generator interface {
	Generate(ctx context.Context, templateID string, cfg models.TenantConfig, alloc *models.ResourceAllocation, outputDir string) (string, error)
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent int
	PhaseTimeout  time.Duration
	// Phases overrides the default phase sequence.
	Phases []Phase
	// Generator is optional; without one the materialization phase is a
	// no-op.
	Generator Generator
	// Supervisor, when set, runs materialized projects' dev servers.
	Supervisor *process.Supervisor
	// OutputDir is where materialized projects land.
	OutputDir string
	// RetryDelay is the pause before retrying a failed phase.
	RetryDelay time.Duration
	// DefaultDailyLimit applies to tenants whose requirements carry no
	// CostPerDay. Zero leaves those tenants unlimited.
	DefaultDailyLimit float64
	// WarningThreshold for budget limits set at tenant creation.
	WarningThreshold float64
}

// Manager owns all tenant instances. Every registry read that feeds a
// decision (gate check, duplicate-name check) runs inside the same
// critical section as the registration write, so two CreateTenant calls
// can never race past the gate.
type Manager struct {
	alloc   *allocator.Allocator
	queue   *queue.Processor
	monitor *budget.Monitor
	state   store.Store

	maxConcurrent int
	phaseTimeout  time.Duration
	retryDelay    time.Duration
	dailyLimit    float64
	warnThreshold float64
	phases        []Phase
	generator     Generator
	supervisor    *process.Supervisor
	outputDir     string

	mu      sync.Mutex
	tenants map[string]*models.TenantInstance
	names   map[string]string // lowercase name → tenant ID
}

// NewManager wires the manager to its collaborators.
func NewManager(alloc *allocator.Allocator, q *queue.Processor, monitor *budget.Monitor, st store.Store, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = DefaultPhaseTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if len(opts.Phases) == 0 {
		opts.Phases = DefaultPhases()
	}
	return &Manager{
		alloc:         alloc,
		queue:         q,
		monitor:       monitor,
		state:         st,
		maxConcurrent: opts.MaxConcurrent,
		phaseTimeout:  opts.PhaseTimeout,
		retryDelay:    opts.RetryDelay,
		dailyLimit:    opts.DefaultDailyLimit,
		warnThreshold: opts.WarningThreshold,
		phases:        opts.Phases,
		generator:     opts.Generator,
		supervisor:    opts.Supervisor,
		outputDir:     opts.OutputDir,
		tenants:       make(map[string]*models.TenantInstance),
		names:         make(map[string]string),
	}
}

func validateConfig(cfg models.TenantConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidConfig)
	}
	req := cfg.Requirements
	if req.MemoryMB < 0 || req.StorageGB < 0 || req.PortCount < 0 ||
		req.CPUCores < 0 || req.APICallsPerHour < 0 || req.CostPerDay < 0 {
		return fmt.Errorf("%w: negative resource requirement", ErrInvalidConfig)
	}
	return nil
}

// liveCount counts tenants in INITIALIZING or ACTIVE. Caller holds mu.
func (m *Manager) liveCount() int {
	n := 0
	for _, t := range m.tenants {
		if t.Status == models.TenantInitializing || t.Status == models.TenantActive {
			n++
		}
	}
	return n
}

// CreateTenant validates, gates, allocates, registers, persists, and
// starts driving the tenant's phases in the background.
func (m *Manager) CreateTenant(ctx context.Context, cfg models.TenantConfig) (*models.TenantInstance, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	nameKey := strings.ToLower(cfg.Name)
	if _, taken := m.names[nameKey]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: name %q already in use", ErrInvalidConfig, cfg.Name)
	}
	if m.liveCount() >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d tenants live", ErrConcurrencyLimit, m.maxConcurrent)
	}
	if !m.alloc.CheckAvailability(cfg.Requirements) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: request cannot be satisfied", allocator.ErrInsufficientResources)
	}

	id := uuid.New().String()
	alloc, err := m.alloc.Allocate(id, cfg.Requirements)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	inst := &models.TenantInstance{
		ID:         id,
		Config:     cfg,
		Status:     models.TenantInitializing,
		Allocation: alloc,
		State:      make(map[string]interface{}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.tenants[id] = inst
	m.names[nameKey] = id
	live := m.liveCount()
	m.mu.Unlock()

	metrics.ActiveTenants.Set(float64(live))

	daily := cfg.Requirements.CostPerDay
	if daily <= 0 {
		daily = m.dailyLimit
	}
	if daily > 0 {
		if err := m.monitor.SetLimit(models.BudgetLimit{
			TenantID:         id,
			DailyLimit:       models.Float64Ptr(daily),
			WarningThreshold: m.warnThreshold,
			HardStop:         true,
		}); err != nil {
			log.Warn().Str("tenant_id", id).Err(err).Msg("budget limit not set")
		}
	}

	if err := m.persist(ctx, id); err != nil {
		// Registration already happened; roll everything back.
		m.mu.Lock()
		delete(m.tenants, id)
		delete(m.names, nameKey)
		m.mu.Unlock()
		m.alloc.Deallocate(id)
		return nil, fmt.Errorf("persist tenant: %w", err)
	}

	m.setStatus(ctx, id, models.TenantActive)

	log.Info().
		Str("tenant_id", id).
		Str("name", cfg.Name).
		Msg("tenant created")

	go m.runLifecycle(id)

	return m.GetTenant(id)
}

// cloneInstance copies the instance deeply enough that readers never
// alias the registry's State map or allocation while the lifecycle
// goroutine mutates them. Caller holds mu.
func cloneInstance(inst *models.TenantInstance) *models.TenantInstance {
	cp := *inst
	if inst.State != nil {
		cp.State = make(map[string]interface{}, len(inst.State))
		for k, v := range inst.State {
			cp.State[k] = v
		}
	}
	if inst.Allocation != nil {
		al := *inst.Allocation
		cp.Allocation = &al
	}
	return &cp
}

// persist snapshots the current instance to the state store.
func (m *Manager) persist(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.tenants[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := cloneInstance(inst)
	m.mu.Unlock()
	return m.state.SaveTenant(ctx, cp)
}

// setStatus flips the status, bumps UpdatedAt, persists, and keeps the
// active-tenant gauge current.
func (m *Manager) setStatus(ctx context.Context, id string, status models.TenantStatus) {
	m.mu.Lock()
	inst, ok := m.tenants[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	inst.Status = status
	inst.UpdatedAt = time.Now().UTC()
	live := m.liveCount()
	m.mu.Unlock()

	metrics.ActiveTenants.Set(float64(live))
	if err := m.persist(ctx, id); err != nil {
		log.Error().Str("tenant_id", id).Err(err).Msg("persist failed on status change")
	}
}

// status reads the current status under the lock.
func (m *Manager) status(id string) (models.TenantStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.tenants[id]
	if !ok {
		return "", false
	}
	return inst.Status, true
}

// incrementErrorCount records a phase failure; the fifth forces FAILED.
// Returns true when the tenant was failed.
func (m *Manager) incrementErrorCount(ctx context.Context, id, errMsg string) bool {
	m.mu.Lock()
	inst, ok := m.tenants[id]
	if !ok {
		m.mu.Unlock()
		return true
	}
	inst.ErrorCount++
	inst.LastError = errMsg
	inst.UpdatedAt = time.Now().UTC()
	failed := inst.ErrorCount >= maxPhaseErrors
	m.mu.Unlock()

	log.Warn().
		Str("tenant_id", id).
		Str("error", errMsg).
		Msg("tenant phase error")

	if failed {
		m.setStatus(ctx, id, models.TenantFailed)
		log.Error().Str("tenant_id", id).Msg("tenant failed after repeated errors")
		return true
	}
	if err := m.persist(ctx, id); err != nil {
		log.Error().Str("tenant_id", id).Err(err).Msg("persist failed after error count")
	}
	return false
}

// GetTenant returns a copy of the instance.
func (m *Manager) GetTenant(id string) (*models.TenantInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneInstance(inst), nil
}

// ListTenants returns copies of every registered instance.
func (m *Manager) ListTenants() []*models.TenantInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TenantInstance, 0, len(m.tenants))
	for _, inst := range m.tenants {
		out = append(out, cloneInstance(inst))
	}
	return out
}

// ProcessLogs returns the last n output lines of the tenant's dev-server
// process, when one is running.
func (m *Manager) ProcessLogs(id string, n int) []process.LogEntry {
	if m.supervisor == nil {
		return nil
	}
	return m.supervisor.Logs(id, n)
}

// LiveCount reports tenants currently INITIALIZING or ACTIVE.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCount()
}

// CancelTenant marks a non-terminal tenant CANCELLED. Cancellation is
// cooperative: work already in flight completes and its result is
// ignored; nothing new starts.
func (m *Manager) CancelTenant(ctx context.Context, id string) error {
	st, ok := m.status(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if st.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, st)
	}
	m.setStatus(ctx, id, models.TenantCancelled)
	log.Info().Str("tenant_id", id).Msg("tenant cancelled")
	return nil
}

// DeleteTenant deallocates resources, deletes persisted state, and drops
// the registry and name-reservation entries.
func (m *Manager) DeleteTenant(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.tenants[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.tenants, id)
	delete(m.names, strings.ToLower(inst.Config.Name))
	live := m.liveCount()
	m.mu.Unlock()

	metrics.ActiveTenants.Set(float64(live))
	if m.supervisor != nil {
		m.supervisor.Stop(id)
	}
	m.alloc.Deallocate(id)
	if err := m.state.DeleteTenant(ctx, id); err != nil {
		return fmt.Errorf("delete persisted state: %w", err)
	}

	log.Info().Str("tenant_id", id).Msg("tenant deleted")
	return nil
}

// Restore re-admits persisted tenants after a restart. Allocations go
// back into the allocator without availability re-checks; live tenants
// resume their phase sequence where they left off.
func (m *Manager) Restore(ctx context.Context) error {
	all, err := m.state.RestoreAll(ctx)
	if err != nil {
		return fmt.Errorf("restore states: %w", err)
	}

	var resume []string
	m.mu.Lock()
	for id, inst := range all {
		if inst.State == nil {
			inst.State = make(map[string]interface{})
		}
		m.tenants[id] = inst
		m.names[strings.ToLower(inst.Config.Name)] = id
		if inst.Allocation != nil {
			m.alloc.RestoreAllocation(id, inst.Allocation)
		}
		if inst.Status == models.TenantInitializing || inst.Status == models.TenantActive {
			resume = append(resume, id)
		}
	}
	live := m.liveCount()
	m.mu.Unlock()

	metrics.ActiveTenants.Set(float64(live))
	for _, id := range resume {
		if st, _ := m.status(id); st == models.TenantInitializing {
			m.setStatus(ctx, id, models.TenantActive)
		}
		go m.runLifecycle(id)
	}

	log.Info().
		Int("restored", len(all)).
		Int("resumed", len(resume)).
		Msg("tenant states restored")
	return nil
}
