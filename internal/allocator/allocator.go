// Package allocator hands out machine resources to tenants: a bounded
// memory budget, contiguous TCP port blocks, and unique database
// namespaces. All bookkeeping lives behind one mutex so an allocation is
// atomic — either a tenant gets everything it asked for or nothing.
package allocator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

var (
	// ErrInsufficientResources is the umbrella capacity error returned when
	// an allocation cannot be satisfied.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrInsufficientMemory means the request would push used memory past
	// the budget minus the safety margin.
	ErrInsufficientMemory = errors.New("insufficient memory")
	// ErrPortConflict means no contiguous free port block of the requested
	// size exists in the configured range.
	ErrPortConflict = errors.New("no contiguous port block available")
)

const (
	// DefaultBasePort is the start of the allocatable port range.
	DefaultBasePort = 8000
	// DefaultPortRange is the number of ports available from the base.
	DefaultPortRange = 1000
	// DefaultMemoryBudgetMB bounds the sum of all live allocations.
	DefaultMemoryBudgetMB = 8192
	// DefaultSafetyMarginMB is held back from the memory budget.
	DefaultSafetyMarginMB = 512

	degradedMemoryPct = 90.0
	degradedFreePorts = 50
)

// Options configures an Allocator. Zero values fall back to defaults.
type Options struct {
	BasePort       int
	PortRange      int
	MemoryBudgetMB int
	SafetyMarginMB int
}

// Allocator owns all resource bookkeeping. Safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	basePort       int
	portRange      int
	memoryBudgetMB int
	safetyMarginMB int

	usedMemoryMB int
	ports        map[int]string    // port → tenant ID
	namespaces   map[string]string // namespace → tenant ID
	allocations  map[string]*models.ResourceAllocation
	limiters     map[string]*rate.Limiter // tenant ID → API quota limiter
}

// New creates an Allocator with the given options.
func New(opts Options) *Allocator {
	if opts.BasePort == 0 {
		opts.BasePort = DefaultBasePort
	}
	if opts.PortRange == 0 {
		opts.PortRange = DefaultPortRange
	}
	if opts.MemoryBudgetMB == 0 {
		opts.MemoryBudgetMB = DefaultMemoryBudgetMB
	}
	if opts.SafetyMarginMB == 0 {
		opts.SafetyMarginMB = DefaultSafetyMarginMB
	}
	return &Allocator{
		basePort:       opts.BasePort,
		portRange:      opts.PortRange,
		memoryBudgetMB: opts.MemoryBudgetMB,
		safetyMarginMB: opts.SafetyMarginMB,
		ports:          make(map[int]string),
		namespaces:     make(map[string]string),
		allocations:    make(map[string]*models.ResourceAllocation),
		limiters:       make(map[string]*rate.Limiter),
	}
}

// availableMemoryMB is the headroom left under the budget minus margin.
// Caller must hold mu.
func (a *Allocator) availableMemoryMB() int {
	return a.memoryBudgetMB - a.safetyMarginMB - a.usedMemoryMB
}

// freePortCount counts unallocated ports in the range. Caller must hold mu.
func (a *Allocator) freePortCount() int {
	return a.portRange - len(a.ports)
}

// CheckAvailability reports whether a request could be satisfied right now.
// Pure read; the answer may be stale by the time Allocate is called, which
// is why Allocate re-checks under the lock.
func (a *Allocator) CheckAvailability(req models.ResourceRequirements) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return req.MemoryMB <= a.availableMemoryMB() && req.PortCount <= a.freePortCount()
}

// Allocate reserves memory, a contiguous port block, and a unique database
// namespace for the tenant. On any partial failure everything already
// committed by this call is rolled back before the error is returned.
func (a *Allocator) Allocate(tenantID string, req models.ResourceRequirements) (*models.ResourceAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.allocations[tenantID]; exists {
		return nil, fmt.Errorf("%w: tenant %s already holds an allocation", ErrInsufficientResources, tenantID)
	}

	// Step 1: memory.
	if req.MemoryMB > a.availableMemoryMB() {
		return nil, fmt.Errorf("%w: requested %dMB, %dMB available",
			ErrInsufficientMemory, req.MemoryMB, a.availableMemoryMB())
	}
	a.usedMemoryMB += req.MemoryMB

	// Step 2: contiguous port block, first-fit scan.
	ports, err := a.findPortBlock(req.PortCount)
	if err != nil {
		a.usedMemoryMB -= req.MemoryMB // roll back step 1
		return nil, err
	}
	for _, p := range ports {
		a.ports[p] = tenantID
	}

	// Step 3: unique namespace.
	ns := a.claimNamespace(tenantID)

	alloc := &models.ResourceAllocation{
		TenantID:    tenantID,
		MemoryMB:    req.MemoryMB,
		CPUCores:    req.CPUCores,
		StorageGB:   req.StorageGB,
		Ports:       ports,
		Namespace:   ns,
		APIQuota:    req.APICallsPerHour,
		AllocatedAt: time.Now().UTC(),
	}
	a.allocations[tenantID] = alloc

	if req.APICallsPerHour > 0 {
		a.limiters[tenantID] = rate.NewLimiter(rate.Limit(float64(req.APICallsPerHour)/3600.0), burstFor(req.APICallsPerHour))
	}

	log.Info().
		Str("tenant_id", tenantID).
		Int("memory_mb", req.MemoryMB).
		Ints("ports", ports).
		Str("namespace", ns).
		Msg("resources allocated")

	return alloc, nil
}

// findPortBlock returns the first window of n consecutive free ports.
// Contiguity matters for co-located services; the fragmentation cost is
// acceptable because allocations are short-lived relative to the process.
// Caller must hold mu.
func (a *Allocator) findPortBlock(n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > a.freePortCount() {
		return nil, fmt.Errorf("%w: need %d ports, %d free", ErrPortConflict, n, a.freePortCount())
	}
	for start := a.basePort; start+n <= a.basePort+a.portRange; start++ {
		free := true
		for p := start; p < start+n; p++ {
			if _, taken := a.ports[p]; taken {
				free = false
				break
			}
		}
		if free {
			ports := make([]int, n)
			for i := range ports {
				ports[i] = start + i
			}
			return ports, nil
		}
	}
	return nil, fmt.Errorf("%w: no window of %d consecutive ports in [%d,%d)",
		ErrPortConflict, n, a.basePort, a.basePort+a.portRange)
}

// claimNamespace derives a unique namespace from the tenant ID, adding a
// numeric suffix on collision. Caller must hold mu.
func (a *Allocator) claimNamespace(tenantID string) string {
	base := sanitizeNamespace(tenantID)
	ns := base
	for i := 1; ; i++ {
		if _, taken := a.namespaces[ns]; !taken {
			break
		}
		ns = fmt.Sprintf("%s_%d", base, i)
	}
	a.namespaces[ns] = tenantID
	return ns
}

// sanitizeNamespace lowercases and replaces anything that is not a letter,
// digit, or underscore so the result is a valid database identifier.
func sanitizeNamespace(id string) string {
	var b strings.Builder
	b.WriteString("sf_")
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func burstFor(perHour int) int {
	burst := perHour / 10
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Deallocate releases everything held by the tenant. Releasing a tenant
// with no allocation is logged and ignored.
func (a *Allocator) Deallocate(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[tenantID]
	if !ok {
		log.Debug().Str("tenant_id", tenantID).Msg("deallocate: no allocation held")
		return
	}

	a.usedMemoryMB -= alloc.MemoryMB
	for _, p := range alloc.Ports {
		delete(a.ports, p)
	}
	delete(a.namespaces, alloc.Namespace)
	delete(a.allocations, tenantID)
	delete(a.limiters, tenantID)

	log.Info().Str("tenant_id", tenantID).Msg("resources deallocated")
}

// RestoreAllocation re-admits a previously computed allocation into the
// live bookkeeping without availability checks. Used only while recovering
// persisted tenant state at startup.
func (a *Allocator) RestoreAllocation(tenantID string, alloc *models.ResourceAllocation) {
	if alloc == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.usedMemoryMB += alloc.MemoryMB
	for _, p := range alloc.Ports {
		a.ports[p] = tenantID
	}
	if alloc.Namespace != "" {
		a.namespaces[alloc.Namespace] = tenantID
	}
	a.allocations[tenantID] = alloc
	if alloc.APIQuota > 0 {
		a.limiters[tenantID] = rate.NewLimiter(rate.Limit(float64(alloc.APIQuota)/3600.0), burstFor(alloc.APIQuota))
	}

	log.Info().Str("tenant_id", tenantID).Msg("allocation restored")
}

// AllowAPICall consumes one token from the tenant's API quota limiter.
// Tenants without a quota are always allowed.
func (a *Allocator) AllowAPICall(tenantID string) bool {
	a.mu.Lock()
	lim, ok := a.limiters[tenantID]
	a.mu.Unlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// Usage is a point-in-time snapshot of resource consumption.
type Usage struct {
	MemoryUsedMB    int                                   `json:"memory_used_mb"`
	MemoryBudgetMB  int                                   `json:"memory_budget_mb"`
	MemoryPercent   float64                               `json:"memory_percent"`
	FreePorts       int                                   `json:"free_ports"`
	AllocatedPorts  int                                   `json:"allocated_ports"`
	TenantCount     int                                   `json:"tenant_count"`
	Allocations     map[string]*models.ResourceAllocation `json:"allocations"`
}

// ResourceUsage reports current consumption and per-tenant detail.
func (a *Allocator) ResourceUsage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocs := make(map[string]*models.ResourceAllocation, len(a.allocations))
	for id, al := range a.allocations {
		cp := *al
		allocs[id] = &cp
	}
	return Usage{
		MemoryUsedMB:   a.usedMemoryMB,
		MemoryBudgetMB: a.memoryBudgetMB,
		MemoryPercent:  a.memoryPercent(),
		FreePorts:      a.freePortCount(),
		AllocatedPorts: len(a.ports),
		TenantCount:    len(a.allocations),
		Allocations:    allocs,
	}
}

// caller must hold mu
func (a *Allocator) memoryPercent() float64 {
	if a.memoryBudgetMB == 0 {
		return 0
	}
	return float64(a.usedMemoryMB) / float64(a.memoryBudgetMB) * 100.0
}

// Health summarizes allocator health for monitoring endpoints.
type Health struct {
	Healthy       bool    `json:"healthy"`
	MemoryPercent float64 `json:"memory_percent"`
	FreePorts     int     `json:"free_ports"`
	Reason        string  `json:"reason,omitempty"`
}

// HealthCheck reports degraded above 90% memory or below 50 free ports.
func (a *Allocator) HealthCheck() Health {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := Health{
		Healthy:       true,
		MemoryPercent: a.memoryPercent(),
		FreePorts:     a.freePortCount(),
	}
	if h.MemoryPercent > degradedMemoryPct {
		h.Healthy = false
		h.Reason = "memory usage above 90%"
	} else if h.FreePorts < degradedFreePorts {
		h.Healthy = false
		h.Reason = "fewer than 50 free ports"
	}
	return h
}
