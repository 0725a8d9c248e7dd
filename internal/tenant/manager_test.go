package tenant_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LeanVibe/startup-factory-sub002/internal/allocator"
	"github.com/LeanVibe/startup-factory-sub002/internal/budget"
	"github.com/LeanVibe/startup-factory-sub002/internal/provider"
	"github.com/LeanVibe/startup-factory-sub002/internal/queue"
	"github.com/LeanVibe/startup-factory-sub002/internal/router"
	"github.com/LeanVibe/startup-factory-sub002/internal/store"
	"github.com/LeanVibe/startup-factory-sub002/internal/tenant"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// testPhases keeps lifecycles short: two analysis tasks routed to the
// single test provider, then materialization.
func testPhases() []tenant.Phase {
	return []tenant.Phase{
		{Name: "research", TaskType: models.TaskAnalysis, Priority: models.PriorityHigh, Prompt: "research %s in %s"},
		{Name: "plan", TaskType: models.TaskAnalysis, Priority: models.PriorityMedium, Prompt: "plan %s in %s"},
		{Name: "materialize", Materialize: true},
	}
}

type stubGenerator struct {
	mu    sync.Mutex
	calls []string // output dirs
}

func (g *stubGenerator) Generate(_ context.Context, _ string, _ models.TenantConfig, _ *models.ResourceAllocation, outputDir string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, outputDir)
	g.mu.Unlock()
	return filepath.Join(outputDir, "project"), nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type harness struct {
	manager *tenant.Manager
	alloc   *allocator.Allocator
	monitor *budget.Monitor
	store   *store.MemoryStore
	client  *provider.StaticClient
	gen     *stubGenerator
}

func newHarness(t *testing.T, opts tenant.Options, client *provider.StaticClient) *harness {
	t.Helper()
	if client == nil {
		client = &provider.StaticClient{ProviderName: "openai", Content: "ok", CostPerCall: 0.01, TokensUsed: 100}
	}
	bal := router.NewBalancer(map[string]int{client.ProviderName: 10})
	proc := queue.NewProcessor(bal, []*router.Coordinator{router.NewCoordinator(client)}, nil,
		queue.Options{MaxConcurrent: 10, BackoffBase: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go proc.Run(ctx)

	gen := &stubGenerator{}
	st := store.NewMemoryStore()
	al := allocator.New(allocator.Options{})
	mon := budget.NewMonitor()

	if opts.Phases == nil {
		opts.Phases = testPhases()
	}
	if opts.Generator == nil {
		opts.Generator = gen
	}
	if opts.PhaseTimeout == 0 {
		opts.PhaseTimeout = 5 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	m := tenant.NewManager(al, proc, mon, st, opts)
	return &harness{manager: m, alloc: al, monitor: mon, store: st, client: client, gen: gen}
}

func simpleConfig(name string) models.TenantConfig {
	return models.TenantConfig{
		Name:     name,
		Industry: "fintech",
		Category: "saas",
		Requirements: models.ResourceRequirements{
			MemoryMB:   256,
			PortCount:  2,
			CostPerDay: 10.0,
		},
	}
}

func waitForStatus(t *testing.T, m *tenant.Manager, id string, want models.TenantStatus) *models.TenantInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := m.GetTenant(id)
		if err != nil {
			t.Fatalf("GetTenant(%s) error = %v", id, err)
		}
		if inst.Status == want {
			return inst
		}
		if inst.Status.IsTerminal() && inst.Status != want {
			t.Fatalf("tenant %s reached %s, want %s (last error: %s)", id, inst.Status, want, inst.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
	inst, _ := m.GetTenant(id)
	t.Fatalf("tenant %s stuck in %s, want %s", id, inst.Status, want)
	return nil
}

func TestCreateTenantRunsAllPhases(t *testing.T) {
	h := newHarness(t, tenant.Options{MaxConcurrent: 3}, nil)

	inst, err := h.manager.CreateTenant(context.Background(), simpleConfig("Acme"))
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if inst.Allocation == nil || len(inst.Allocation.Ports) != 2 {
		t.Fatalf("allocation = %+v, want 2 ports", inst.Allocation)
	}

	final := waitForStatus(t, h.manager, inst.ID, models.TenantCompleted)
	if final.CurrentPhase != 3 {
		t.Errorf("CurrentPhase = %d, want 3", final.CurrentPhase)
	}
	for _, key := range []string{"phase:research", "phase:plan", "phase:materialize"} {
		if _, ok := final.State[key]; !ok {
			t.Errorf("state missing %q", key)
		}
	}
	if got := h.gen.callCount(); got != 1 {
		t.Errorf("generator calls = %d, want 1", got)
	}
	// CostPerDay became a daily budget limit on create.
	if remaining := h.monitor.RemainingBudget(inst.ID); remaining > 10.0 {
		t.Errorf("RemainingBudget() = %v, want at most the daily limit", remaining)
	}
	// Every phase recorded its spend in tenant state.
	if _, ok := final.State["usage:research"]; !ok {
		t.Error("state missing usage for research phase")
	}
}

func TestCreateTenantValidation(t *testing.T) {
	h := newHarness(t, tenant.Options{}, nil)
	ctx := context.Background()

	if _, err := h.manager.CreateTenant(ctx, models.TenantConfig{Name: "  "}); !errors.Is(err, tenant.ErrInvalidConfig) {
		t.Errorf("empty name error = %v, want ErrInvalidConfig", err)
	}

	bad := simpleConfig("neg")
	bad.Requirements.MemoryMB = -1
	if _, err := h.manager.CreateTenant(ctx, bad); !errors.Is(err, tenant.ErrInvalidConfig) {
		t.Errorf("negative memory error = %v, want ErrInvalidConfig", err)
	}
}

func TestDuplicateNameRejectedCaseInsensitive(t *testing.T) {
	h := newHarness(t, tenant.Options{MaxConcurrent: 3}, nil)
	ctx := context.Background()

	if _, err := h.manager.CreateTenant(ctx, simpleConfig("Acme")); err != nil {
		t.Fatalf("first CreateTenant() error = %v", err)
	}
	if _, err := h.manager.CreateTenant(ctx, simpleConfig("ACME")); !errors.Is(err, tenant.ErrInvalidConfig) {
		t.Errorf("duplicate name error = %v, want ErrInvalidConfig", err)
	}
}

func TestConcurrencyGate(t *testing.T) {
	slow := &provider.StaticClient{
		ProviderName: "openai", Content: "ok", CostPerCall: 0.01,
		TokensUsed: 10, Latency: 300 * time.Millisecond,
	}
	h := newHarness(t, tenant.Options{MaxConcurrent: 1}, slow)
	ctx := context.Background()

	first, err := h.manager.CreateTenant(ctx, simpleConfig("first"))
	if err != nil {
		t.Fatalf("first CreateTenant() error = %v", err)
	}
	if _, err := h.manager.CreateTenant(ctx, simpleConfig("second")); !errors.Is(err, tenant.ErrConcurrencyLimit) {
		t.Fatalf("second CreateTenant() error = %v, want ErrConcurrencyLimit", err)
	}

	// Once the first tenant completes, the slot frees up.
	waitForStatus(t, h.manager, first.ID, models.TenantCompleted)
	if _, err := h.manager.CreateTenant(ctx, simpleConfig("second")); err != nil {
		t.Fatalf("CreateTenant() after completion error = %v", err)
	}
}

func TestConcurrencyGateParallelCreates(t *testing.T) {
	slow := &provider.StaticClient{
		ProviderName: "openai", Content: "ok", TokensUsed: 10,
		Latency: 200 * time.Millisecond,
	}
	h := newHarness(t, tenant.Options{MaxConcurrent: 2}, slow)
	ctx := context.Background()

	const attempts = 6
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.CreateTenant(ctx, simpleConfig(fmt.Sprintf("racer-%d", i)))
		}(i)
	}
	wg.Wait()

	created := 0
	for i, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, tenant.ErrConcurrencyLimit):
		default:
			t.Errorf("CreateTenant(#%d) error = %v", i, err)
		}
	}
	// The slow provider keeps every admitted tenant live well past the
	// racing creates, so exactly the slot count gets through.
	if created != 2 {
		t.Errorf("parallel creates admitted = %d, want 2", created)
	}
	if live := h.manager.LiveCount(); live > 2 {
		t.Errorf("LiveCount() = %d, want at most 2", live)
	}
}

func TestRepeatedFailuresForceFailed(t *testing.T) {
	failing := &provider.StaticClient{
		ProviderName: "openai", FailAlways: true, FailMessage: "model unavailable",
	}
	h := newHarness(t, tenant.Options{MaxConcurrent: 3}, failing)

	inst, err := h.manager.CreateTenant(context.Background(), simpleConfig("doomed"))
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	final := waitForStatus(t, h.manager, inst.ID, models.TenantFailed)
	if final.ErrorCount != 5 {
		t.Errorf("ErrorCount = %d, want 5", final.ErrorCount)
	}
	if final.LastError == "" {
		t.Error("LastError is empty after forced failure")
	}
}

func TestCancelTenant(t *testing.T) {
	slow := &provider.StaticClient{
		ProviderName: "openai", Content: "ok", TokensUsed: 10,
		Latency: 100 * time.Millisecond,
	}
	h := newHarness(t, tenant.Options{MaxConcurrent: 3}, slow)
	ctx := context.Background()

	inst, err := h.manager.CreateTenant(ctx, simpleConfig("stopme"))
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if err := h.manager.CancelTenant(ctx, inst.ID); err != nil {
		t.Fatalf("CancelTenant() error = %v", err)
	}

	got, _ := h.manager.GetTenant(inst.ID)
	if got.Status != models.TenantCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	// Cancelling a terminal tenant is rejected.
	if err := h.manager.CancelTenant(ctx, inst.ID); !errors.Is(err, tenant.ErrTerminal) {
		t.Errorf("second CancelTenant() error = %v, want ErrTerminal", err)
	}
	// Any in-flight phase drains; no new phases start after that.
	time.Sleep(300 * time.Millisecond)
	after, _ := h.manager.GetTenant(inst.ID)
	if after.CurrentPhase > 1 {
		t.Errorf("CurrentPhase = %d after cancel, want at most 1", after.CurrentPhase)
	}
}

func TestCancelUnknownTenant(t *testing.T) {
	h := newHarness(t, tenant.Options{}, nil)
	if err := h.manager.CancelTenant(context.Background(), "ghost"); !errors.Is(err, tenant.ErrNotFound) {
		t.Errorf("CancelTenant() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTenantFreesEverything(t *testing.T) {
	h := newHarness(t, tenant.Options{MaxConcurrent: 3}, nil)
	ctx := context.Background()

	inst, err := h.manager.CreateTenant(ctx, simpleConfig("shortlived"))
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	waitForStatus(t, h.manager, inst.ID, models.TenantCompleted)

	if err := h.manager.DeleteTenant(ctx, inst.ID); err != nil {
		t.Fatalf("DeleteTenant() error = %v", err)
	}
	if _, err := h.manager.GetTenant(inst.ID); !errors.Is(err, tenant.ErrNotFound) {
		t.Errorf("GetTenant() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := h.store.GetTenant(ctx, inst.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("persisted state survived delete: err = %v", err)
	}
	if usage := h.alloc.ResourceUsage(); len(usage.Allocations) != 0 {
		t.Errorf("allocations after delete = %d, want 0", len(usage.Allocations))
	}
	// The name is reusable once the tenant is gone.
	if _, err := h.manager.CreateTenant(ctx, simpleConfig("shortlived")); err != nil {
		t.Errorf("CreateTenant() reusing name error = %v", err)
	}
}

func TestRestoreResumesActiveTenant(t *testing.T) {
	h := newHarness(t, tenant.Options{MaxConcurrent: 3}, nil)
	ctx := context.Background()

	// Simulate a tenant persisted mid-lifecycle by a previous process.
	saved := &models.TenantInstance{
		ID:     "restored-1",
		Config: simpleConfig("phoenix"),
		Status: models.TenantActive,
		Allocation: &models.ResourceAllocation{
			TenantID:  "restored-1",
			MemoryMB:  256,
			Ports:     []int{8000, 8001},
			Namespace: "sf_phoenix",
		},
		CurrentPhase: 1,
		State:        map[string]interface{}{"phase:research": "done earlier"},
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := h.store.SaveTenant(ctx, saved); err != nil {
		t.Fatalf("SaveTenant() error = %v", err)
	}

	if err := h.manager.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	final := waitForStatus(t, h.manager, "restored-1", models.TenantCompleted)
	if _, ok := final.State["phase:research"]; !ok {
		t.Error("restored state lost the earlier phase output")
	}
	// Only the remaining task phase ran after restore.
	if got := h.client.Calls(); got != 1 {
		t.Errorf("provider calls after restore = %d, want 1", got)
	}
	// The allocation was re-admitted into the allocator.
	usage := h.alloc.ResourceUsage()
	if _, ok := usage.Allocations["restored-1"]; !ok {
		t.Error("restored allocation missing from allocator")
	}
}

func TestPhaseSkipExpression(t *testing.T) {
	phases := []tenant.Phase{
		{Name: "research", TaskType: models.TaskAnalysis, Priority: models.PriorityHigh, Prompt: "research %s in %s"},
		{
			Name: "mvp", TaskType: models.TaskAnalysis, Priority: models.PriorityMedium,
			Prompt: "build %s in %s", SkipWhen: `category == "services"`,
		},
	}
	h := newHarness(t, tenant.Options{MaxConcurrent: 3, Phases: phases}, nil)

	cfg := simpleConfig("consultancy")
	cfg.Category = "services"
	inst, err := h.manager.CreateTenant(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	final := waitForStatus(t, h.manager, inst.ID, models.TenantCompleted)
	if got := h.client.Calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (mvp phase skipped)", got)
	}
	if final.State["phase:mvp"] != "skipped" {
		t.Errorf("State[phase:mvp] = %v, want skipped marker", final.State["phase:mvp"])
	}
}
