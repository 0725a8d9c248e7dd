package tenant

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// Phase is one step of a tenant's lifecycle. Non-materializing phases
// submit a single task to the queue and block on its result; the
// materializing phase invokes the project generator instead.
type Phase struct {
	Name     string
	TaskType models.TaskType
	Priority models.TaskPriority
	// Prompt is a template; buildPrompt substitutes tenant details.
	Prompt string
	// SkipWhen is an optional expression evaluated against the tenant's
	// accumulated state. When it evaluates to true the phase is skipped.
	SkipWhen string
	// Materialize marks the final generation phase.
	Materialize bool
}

// DefaultPhases is the standard startup build sequence.
func DefaultPhases() []Phase {
	return []Phase{
		{
			Name:     "market_research",
			TaskType: models.TaskMarketResearch,
			Priority: models.PriorityHigh,
			Prompt:   "Research the market for %q in the %s industry. Cover competitors, target customers, and market size.",
		},
		{
			Name:     "business_plan",
			TaskType: models.TaskBusinessPlan,
			Priority: models.PriorityHigh,
			Prompt:   "Write a business plan for %q in the %s industry. Use the market research in the context.",
		},
		{
			Name:     "mvp_code",
			TaskType: models.TaskCodeGeneration,
			Priority: models.PriorityMedium,
			Prompt:   "Design the MVP architecture and core modules for %q, a %s startup.",
			SkipWhen: `category == "services"`,
		},
		{
			Name:     "launch_content",
			TaskType: models.TaskContentWriting,
			Priority: models.PriorityLow,
			Prompt:   "Write launch copy for %q: landing page headline, product description, and announcement post for the %s market.",
		},
		{
			Name:        "materialize",
			Materialize: true,
		},
	}
}

func buildPrompt(p Phase, cfg models.TenantConfig) string {
	return fmt.Sprintf(p.Prompt, cfg.Name, cfg.Industry)
}

// skipEnv is the variable set SkipWhen expressions see.
func skipEnv(inst *models.TenantInstance) map[string]interface{} {
	env := map[string]interface{}{
		"name":     inst.Config.Name,
		"industry": inst.Config.Industry,
		"category": inst.Config.Category,
		"state":    inst.State,
	}
	return env
}

func shouldSkip(p Phase, inst *models.TenantInstance) bool {
	if p.SkipWhen == "" {
		return false
	}
	out, err := expr.Eval(p.SkipWhen, skipEnv(inst))
	if err != nil {
		log.Warn().
			Str("tenant_id", inst.ID).
			Str("phase", p.Name).
			Err(err).
			Msg("skip expression failed, running phase")
		return false
	}
	skip, ok := out.(bool)
	return ok && skip
}

// runLifecycle drives the tenant through its phases, starting from
// CurrentPhase so a restored tenant resumes where it stopped. Exits as
// soon as the tenant leaves ACTIVE; cancellation is observed between
// phases, never mid-task.
func (m *Manager) runLifecycle(id string) {
	ctx := context.Background()
	for {
		m.mu.Lock()
		inst, ok := m.tenants[id]
		if !ok {
			m.mu.Unlock()
			return
		}
		if inst.Status != models.TenantActive {
			m.mu.Unlock()
			return
		}
		if inst.CurrentPhase >= len(m.phases) {
			m.mu.Unlock()
			m.setStatus(ctx, id, models.TenantCompleted)
			log.Info().Str("tenant_id", id).Msg("tenant completed")
			return
		}
		phase := m.phases[inst.CurrentPhase]
		cp := *inst
		m.mu.Unlock()

		if shouldSkip(phase, &cp) {
			log.Info().
				Str("tenant_id", id).
				Str("phase", phase.Name).
				Msg("phase skipped")
			m.advancePhase(ctx, id, phase.Name, "skipped")
			continue
		}

		var err error
		if phase.Materialize {
			err = m.runMaterialize(ctx, id, &cp)
		} else {
			err = m.runTaskPhase(ctx, id, phase, &cp)
		}
		if err != nil {
			if m.incrementErrorCount(ctx, id, fmt.Sprintf("phase %s: %v", phase.Name, err)) {
				return
			}
			// Back off briefly, then retry the same phase.
			time.Sleep(m.retryDelay)
			continue
		}
	}
}

// runTaskPhase submits the phase's task and waits for its result.
func (m *Manager) runTaskPhase(ctx context.Context, id string, phase Phase, inst *models.TenantInstance) error {
	task := &models.Task{
		ID:          uuid.New().String(),
		TenantID:    id,
		Type:        phase.TaskType,
		Description: fmt.Sprintf("%s for %s", phase.Name, inst.Config.Name),
		Prompt:      buildPrompt(phase, inst.Config),
		Context:     phaseContext(inst),
		Priority:    phase.Priority,
	}
	if err := m.queue.Submit(task); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.phaseTimeout)
	defer cancel()
	result, err := m.queue.AwaitResult(waitCtx, task.ID)
	if err != nil {
		m.queue.Cancel(task.ID)
		return fmt.Errorf("await result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("task failed: %s", result.ErrorMessage)
	}

	m.recordPhaseResult(ctx, id, phase.Name, result)
	return nil
}

// phaseContext hands earlier phase outputs to the next task.
func phaseContext(inst *models.TenantInstance) map[string]interface{} {
	ctx := make(map[string]interface{}, len(inst.State))
	for k, v := range inst.State {
		ctx[k] = v
	}
	return ctx
}

// recordPhaseResult stores the output and usage in tenant state and
// advances to the next phase.
func (m *Manager) recordPhaseResult(ctx context.Context, id, phaseName string, result *models.TaskResult) {
	m.mu.Lock()
	// A result arriving after cancellation is discarded.
	if inst, ok := m.tenants[id]; ok && inst.Status == models.TenantActive {
		inst.State["phase:"+phaseName] = result.Content
		inst.State["usage:"+phaseName] = map[string]interface{}{
			"cost":         result.Cost,
			"tokens":       result.TokensUsed,
			"provider":     result.ProviderUsed,
			"duration_sec": result.ExecutionSecs,
		}
		inst.CurrentPhase++
		inst.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if err := m.persist(ctx, id); err != nil {
		log.Error().Str("tenant_id", id).Err(err).Msg("persist failed after phase")
	}
	log.Info().
		Str("tenant_id", id).
		Str("phase", phaseName).
		Float64("cost", result.Cost).
		Msg("phase completed")
}

// advancePhase moves past a phase without a task result.
func (m *Manager) advancePhase(ctx context.Context, id, phaseName, note string) {
	m.mu.Lock()
	if inst, ok := m.tenants[id]; ok {
		inst.State["phase:"+phaseName] = note
		inst.CurrentPhase++
		inst.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if err := m.persist(ctx, id); err != nil {
		log.Error().Str("tenant_id", id).Err(err).Msg("persist failed after phase")
	}
}

// runMaterialize invokes the project generator with the tenant's
// allocation and accumulated state. Without a generator the phase just
// advances.
func (m *Manager) runMaterialize(ctx context.Context, id string, inst *models.TenantInstance) error {
	if m.generator == nil {
		m.advancePhase(ctx, id, "materialize", "no generator configured")
		return nil
	}

	outDir := filepath.Join(m.outputDir, id)
	genCtx, cancel := context.WithTimeout(ctx, m.phaseTimeout)
	defer cancel()
	path, err := m.generator.Generate(genCtx, inst.Config.TemplateID, inst.Config, inst.Allocation, outDir)
	if err != nil {
		return fmt.Errorf("generate project: %w", err)
	}

	if m.supervisor != nil && len(inst.Config.StartCommand) > 0 &&
		inst.Allocation != nil && len(inst.Allocation.Ports) > 0 {
		proc, err := m.supervisor.Start(ctx, id, path, inst.Config.StartCommand, inst.Allocation.Ports[0])
		if err != nil {
			return fmt.Errorf("start project process: %w", err)
		}
		m.mu.Lock()
		if live, ok := m.tenants[id]; ok && live.Allocation != nil {
			live.Allocation.Process = proc
		}
		m.mu.Unlock()
	}

	m.advancePhase(ctx, id, "materialize", path)
	log.Info().
		Str("tenant_id", id).
		Str("path", path).
		Msg("project materialized")
	return nil
}
