package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/internal/provider"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// Coordinator executes tasks against one provider and tracks the task IDs
// currently in flight there. It always produces a TaskResult: transport or
// provider failures become Success=false results, never errors.
type Coordinator struct {
	client provider.Client

	mu     sync.Mutex
	active map[string]time.Time // task ID → started
}

// NewCoordinator wraps a provider client.
func NewCoordinator(client provider.Client) *Coordinator {
	return &Coordinator{
		client: client,
		active: make(map[string]time.Time),
	}
}

// Provider is the routing name of the wrapped client.
func (c *Coordinator) Provider() string { return c.client.Name() }

// ActiveTasks lists the IDs of tasks currently executing here.
func (c *Coordinator) ActiveTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs the task on the wrapped provider.
func (c *Coordinator) Execute(ctx context.Context, task *models.Task) *models.TaskResult {
	start := time.Now()
	c.mu.Lock()
	c.active[task.ID] = start
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, task.ID)
		c.mu.Unlock()
	}()

	result, err := c.client.Execute(ctx, task)
	if err != nil {
		log.Warn().
			Str("provider", c.client.Name()).
			Str("task_id", task.ID).
			Err(err).
			Msg("provider call errored")
		return &models.TaskResult{
			TaskID:        task.ID,
			TenantID:      task.TenantID,
			Success:       false,
			ProviderUsed:  c.client.Name(),
			ExecutionSecs: time.Since(start).Seconds(),
			CompletedAt:   time.Now().UTC(),
			ErrorMessage:  err.Error(),
		}
	}
	return result
}
