package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// StaticClient is a deterministic in-process provider used in tests and
// local development. It returns a fixed response with a fixed cost, or a
// failure when FailAlways is set.
type StaticClient struct {
	ProviderName string
	Content      string
	CostPerCall  float64
	TokensUsed   int
	Latency      time.Duration
	FailAlways   bool
	FailMessage  string

	calls atomic.Int64
}

func (c *StaticClient) Name() string { return c.ProviderName }

// Calls reports how many times Execute ran.
func (c *StaticClient) Calls() int64 { return c.calls.Load() }

func (c *StaticClient) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	c.calls.Add(1)
	start := time.Now()

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			return failedResult(task, c.ProviderName, start, ctx.Err().Error()), nil
		case <-time.After(c.Latency):
		}
	}

	if c.FailAlways {
		msg := c.FailMessage
		if msg == "" {
			msg = "provider unavailable"
		}
		return failedResult(task, c.ProviderName, start, msg), nil
	}

	return &models.TaskResult{
		TaskID:        task.ID,
		TenantID:      task.TenantID,
		Success:       true,
		Content:       c.Content,
		Cost:          c.CostPerCall,
		ProviderUsed:  c.ProviderName,
		ExecutionSecs: time.Since(start).Seconds(),
		TokensUsed:    c.TokensUsed,
		CompletedAt:   time.Now().UTC(),
	}, nil
}
