// Package provider defines the client interface for the external AI
// providers that execute tasks, plus HTTP implementations for
// OpenAI-compatible and Anthropic-style APIs. Ordinary provider errors
// never surface as Go errors from the coordinator layer — they become
// TaskResults with Success=false.
package provider

import (
	"context"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// Client executes one task against a named provider.
type Client interface {
	// Name is the provider's routing name ("openai", "anthropic", ...).
	Name() string
	// Execute runs the task. An error return is reserved for programming
	// or transport-setup mistakes; ordinary provider failures are mapped
	// to a TaskResult with Success=false and an error message.
	Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error)
}
