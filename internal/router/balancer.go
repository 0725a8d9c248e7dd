// Package router balances task load across AI providers and coordinates
// execution against them. The balancer picks a provider per task from
// rolling health statistics; one coordinator per provider performs the
// actual call and tracks in-flight work.
package router

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// Stats is a snapshot of one provider's rolling statistics.
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	SuccessCount    int64   `json:"success_count"`
	TotalCost       float64 `json:"total_cost"`
	AvgResponseSecs float64 `json:"avg_response_seconds"`
	CurrentLoad     int     `json:"current_load"`
	ErrorRate       float64 `json:"error_rate"`
	LastError       string  `json:"last_error,omitempty"`
}

type providerState struct {
	limit int
	stats Stats
}

// defaultRoutes maps each task type to the provider best suited for it.
var defaultRoutes = map[models.TaskType]string{
	models.TaskMarketResearch: "perplexity",
	models.TaskBusinessPlan:   "anthropic",
	models.TaskCodeGeneration: "anthropic",
	models.TaskContentWriting: "openai",
	models.TaskAnalysis:       "openai",
}

// DefaultProviderLimit bounds per-provider concurrency when none is given.
const DefaultProviderLimit = 5

// Balancer tracks per-provider load and picks a provider per task.
type Balancer struct {
	mu        sync.Mutex
	providers map[string]*providerState
}

// NewBalancer registers the named providers with their concurrency limits.
// A zero limit falls back to DefaultProviderLimit.
func NewBalancer(limits map[string]int) *Balancer {
	b := &Balancer{providers: make(map[string]*providerState)}
	for name, limit := range limits {
		if limit <= 0 {
			limit = DefaultProviderLimit
		}
		b.providers[name] = &providerState{limit: limit}
	}
	return b
}

// SelectProvider picks the provider for a task:
//  1. the task's preference, when it has spare concurrency;
//  2. the task type's default route, when it has spare concurrency;
//  3. the available provider minimizing (error rate, load, −successes);
//  4. when everything is saturated, the provider with the globally lowest
//     load — oversubscription beats deadlock.
func (b *Balancer) SelectProvider(task *models.Task) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.providers) == 0 {
		return "", fmt.Errorf("no providers registered")
	}

	if task.ProviderPreference != "" {
		if st, ok := b.providers[task.ProviderPreference]; ok && st.stats.CurrentLoad < st.limit {
			return task.ProviderPreference, nil
		}
	}

	if def, ok := defaultRoutes[task.Type]; ok {
		if st, ok := b.providers[def]; ok && st.stats.CurrentLoad < st.limit {
			return def, nil
		}
	}

	if name := b.bestAvailable(); name != "" {
		return name, nil
	}

	// All saturated: degrade to the least loaded provider.
	name := b.leastLoaded()
	log.Warn().Str("provider", name).Msg("all providers saturated, oversubscribing")
	return name, nil
}

// bestAvailable picks among providers with spare capacity the one with the
// lowest error rate, then lowest load, then most successes. Caller holds mu.
func (b *Balancer) bestAvailable() string {
	var best string
	var bestSt *providerState
	for name, st := range b.providers {
		if st.stats.CurrentLoad >= st.limit {
			continue
		}
		if bestSt == nil || better(st, bestSt) || (equivalent(st, bestSt) && name < best) {
			best, bestSt = name, st
		}
	}
	return best
}

func better(a, b *providerState) bool {
	if a.stats.ErrorRate != b.stats.ErrorRate {
		return a.stats.ErrorRate < b.stats.ErrorRate
	}
	if a.stats.CurrentLoad != b.stats.CurrentLoad {
		return a.stats.CurrentLoad < b.stats.CurrentLoad
	}
	return a.stats.SuccessCount > b.stats.SuccessCount
}

func equivalent(a, b *providerState) bool {
	return a.stats.ErrorRate == b.stats.ErrorRate &&
		a.stats.CurrentLoad == b.stats.CurrentLoad &&
		a.stats.SuccessCount == b.stats.SuccessCount
}

// leastLoaded returns the provider with the fewest in-flight requests,
// ignoring limits. Caller holds mu.
func (b *Balancer) leastLoaded() string {
	var best string
	bestLoad := -1
	for name, st := range b.providers {
		if bestLoad == -1 || st.stats.CurrentLoad < bestLoad ||
			(st.stats.CurrentLoad == bestLoad && name < best) {
			best, bestLoad = name, st.stats.CurrentLoad
		}
	}
	return best
}

// RecordRequestStart marks one request in flight on the provider.
func (b *Balancer) RecordRequestStart(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.providers[provider]; ok {
		st.stats.CurrentLoad++
	}
}

// RecordRequestEnd folds a finished request into the provider's rolling
// statistics: incremental average response time and error rate
// (1 − successes/requests).
func (b *Balancer) RecordRequestEnd(provider string, success bool, cost, responseSecs float64, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.providers[provider]
	if !ok {
		return
	}
	if st.stats.CurrentLoad > 0 {
		st.stats.CurrentLoad--
	}
	st.stats.TotalRequests++
	if success {
		st.stats.SuccessCount++
	} else {
		st.stats.LastError = errMsg
	}
	st.stats.TotalCost += cost
	st.stats.AvgResponseSecs += (responseSecs - st.stats.AvgResponseSecs) / float64(st.stats.TotalRequests)
	st.stats.ErrorRate = 1 - float64(st.stats.SuccessCount)/float64(st.stats.TotalRequests)
}

// ProviderStats returns a copy of every provider's statistics.
func (b *Balancer) ProviderStats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Stats, len(b.providers))
	for name, st := range b.providers {
		out[name] = st.stats
	}
	return out
}
