// Package queue implements the priority task queue: tasks are accepted,
// ordered by priority with a stable FIFO tie-break, dispatched under a
// global concurrency bound, executed with retry and exponential backoff,
// and finished exactly once with a TaskResult.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/LeanVibe/startup-factory-sub002/internal/budget"
	"github.com/LeanVibe/startup-factory-sub002/internal/metrics"
	"github.com/LeanVibe/startup-factory-sub002/internal/router"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// ErrInvalidTask is returned by Submit for tasks missing required fields.
var ErrInvalidTask = errors.New("invalid task")

// ErrUnknownTask is returned when a task ID has never been submitted.
var ErrUnknownTask = errors.New("unknown task")

const (
	// DefaultMaxConcurrent bounds simultaneous task executions.
	DefaultMaxConcurrent = 5
	// DefaultBackoffBase is the unit for exponential retry backoff:
	// attempt n sleeps 2^n × base.
	DefaultBackoffBase = time.Second

	unhealthyBacklog     = 100
	unhealthySuccessRate = 0.8
)

// item is one queued task plus its heap bookkeeping. seq is a
// monotonically increasing sequence number, the stable same-priority
// tie-break (submission order, not opaque task IDs).
type item struct {
	task *models.Task
	seq  uint64
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Options configures a Processor.
type Options struct {
	MaxConcurrent int
	// BackoffBase scales retry sleeps; tests shrink it.
	BackoffBase time.Duration
}

// Processor accepts, schedules, and executes tasks.
type Processor struct {
	balancer     *router.Balancer
	coordinators map[string]*router.Coordinator
	monitor      *budget.Monitor // optional; nil disables spend accounting

	sem           *semaphore.Weighted
	maxConcurrent int
	backoffBase   time.Duration

	mu       sync.Mutex
	backlog  taskHeap
	seq      uint64
	tasks    map[string]*models.Task
	statuses map[string]models.TaskStatus
	results  map[string]*models.TaskResult
	done     map[string]chan struct{} // closed when the task finishes
	wake     chan struct{}
}

// NewProcessor wires the processor to its balancer, the per-provider
// coordinators, and an optional budget monitor.
func NewProcessor(b *router.Balancer, coords []*router.Coordinator, monitor *budget.Monitor, opts Options) *Processor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	byName := make(map[string]*router.Coordinator, len(coords))
	for _, c := range coords {
		byName[c.Provider()] = c
	}
	return &Processor{
		balancer:      b,
		coordinators:  byName,
		monitor:       monitor,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		maxConcurrent: opts.MaxConcurrent,
		backoffBase:   opts.BackoffBase,
		tasks:         make(map[string]*models.Task),
		statuses:      make(map[string]models.TaskStatus),
		results:       make(map[string]*models.TaskResult),
		done:          make(map[string]chan struct{}),
		wake:          make(chan struct{}, 1),
	}
}

// Submit validates a task and queues it as PENDING.
func (p *Processor) Submit(task *models.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidTask)
	}
	if task.Description == "" {
		return fmt.Errorf("%w: description is empty", ErrInvalidTask)
	}
	if task.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidTask)
	}

	p.mu.Lock()
	if _, dup := p.statuses[task.ID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("%w: task %s already submitted", ErrInvalidTask, task.ID)
	}
	p.seq++
	heap.Push(&p.backlog, &item{task: task, seq: p.seq})
	p.tasks[task.ID] = task
	p.statuses[task.ID] = models.TaskPending
	p.done[task.ID] = make(chan struct{})
	metrics.QueueDepth.Set(float64(p.backlog.Len()))
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	log.Debug().
		Str("task_id", task.ID).
		Str("tenant_id", task.TenantID).
		Str("priority", task.Priority.String()).
		Msg("task queued")
	return nil
}

// Run is the single dispatch loop. It waits for a free slot on the
// global semaphore, pops the highest-priority ready task, and spawns the
// execution. The slot is acquired before the pop so a queued task stays
// PENDING, and cancellable, until it can actually start. Returns when
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	log.Info().Int("max_concurrent", p.maxConcurrent).Msg("queue processor started")
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		task := p.pop()
		if task == nil {
			p.sem.Release(1)
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		go func(t *models.Task) {
			defer p.sem.Release(1)
			p.execute(ctx, t)
		}(task)
	}
}

// pop removes the next runnable task, dropping cancelled ones silently.
func (p *Processor) pop() *models.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.backlog.Len() > 0 {
		it := heap.Pop(&p.backlog).(*item)
		metrics.QueueDepth.Set(float64(p.backlog.Len()))
		if p.statuses[it.task.ID] == models.TaskCancelled {
			continue
		}
		p.statuses[it.task.ID] = models.TaskInProgress
		return it.task
	}
	return nil
}

// execute runs a task to its final result: provider selection, retry loop
// with exponential backoff, balancer and budget accounting.
func (p *Processor) execute(ctx context.Context, task *models.Task) {
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	providerName, err := p.balancer.SelectProvider(task)
	if err != nil {
		p.finish(task, failed(task, "", err.Error()))
		return
	}
	coord, ok := p.coordinators[providerName]
	if !ok {
		p.finish(task, failed(task, providerName, fmt.Sprintf("no coordinator for provider %s", providerName)))
		return
	}

	if p.monitor != nil && !p.monitor.CanProceed(task.TenantID, 0) {
		p.finish(task, failed(task, providerName, "budget exhausted for tenant"))
		return
	}

	p.balancer.RecordRequestStart(providerName)
	start := time.Now()

	var result *models.TaskResult
retries:
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoffBase << uint(attempt)
			log.Info().
				Str("task_id", task.ID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying task")
			select {
			case <-ctx.Done():
				result = failed(task, providerName, "execution cancelled during backoff")
				break retries
			case <-time.After(delay):
			}
		}
		result = coord.Execute(ctx, task)
		if result.Success {
			break
		}
	}
	result.ExecutionSecs = time.Since(start).Seconds()

	p.balancer.RecordRequestEnd(providerName, result.Success, result.Cost, result.ExecutionSecs, result.ErrorMessage)

	if p.monitor != nil {
		rec := models.SpendingRecord{
			TenantID:   task.TenantID,
			Provider:   result.ProviderUsed,
			TaskID:     task.ID,
			Cost:       result.Cost,
			TokensUsed: result.TokensUsed,
			TaskType:   task.Type,
			Success:    result.Success,
		}
		if err := p.monitor.RecordSpending(rec); err != nil {
			// The spend already happened upstream; a hard-stop rejection
			// here only means the tenant is now over its cap.
			log.Warn().Str("tenant_id", task.TenantID).Err(err).Msg("spending not recorded")
		} else if result.Success {
			metrics.SpendTotal.WithLabelValues(result.ProviderUsed).Add(result.Cost)
		}
	}

	p.finish(task, result)
}

// finish stores the final result exactly once and flips the status.
func (p *Processor) finish(task *models.Task, result *models.TaskResult) {
	p.mu.Lock()
	if p.statuses[task.ID] == models.TaskCancelled {
		// Cancel already released the waiters; discard the outcome.
		p.mu.Unlock()
		return
	}
	status := models.TaskCompleted
	if !result.Success {
		status = models.TaskFailed
	}
	p.statuses[task.ID] = status
	p.results[task.ID] = result
	ch := p.done[task.ID]
	p.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	metrics.TasksProcessed.WithLabelValues(string(status), result.ProviderUsed).Inc()

	evt := log.Info()
	if !result.Success {
		evt = log.Warn()
	}
	evt.
		Str("task_id", task.ID).
		Str("provider", result.ProviderUsed).
		Bool("success", result.Success).
		Float64("cost", result.Cost).
		Msg("task finished")
}

func failed(task *models.Task, providerName, msg string) *models.TaskResult {
	return &models.TaskResult{
		TaskID:       task.ID,
		TenantID:     task.TenantID,
		Success:      false,
		ProviderUsed: providerName,
		CompletedAt:  time.Now().UTC(),
		ErrorMessage: msg,
	}
}

// Cancel marks a PENDING task cancelled and releases anyone blocked in
// AwaitResult; the dispatch loop drops the task without executing it.
// Tasks already in progress, finished, or cancelled are left untouched
// and false is returned.
func (p *Processor) Cancel(taskID string) bool {
	p.mu.Lock()
	if p.statuses[taskID] != models.TaskPending {
		p.mu.Unlock()
		return false
	}
	p.statuses[taskID] = models.TaskCancelled
	ch := p.done[taskID]
	p.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	return true
}

// Status returns the current status of a task.
func (p *Processor) Status(taskID string) (models.TaskStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.statuses[taskID]
	return st, ok
}

// Result returns the final result of a task, when one exists.
func (p *Processor) Result(taskID string) (*models.TaskResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.results[taskID]
	return res, ok
}

// AwaitResult blocks until the task finishes or ctx expires.
func (p *Processor) AwaitResult(ctx context.Context, taskID string) (*models.TaskResult, error) {
	p.mu.Lock()
	ch, ok := p.done[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}

	res, ok := p.Result(taskID)
	if !ok {
		// Finished channel closed without a result: cancelled.
		return nil, fmt.Errorf("task %s cancelled", taskID)
	}
	return res, nil
}

// StatsSnapshot summarizes queue state for monitoring.
type StatsSnapshot struct {
	Backlog       int                       `json:"backlog"`
	ByStatus      map[models.TaskStatus]int `json:"by_status"`
	MaxConcurrent int                       `json:"max_concurrent"`
	SuccessRate   float64                   `json:"success_rate"`
}

// Stats reports backlog size, per-status counts, and the success rate
// over finished tasks.
func (p *Processor) Stats() StatsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := StatsSnapshot{
		Backlog:       p.backlog.Len(),
		ByStatus:      make(map[models.TaskStatus]int),
		MaxConcurrent: p.maxConcurrent,
	}
	completed, finished := 0, 0
	for _, st := range p.statuses {
		s.ByStatus[st]++
		switch st {
		case models.TaskCompleted:
			completed++
			finished++
		case models.TaskFailed:
			finished++
		}
	}
	if finished > 0 {
		s.SuccessRate = float64(completed) / float64(finished)
	} else {
		s.SuccessRate = 1.0
	}
	return s
}

// HealthCheck flags the queue unhealthy when the backlog exceeds 100
// pending tasks or the success rate drops below 80%.
type HealthStatus struct {
	Healthy     bool    `json:"healthy"`
	Backlog     int     `json:"backlog"`
	SuccessRate float64 `json:"success_rate"`
	Reason      string  `json:"reason,omitempty"`
}

func (p *Processor) HealthCheck() HealthStatus {
	stats := p.Stats()
	h := HealthStatus{Healthy: true, Backlog: stats.Backlog, SuccessRate: stats.SuccessRate}
	if stats.Backlog > unhealthyBacklog {
		h.Healthy = false
		h.Reason = "backlog above 100 pending tasks"
	} else if stats.SuccessRate < unhealthySuccessRate {
		h.Healthy = false
		h.Reason = "success rate below 80%"
	}
	return h
}
