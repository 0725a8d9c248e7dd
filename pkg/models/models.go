// Package models defines the core domain types for the startup factory
// orchestration core: tenant workflows, resource allocations, queued tasks,
// and budget tracking. All components share these types; behavior lives in
// the internal packages that own each concern.
package models

import (
	"time"
)

// ── Tenant ───────────────────────────────────────────────────

// TenantStatus is the lifecycle state of a tenant workflow.
// Transitions: INITIALIZING → ACTIVE → {COMPLETED, FAILED, CANCELLED}.
// The three right-hand states are terminal.
type TenantStatus string

const (
	TenantInitializing TenantStatus = "INITIALIZING"
	TenantActive       TenantStatus = "ACTIVE"
	TenantCompleted    TenantStatus = "COMPLETED"
	TenantFailed       TenantStatus = "FAILED"
	TenantCancelled    TenantStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s TenantStatus) IsTerminal() bool {
	return s == TenantCompleted || s == TenantFailed || s == TenantCancelled
}

// ResourceRequirements describes what a tenant needs before it can run.
type ResourceRequirements struct {
	MemoryMB        int     `json:"memory_mb"`
	CPUCores        float64 `json:"cpu_cores"`
	StorageGB       int     `json:"storage_gb"`
	PortCount       int     `json:"port_count"`
	APICallsPerHour int     `json:"api_calls_per_hour"`
	CostPerDay      float64 `json:"cost_per_day"`
}

// TenantConfig is the immutable creation-time configuration of a tenant.
// Name is unique case-insensitively across the manager.
type TenantConfig struct {
	Name         string                 `json:"name"`
	Industry     string                 `json:"industry"`
	Category     string                 `json:"category"`
	TemplateID   string                 `json:"template_id"`
	FounderInfo  map[string]interface{} `json:"founder_info,omitempty"`
	Requirements ResourceRequirements   `json:"requirements"`
	// StartCommand, when set, launches the materialized project's dev
	// server after generation.
	StartCommand []string `json:"start_command,omitempty"`
}

// TenantInstance is the live record of one tenant workflow. It is owned
// exclusively by the tenant manager and mutated only through its methods.
type TenantInstance struct {
	ID           string                 `json:"id"`
	Config       TenantConfig           `json:"config"`
	Status       TenantStatus           `json:"status"`
	Allocation   *ResourceAllocation    `json:"allocation,omitempty"`
	CurrentPhase int                    `json:"current_phase"`
	State        map[string]interface{} `json:"state,omitempty"`
	ErrorCount   int                    `json:"error_count"`
	LastError    string                 `json:"last_error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ── Resources ────────────────────────────────────────────────

// ProcessResources covers the work-directory/OS-process flavor of tenant
// execution. A tenant uses either logical resources (ports, memory,
// namespace), process resources, or both; the allocation carries whichever
// are in play.
type ProcessResources struct {
	WorkDir string `json:"work_dir"`
	PID     int    `json:"pid"`
}

// ResourceAllocation is the bundle of machine resources held by one tenant.
// Invariants maintained by the allocator: port sets of live allocations are
// pairwise disjoint, and the sum of live MemoryMB never exceeds the memory
// budget minus the safety margin.
type ResourceAllocation struct {
	TenantID    string            `json:"tenant_id"`
	MemoryMB    int               `json:"memory_mb"`
	CPUCores    float64           `json:"cpu_cores"`
	StorageGB   int               `json:"storage_gb"`
	Ports       []int             `json:"ports"`
	Namespace   string            `json:"namespace"`
	APIQuota    int               `json:"api_quota"`
	Process     *ProcessResources `json:"process,omitempty"`
	AllocatedAt time.Time         `json:"allocated_at"`
}

// ── Tasks ────────────────────────────────────────────────────

// TaskPriority orders tasks in the queue. Lower value dispatches first.
type TaskPriority int

const (
	PriorityHigh   TaskPriority = 1
	PriorityMedium TaskPriority = 2
	PriorityLow    TaskPriority = 3
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// TaskType drives the default provider routing table.
type TaskType string

const (
	TaskMarketResearch TaskType = "market_research"
	TaskBusinessPlan   TaskType = "business_plan"
	TaskCodeGeneration TaskType = "code_generation"
	TaskContentWriting TaskType = "content_writing"
	TaskAnalysis       TaskType = "analysis"
)

// TaskStatus is the queue-side lifecycle of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Task is one unit of work routed to an AI provider. Immutable once
// submitted to the queue.
type Task struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenant_id"`
	Type               TaskType               `json:"type"`
	Description        string                 `json:"description"`
	Prompt             string                 `json:"prompt"`
	Context            map[string]interface{} `json:"context,omitempty"`
	Priority           TaskPriority           `json:"priority"`
	MaxTokens          int                    `json:"max_tokens"`
	MaxRetries         int                    `json:"max_retries"`
	ProviderPreference string                 `json:"provider_preference,omitempty"`
}

// TaskResult is the final outcome of a task after all retries. Produced
// exactly once per task. Fields round-trip verbatim through persistence.
type TaskResult struct {
	TaskID        string    `json:"task_id"`
	TenantID      string    `json:"tenant_id"`
	Success       bool      `json:"success"`
	Content       string    `json:"content,omitempty"`
	Cost          float64   `json:"cost"`
	ProviderUsed  string    `json:"provider_used"`
	ExecutionSecs float64   `json:"execution_time_seconds"`
	TokensUsed    int       `json:"tokens_used"`
	QualityScore  *float64  `json:"quality_score,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// ── Budget ───────────────────────────────────────────────────

// BudgetLimit configures spend ceilings for one tenant. A nil window limit
// means that window is unconfigured. Overwritten wholesale by re-setting.
type BudgetLimit struct {
	TenantID     string   `json:"tenant_id"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	WeeklyLimit  *float64 `json:"weekly_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	TotalLimit   *float64 `json:"total_limit,omitempty"`
	// WarningThreshold is the fraction of a limit that raises a warning
	// alert, in (0, 1]. Zero means unset; the monitor substitutes its
	// default of 0.8.
	WarningThreshold float64   `json:"warning_threshold"`
	HardStop         bool      `json:"hard_stop"`
	CreatedAt        time.Time `json:"created_at"`
}

// SpendingRecord is one append-only ledger entry. Records are never mutated
// or deleted; only Success=true entries count toward limits and totals.
// Fields round-trip verbatim through persistence.
type SpendingRecord struct {
	TenantID   string    `json:"tenant_id"`
	Provider   string    `json:"provider"`
	TaskID     string    `json:"task_id"`
	Cost       float64   `json:"cost"`
	TokensUsed int       `json:"tokens_used"`
	Timestamp  time.Time `json:"timestamp"`
	TaskType   TaskType  `json:"task_type"`
	Success    bool      `json:"success"`
}

// AlertType distinguishes advisory warnings from limit breaches.
type AlertType string

const (
	AlertWarning       AlertType = "warning"
	AlertLimitExceeded AlertType = "limit_exceeded"
)

// BudgetAlert is delivered synchronously to every registered alert sink.
type BudgetAlert struct {
	TenantID       string    `json:"tenant_id"`
	Type           AlertType `json:"alert_type"`
	Message        string    `json:"message"`
	CurrentSpend   float64   `json:"current_spend"`
	LimitAmount    float64   `json:"limit_amount"`
	PercentageUsed float64   `json:"percentage_used"`
	Timestamp      time.Time `json:"timestamp"`
}

// Float64Ptr is a convenience for building optional budget limits.
func Float64Ptr(v float64) *float64 { return &v }
