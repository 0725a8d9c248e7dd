// Package budget tracks third-party spend per tenant and enforces
// configurable hard and soft limits. A single mutex serializes every
// operation so the check-then-append step is atomic: for a hard-stop
// tenant the sum of successful spend can never exceed the limit, no
// matter how many writers race.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// ErrBudgetExceeded is returned when a hard-stop limit would be breached.
// The record is not appended in that case.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrInvalidInput covers rejected parameters before any side effect.
var ErrInvalidInput = errors.New("invalid input")

// Spend windows are trailing, measured backward from now — not
// calendar-aligned periods.
const (
	windowDaily   = 24 * time.Hour
	windowWeekly  = 7 * 24 * time.Hour
	windowMonthly = 30 * 24 * time.Hour
)

// DefaultDailyLimit applies when SetLimit is called with no daily limit.
const DefaultDailyLimit = 50.0

// DefaultWarningThreshold triggers a warning alert at 80% of a limit.
const DefaultWarningThreshold = 0.8

// AlertSink receives every alert the monitor emits, synchronously and in
// registration order. A panicking sink is isolated and logged; it never
// blocks other sinks or the spending operation.
type AlertSink interface {
	Handle(alert models.BudgetAlert)
}

// AlertSinkFunc adapts a plain function to the AlertSink interface.
type AlertSinkFunc func(models.BudgetAlert)

func (f AlertSinkFunc) Handle(alert models.BudgetAlert) { f(alert) }

// Monitor is the budget ledger and limit enforcer.
type Monitor struct {
	mu      sync.Mutex
	limits  map[string]*models.BudgetLimit
	records []models.SpendingRecord // append-only
	alerts  []models.BudgetAlert    // append-only
	sinks   []AlertSink

	now func() time.Time // injectable clock for tests
}

// NewMonitor creates an empty budget monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		limits: make(map[string]*models.BudgetLimit),
		now:    time.Now,
	}
}

// SetClock replaces the monitor's clock. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetLimit validates and installs a budget limit for a tenant, replacing
// any prior limit wholesale. A zero WarningThreshold means unset and
// selects DefaultWarningThreshold.
func (m *Monitor) SetLimit(limit models.BudgetLimit) error {
	if limit.TenantID == "" {
		return fmt.Errorf("%w: tenant id is empty", ErrInvalidInput)
	}
	for name, l := range map[string]*float64{
		"daily": limit.DailyLimit, "weekly": limit.WeeklyLimit,
		"monthly": limit.MonthlyLimit, "total": limit.TotalLimit,
	} {
		if l != nil && *l < 0 {
			return fmt.Errorf("%w: %s limit is negative", ErrInvalidInput, name)
		}
	}
	if limit.WarningThreshold < 0 || limit.WarningThreshold > 1 {
		return fmt.Errorf("%w: warning threshold %v outside [0,1]", ErrInvalidInput, limit.WarningThreshold)
	}
	if limit.WarningThreshold == 0 {
		limit.WarningThreshold = DefaultWarningThreshold
	}
	if limit.DailyLimit == nil && limit.WeeklyLimit == nil && limit.MonthlyLimit == nil && limit.TotalLimit == nil {
		limit.DailyLimit = models.Float64Ptr(DefaultDailyLimit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	limit.CreatedAt = m.now().UTC()
	m.limits[limit.TenantID] = &limit

	log.Info().
		Str("tenant_id", limit.TenantID).
		Bool("hard_stop", limit.HardStop).
		Msg("budget limit set")
	return nil
}

// window pairs a configured limit with its trailing duration. A zero
// duration means all-time.
type window struct {
	name  string
	limit float64
	span  time.Duration
}

// configuredWindows lists the windows a limit actually configures.
func configuredWindows(l *models.BudgetLimit) []window {
	var ws []window
	if l.DailyLimit != nil {
		ws = append(ws, window{"daily", *l.DailyLimit, windowDaily})
	}
	if l.WeeklyLimit != nil {
		ws = append(ws, window{"weekly", *l.WeeklyLimit, windowWeekly})
	}
	if l.MonthlyLimit != nil {
		ws = append(ws, window{"monthly", *l.MonthlyLimit, windowMonthly})
	}
	if l.TotalLimit != nil {
		ws = append(ws, window{"total", *l.TotalLimit, 0})
	}
	return ws
}

// spentInWindow sums successful spend for a tenant inside the trailing
// window. Caller must hold mu.
func (m *Monitor) spentInWindow(tenantID string, span time.Duration) float64 {
	var cutoff time.Time
	if span > 0 {
		cutoff = m.now().Add(-span)
	}
	var sum float64
	for i := range m.records {
		r := &m.records[i]
		if r.TenantID != tenantID || !r.Success {
			continue
		}
		if span > 0 && r.Timestamp.Before(cutoff) {
			continue
		}
		sum += r.Cost
	}
	return sum
}

// RecordSpending appends a ledger entry, enforcing limits for successful
// spend. Failed provider calls (Success=false) are recorded unconditionally
// and never count toward any limit. The hard-stop path rejects the record
// entirely, leaving no trace.
func (m *Monitor) RecordSpending(rec models.SpendingRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("%w: tenant id is empty", ErrInvalidInput)
	}
	if rec.Cost < 0 {
		return fmt.Errorf("%w: cost is negative", ErrInvalidInput)
	}
	if rec.TokensUsed < 0 {
		return fmt.Errorf("%w: tokens used is negative", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now().UTC()
	}

	if !rec.Success {
		m.records = append(m.records, rec)
		return nil
	}

	limit, hasLimit := m.limits[rec.TenantID]
	if !hasLimit {
		m.records = append(m.records, rec)
		return nil
	}

	var breached *window
	var warned *window
	var breachedSpend, warnedSpend float64
	for _, w := range configuredWindows(limit) {
		prospective := m.spentInWindow(rec.TenantID, w.span) + rec.Cost
		if prospective > w.limit {
			if breached == nil {
				cw := w
				breached = &cw
				breachedSpend = prospective
			}
			continue
		}
		if prospective >= limit.WarningThreshold*w.limit && warned == nil {
			cw := w
			warned = &cw
			warnedSpend = prospective
		}
	}

	if breached != nil {
		if limit.HardStop {
			return fmt.Errorf("%w: tenant %s %s limit %.2f would reach %.2f",
				ErrBudgetExceeded, rec.TenantID, breached.name, breached.limit, breachedSpend)
		}
		m.records = append(m.records, rec)
		m.emitAlert(models.BudgetAlert{
			TenantID:       rec.TenantID,
			Type:           models.AlertLimitExceeded,
			Message:        fmt.Sprintf("tenant %s exceeded %s limit of %.2f", rec.TenantID, breached.name, breached.limit),
			CurrentSpend:   breachedSpend,
			LimitAmount:    breached.limit,
			PercentageUsed: percentage(breachedSpend, breached.limit),
			Timestamp:      m.now().UTC(),
		})
		return nil
	}

	m.records = append(m.records, rec)
	if warned != nil {
		m.emitAlert(models.BudgetAlert{
			TenantID:       rec.TenantID,
			Type:           models.AlertWarning,
			Message:        fmt.Sprintf("tenant %s approaching %s limit of %.2f", rec.TenantID, warned.name, warned.limit),
			CurrentSpend:   warnedSpend,
			LimitAmount:    warned.limit,
			PercentageUsed: percentage(warnedSpend, warned.limit),
			Timestamp:      m.now().UTC(),
		})
	}
	return nil
}

func percentage(spend, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return spend / limit * 100.0
}

// emitAlert records an alert and fans it out to every sink, each inside
// its own recover boundary. Caller must hold mu.
func (m *Monitor) emitAlert(alert models.BudgetAlert) {
	m.alerts = append(m.alerts, alert)
	for _, sink := range m.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("tenant_id", alert.TenantID).
						Interface("panic", r).
						Msg("alert sink panicked")
				}
			}()
			sink.Handle(alert)
		}()
	}
}

// RegisterAlertSink adds a sink invoked for every subsequent alert.
func (m *Monitor) RegisterAlertSink(sink AlertSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// CanProceed is the read-only twin of the RecordSpending limit check.
// True when no limit is configured for the tenant.
func (m *Monitor) CanProceed(tenantID string, estimatedCost float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limits[tenantID]
	if !ok {
		return true
	}
	for _, w := range configuredWindows(limit) {
		if m.spentInWindow(tenantID, w.span)+estimatedCost > w.limit {
			return false
		}
	}
	return true
}

// RemainingBudget returns max(0, dailyLimit − dailySpend), or +Inf when
// the tenant has no daily limit.
func (m *Monitor) RemainingBudget(tenantID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limits[tenantID]
	if !ok || limit.DailyLimit == nil {
		return math.Inf(1)
	}
	remaining := *limit.DailyLimit - m.spentInWindow(tenantID, windowDaily)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Status reports one tenant's spend against its configured windows.
type Status struct {
	TenantID     string             `json:"tenant_id"`
	HasLimit     bool               `json:"has_limit"`
	HardStop     bool               `json:"hard_stop"`
	WindowSpend  map[string]float64 `json:"window_spend"`
	WindowLimits map[string]float64 `json:"window_limits"`
	TotalSpend   float64            `json:"total_spend"`
}

// BudgetStatus is a read-only per-tenant aggregation.
func (m *Monitor) BudgetStatus(tenantID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		TenantID:     tenantID,
		WindowSpend:  make(map[string]float64),
		WindowLimits: make(map[string]float64),
		TotalSpend:   m.spentInWindow(tenantID, 0),
	}
	limit, ok := m.limits[tenantID]
	if !ok {
		return st
	}
	st.HasLimit = true
	st.HardStop = limit.HardStop
	for _, w := range configuredWindows(limit) {
		st.WindowSpend[w.name] = m.spentInWindow(tenantID, w.span)
		st.WindowLimits[w.name] = w.limit
	}
	return st
}

// Summary breaks a tenant's successful spend down by provider and task
// type and reports the call success rate.
type Summary struct {
	TenantID    string              `json:"tenant_id"`
	TotalSpend  float64             `json:"total_spend"`
	TotalTokens int                 `json:"total_tokens"`
	ByProvider  map[string]float64  `json:"by_provider"`
	ByTaskType  map[string]float64  `json:"by_task_type"`
	CallCount   int                 `json:"call_count"`
	SuccessRate float64             `json:"success_rate"`
}

// SpendingSummary is a read-only aggregation over the ledger.
func (m *Monitor) SpendingSummary(tenantID string) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		TenantID:   tenantID,
		ByProvider: make(map[string]float64),
		ByTaskType: make(map[string]float64),
	}
	successes := 0
	for i := range m.records {
		r := &m.records[i]
		if r.TenantID != tenantID {
			continue
		}
		s.CallCount++
		if !r.Success {
			continue
		}
		successes++
		s.TotalSpend += r.Cost
		s.TotalTokens += r.TokensUsed
		s.ByProvider[r.Provider] += r.Cost
		s.ByTaskType[string(r.TaskType)] += r.Cost
	}
	if s.CallCount > 0 {
		s.SuccessRate = float64(successes) / float64(s.CallCount)
	}
	return s
}

// GlobalStatus aggregates spend across every tenant.
type GlobalStatus struct {
	TotalSpend    float64            `json:"total_spend"`
	ActiveTenants int                `json:"active_tenants"`
	ByProvider    map[string]float64 `json:"by_provider"`
	AlertCount    int                `json:"alert_count"`
}

// GlobalBudgetStatus reports factory-wide totals.
func (m *Monitor) GlobalBudgetStatus() GlobalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := GlobalStatus{ByProvider: make(map[string]float64)}
	tenants := make(map[string]struct{})
	for i := range m.records {
		r := &m.records[i]
		tenants[r.TenantID] = struct{}{}
		if !r.Success {
			continue
		}
		g.TotalSpend += r.Cost
		g.ByProvider[r.Provider] += r.Cost
	}
	g.ActiveTenants = len(tenants)
	g.AlertCount = len(m.alerts)
	return g
}

/// Report is a full spending export: per-tenant summaries sorted by spend.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Global      GlobalStatus `json:"global"`
	Tenants     []Summary    `json:"tenants"`
}

// ExportReport builds a point-in-time spending report.
func (m *Monitor) ExportReport() Report {
	m.mu.Lock()
	ids := make(map[string]struct{})
	for i := range m.records {
		ids[m.records[i].TenantID] = struct{}{}
	}
	now := m.now().UTC()
	m.mu.Unlock()

	rep := Report{GeneratedAt: now, Global: m.GlobalBudgetStatus()}
	for id := range ids {
		rep.Tenants = append(rep.Tenants, m.SpendingSummary(id))
	}
	sort.Slice(rep.Tenants, func(i, j int) bool {
		return rep.Tenants[i].TotalSpend > rep.Tenants[j].TotalSpend
	})
	return rep
}

// RecentAlerts returns alerts newer than the given window.
func (m *Monitor) RecentAlerts(window time.Duration) []models.BudgetAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	var out []models.BudgetAlert
	for _, a := range m.alerts {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}
