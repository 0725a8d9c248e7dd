// Package handlers implements the HTTP handlers for the startup factory.
// All handlers go through the orchestration components injected at
// construction; nothing reaches global state.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/internal/allocator"
	"github.com/LeanVibe/startup-factory-sub002/internal/budget"
	"github.com/LeanVibe/startup-factory-sub002/internal/process"
	"github.com/LeanVibe/startup-factory-sub002/internal/queue"
	"github.com/LeanVibe/startup-factory-sub002/internal/router"
	"github.com/LeanVibe/startup-factory-sub002/internal/store"
	"github.com/LeanVibe/startup-factory-sub002/internal/tenant"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Manager   *tenant.Manager
	Allocator *allocator.Allocator
	Monitor   *budget.Monitor
	Queue     *queue.Processor
	Balancer  *router.Balancer
	Store     store.Store
	Version   string
}

// New creates a Handlers instance with all dependencies.
func New(m *tenant.Manager, al *allocator.Allocator, mon *budget.Monitor, q *queue.Processor, b *router.Balancer, st store.Store, version string) *Handlers {
	return &Handlers{
		Manager:   m,
		Allocator: al,
		Monitor:   mon,
		Queue:     q,
		Balancer:  b,
		Store:     st,
		Version:   version,
	}
}

// ── Tenant handlers ──────────────────────────────────────────

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var cfg models.TenantConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inst, err := h.Manager.CreateTenant(r.Context(), cfg)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrInvalidConfig):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, tenant.ErrConcurrencyLimit):
			respondError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, allocator.ErrInsufficientResources):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Manager.ListTenants())
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Manager.GetTenant(chi.URLParam(r, "tenantID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := h.Manager.DeleteTenant(r.Context(), id); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CancelTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := h.Manager.CancelTenant(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, tenant.ErrNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, tenant.ErrTerminal):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.TenantCancelled)})
}

func (h *Handlers) TenantLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if _, err := h.Manager.GetTenant(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	logs := h.Manager.ProcessLogs(id, n)
	if logs == nil {
		logs = []process.LogEntry{}
	}
	respondJSON(w, http.StatusOK, logs)
}

// ── Task handlers ────────────────────────────────────────────

func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == 0 {
		task.Priority = models.PriorityMedium
	}

	if err := h.Queue.Submit(&task); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("task_id", task.ID).Str("tenant_id", task.TenantID).Msg("task accepted")
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	status, ok := h.Queue.Status(id)
	if !ok {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	resp := map[string]interface{}{"task_id": id, "status": status}
	if result, ok := h.Queue.Result(id); ok {
		resp["result"] = result
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, ok := h.Queue.Status(id); !ok {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if !h.Queue.Cancel(id) {
		respondError(w, http.StatusConflict, "task is not pending")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.TaskCancelled)})
}

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Queue.Stats())
}

// ── Budget handlers ──────────────────────────────────────────

func (h *Handlers) SetBudgetLimit(w http.ResponseWriter, r *http.Request) {
	var limit models.BudgetLimit
	if err := json.NewDecoder(r.Body).Decode(&limit); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit.TenantID = chi.URLParam(r, "tenantID")
	if err := h.Monitor.SetLimit(limit); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, limit)
}

func (h *Handlers) TenantBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  h.Monitor.BudgetStatus(id),
		"summary": h.Monitor.SpendingSummary(id),
	})
}

func (h *Handlers) GlobalBudget(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Monitor.GlobalBudgetStatus())
}

func (h *Handlers) BudgetReport(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Monitor.ExportReport())
}

func (h *Handlers) BudgetAlerts(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins <= 0 {
			respondError(w, http.StatusBadRequest, "window_minutes must be a positive integer")
			return
		}
		window = time.Duration(mins) * time.Minute
	}
	alerts := h.Monitor.RecentAlerts(window)
	if alerts == nil {
		alerts = []models.BudgetAlert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

// ── Resource and provider handlers ───────────────────────────

func (h *Handlers) ResourceUsage(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Allocator.ResourceUsage())
}

func (h *Handlers) ProviderStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Balancer.ProviderStats())
}

// ── Health ───────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	allocHealth := h.Allocator.HealthCheck()
	queueHealth := h.Queue.HealthCheck()
	storeErr := h.Store.Ping(r.Context())

	healthy := allocHealth.Healthy && queueHealth.Healthy && storeErr == nil
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	resp := map[string]interface{}{
		"healthy":   healthy,
		"allocator": allocHealth,
		"queue":     queueHealth,
	}
	if storeErr != nil {
		resp["store_error"] = storeErr.Error()
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
