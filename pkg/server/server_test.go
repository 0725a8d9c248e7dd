package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeanVibe/startup-factory-sub002/internal/config"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
	"github.com/LeanVibe/startup-factory-sub002/pkg/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:    0,
		Version: "test",
		Database: config.DatabaseConfig{
			DataDir: t.TempDir(),
		},
		Telemetry: config.TelemetryConfig{Enabled: false},
		Factory: config.FactoryConfig{
			MaxConcurrentTenants: 3,
			PhaseTimeoutSecs:     10,
			OutputDir:            t.TempDir(),
		},
		Queue:     config.QueueConfig{MaxConcurrentTasks: 5},
		Allocator: config.AllocatorConfig{BasePort: 18000, PortRange: 100, MemoryBudgetMB: 4096, SafetyMarginMB: 256},
		Budget:    config.BudgetConfig{DefaultDailyLimit: 50.0, WarningThreshold: 0.8},
		Providers: []config.ProviderConfig{
			{Name: "stub", Kind: "static", CostPer1KTok: 0.01, MaxConcurrent: 5},
		},
	}
}

// TestFactoryEndToEnd drives the full HTTP surface against a factory
// wired with the static provider.
func TestFactoryEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, testConfig(t))
	require.NoError(t, err)
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	// Create a tenant.
	body, _ := json.Marshal(models.TenantConfig{
		Name:     "integration-co",
		Industry: "logistics",
		Requirements: models.ResourceRequirements{
			MemoryMB:   512,
			PortCount:  2,
			CostPerDay: 25.0,
		},
	})
	resp, err := http.Post(ts.URL+"/api/v1/tenants", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.TenantInstance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEmpty(t, created.ID)
	require.Len(t, created.Allocation.Ports, 2)

	// The lifecycle runs in the background; poll until COMPLETED.
	require.Eventually(t, func() bool {
		inst := getTenant(t, ts.URL, created.ID)
		return inst.Status == models.TenantCompleted
	}, 10*time.Second, 50*time.Millisecond, "tenant never completed")

	// Spending from the phases is visible in the budget surface.
	resp, err = http.Get(fmt.Sprintf("%s/api/v1/tenants/%s/budget", ts.URL, created.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var budgetResp struct {
		Status struct {
			TenantID string `json:"tenant_id"`
		} `json:"status"`
		Summary struct {
			TotalSpend float64 `json:"total_spend"`
			CallCount  int     `json:"call_count"`
		} `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&budgetResp))
	resp.Body.Close()
	require.Greater(t, budgetResp.Summary.CallCount, 0)

	// Resource usage reports the allocation.
	resp, err = http.Get(ts.URL + "/api/v1/resources")
	require.NoError(t, err)
	var usage struct {
		TenantCount int `json:"tenant_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	resp.Body.Close()
	require.Equal(t, 1, usage.TenantCount)

	// Health and version respond.
	for _, path := range []string{"/health", "/version", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	// Delete the tenant and confirm it is gone.
	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/tenants/%s", ts.URL, created.ID), nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/tenants/%s", ts.URL, created.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTaskSubmissionOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, testConfig(t))
	require.NoError(t, err)
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	body, _ := json.Marshal(models.Task{
		TenantID:    "external",
		Type:        models.TaskAnalysis,
		Description: "ad-hoc analysis",
		Prompt:      "analyze the market",
	})
	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	require.NotEmpty(t, accepted.TaskID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/tasks/" + accepted.TaskID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var task struct {
			Status models.TaskStatus `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return false
		}
		return task.Status == models.TaskCompleted
	}, 5*time.Second, 50*time.Millisecond, "task never completed")

	// Submitting without a prompt is rejected.
	bad, _ := json.Marshal(models.Task{TenantID: "external", Description: "no prompt"})
	resp, err = http.Post(ts.URL+"/api/v1/tasks", "application/json", bytes.NewReader(bad))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func getTenant(t *testing.T, baseURL, id string) *models.TenantInstance {
	t.Helper()
	resp, err := http.Get(baseURL + "/api/v1/tenants/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inst models.TenantInstance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	return &inst
}
