package router_test

import (
	"context"
	"testing"

	"github.com/LeanVibe/startup-factory-sub002/internal/provider"
	"github.com/LeanVibe/startup-factory-sub002/internal/router"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

func newTestBalancer(t *testing.T) *router.Balancer {
	t.Helper()
	return router.NewBalancer(map[string]int{
		"openai":     2,
		"anthropic":  2,
		"perplexity": 2,
	})
}

func TestSelectProviderHonorsPreference(t *testing.T) {
	b := newTestBalancer(t)

	got, err := b.SelectProvider(&models.Task{Type: models.TaskAnalysis, ProviderPreference: "perplexity"})
	if err != nil {
		t.Fatalf("SelectProvider() error = %v", err)
	}
	if got != "perplexity" {
		t.Errorf("SelectProvider() = %q, want perplexity", got)
	}
}

func TestSelectProviderDefaultRoute(t *testing.T) {
	b := newTestBalancer(t)

	cases := map[models.TaskType]string{
		models.TaskMarketResearch: "perplexity",
		models.TaskBusinessPlan:   "anthropic",
		models.TaskContentWriting: "openai",
	}
	for taskType, want := range cases {
		got, err := b.SelectProvider(&models.Task{Type: taskType})
		if err != nil {
			t.Fatalf("SelectProvider(%s) error = %v", taskType, err)
		}
		if got != want {
			t.Errorf("SelectProvider(%s) = %q, want %q", taskType, got, want)
		}
	}
}

func TestSelectProviderSaturatedDefaultFallsBack(t *testing.T) {
	b := newTestBalancer(t)

	// Saturate anthropic (limit 2).
	b.RecordRequestStart("anthropic")
	b.RecordRequestStart("anthropic")

	got, err := b.SelectProvider(&models.Task{Type: models.TaskBusinessPlan})
	if err != nil {
		t.Fatalf("SelectProvider() error = %v", err)
	}
	if got == "anthropic" {
		t.Error("SelectProvider() picked the saturated default provider")
	}
}

func TestSelectProviderPrefersLowErrorRate(t *testing.T) {
	b := newTestBalancer(t)

	// openai: 1/2 failures; perplexity: all good. Saturate anthropic so
	// the business_plan default cannot win.
	b.RecordRequestStart("anthropic")
	b.RecordRequestStart("anthropic")

	for i := 0; i < 2; i++ {
		b.RecordRequestStart("openai")
	}
	b.RecordRequestEnd("openai", true, 0.01, 1.0, "")
	b.RecordRequestEnd("openai", false, 0, 1.0, "boom")

	for i := 0; i < 2; i++ {
		b.RecordRequestStart("perplexity")
		b.RecordRequestEnd("perplexity", true, 0.01, 1.0, "")
	}

	got, err := b.SelectProvider(&models.Task{Type: models.TaskBusinessPlan})
	if err != nil {
		t.Fatalf("SelectProvider() error = %v", err)
	}
	if got != "perplexity" {
		t.Errorf("SelectProvider() = %q, want perplexity (lowest error rate)", got)
	}
}

func TestSelectProviderOversubscribesWhenAllSaturated(t *testing.T) {
	b := router.NewBalancer(map[string]int{"openai": 1, "anthropic": 1})
	b.RecordRequestStart("openai")
	b.RecordRequestStart("anthropic")
	b.RecordRequestStart("anthropic")

	got, err := b.SelectProvider(&models.Task{Type: models.TaskAnalysis})
	if err != nil {
		t.Fatalf("SelectProvider() error = %v", err)
	}
	if got != "openai" {
		t.Errorf("SelectProvider() = %q, want openai (lowest global load)", got)
	}
}

func TestRollingStats(t *testing.T) {
	b := newTestBalancer(t)

	b.RecordRequestStart("openai")
	b.RecordRequestEnd("openai", true, 0.05, 2.0, "")
	b.RecordRequestStart("openai")
	b.RecordRequestEnd("openai", false, 0, 4.0, "timeout")

	st := b.ProviderStats()["openai"]
	if st.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", st.TotalRequests)
	}
	if st.ErrorRate != 0.5 {
		t.Errorf("ErrorRate = %v, want 0.5", st.ErrorRate)
	}
	if st.AvgResponseSecs != 3.0 {
		t.Errorf("AvgResponseSecs = %v, want 3.0", st.AvgResponseSecs)
	}
	if st.LastError != "timeout" {
		t.Errorf("LastError = %q, want timeout", st.LastError)
	}
	if st.CurrentLoad != 0 {
		t.Errorf("CurrentLoad = %d, want 0", st.CurrentLoad)
	}
}

func TestCoordinatorAlwaysReturnsResult(t *testing.T) {
	failing := &provider.StaticClient{ProviderName: "openai", FailAlways: true, FailMessage: "rate limited"}
	c := router.NewCoordinator(failing)

	res := c.Execute(context.Background(), &models.Task{ID: "task-1", TenantID: "t1"})
	if res == nil {
		t.Fatal("Execute() returned nil result")
	}
	if res.Success {
		t.Error("Success = true for failing provider")
	}
	if res.ErrorMessage != "rate limited" {
		t.Errorf("ErrorMessage = %q, want rate limited", res.ErrorMessage)
	}
	if res.ProviderUsed != "openai" {
		t.Errorf("ProviderUsed = %q, want openai", res.ProviderUsed)
	}
	if len(c.ActiveTasks()) != 0 {
		t.Errorf("ActiveTasks() = %v, want empty after completion", c.ActiveTasks())
	}
}
