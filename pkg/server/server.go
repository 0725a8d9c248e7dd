// Package server is the public entry point for composing the startup
// factory. It wires every component together from configuration and
// returns a ready HTTP handler, so alternative binaries and integration
// tests can embed the whole factory without duplicating the wiring.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/internal/allocator"
	"github.com/LeanVibe/startup-factory-sub002/internal/api"
	"github.com/LeanVibe/startup-factory-sub002/internal/api/handlers"
	"github.com/LeanVibe/startup-factory-sub002/internal/budget"
	"github.com/LeanVibe/startup-factory-sub002/internal/config"
	"github.com/LeanVibe/startup-factory-sub002/internal/metrics"
	"github.com/LeanVibe/startup-factory-sub002/internal/notify"
	"github.com/LeanVibe/startup-factory-sub002/internal/process"
	"github.com/LeanVibe/startup-factory-sub002/internal/provider"
	"github.com/LeanVibe/startup-factory-sub002/internal/queue"
	"github.com/LeanVibe/startup-factory-sub002/internal/router"
	"github.com/LeanVibe/startup-factory-sub002/internal/store"
	"github.com/LeanVibe/startup-factory-sub002/internal/telemetry"
	"github.com/LeanVibe/startup-factory-sub002/internal/tenant"
	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// Server holds the initialized factory.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Manager drives tenant lifecycles.
	Manager *tenant.Manager

	// Store is the tenant state store.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and stops the queue loop.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and initializes the
// factory.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the factory with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	metrics.Init()

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	alloc := allocator.New(allocator.Options{
		BasePort:       cfg.Allocator.BasePort,
		PortRange:      cfg.Allocator.PortRange,
		MemoryBudgetMB: cfg.Allocator.MemoryBudgetMB,
		SafetyMarginMB: cfg.Allocator.SafetyMarginMB,
	})

	monitor := budget.NewMonitor()
	monitor.RegisterAlertSink(budget.AlertSinkFunc(logAlert))
	if cfg.Budget.AlertWebhookURL != "" {
		monitor.RegisterAlertSink(notify.NewWebhookSink(cfg.Budget.AlertWebhookURL, cfg.Budget.AlertWebhookSecret))
		log.Info().Str("url", cfg.Budget.AlertWebhookURL).Msg("budget alert webhook registered")
	}

	balancer, coordinators, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	processor := queue.NewProcessor(balancer, coordinators, monitor, queue.Options{
		MaxConcurrent: cfg.Queue.MaxConcurrentTasks,
	})
	queueCtx, queueCancel := context.WithCancel(context.Background())
	go processor.Run(queueCtx)

	manager := tenant.NewManager(alloc, processor, monitor, dataStore, tenant.Options{
		MaxConcurrent:     cfg.Factory.MaxConcurrentTenants,
		PhaseTimeout:      time.Duration(cfg.Factory.PhaseTimeoutSecs) * time.Second,
		OutputDir:         cfg.Factory.OutputDir,
		DefaultDailyLimit: cfg.Budget.DefaultDailyLimit,
		WarningThreshold:  cfg.Budget.WarningThreshold,
		Supervisor:        process.NewSupervisor(),
	})

	if err := manager.Restore(ctx); err != nil {
		queueCancel()
		return nil, fmt.Errorf("restore tenants: %w", err)
	}

	h := handlers.New(manager, alloc, monitor, processor, balancer, dataStore, cfg.Version)

	srv := &Server{
		Handler: api.NewRouter(h),
		Manager: manager,
		Store:   dataStore,
		Port:    cfg.Port,
	}
	srv.ShutdownFunc = func(ctx context.Context) error {
		queueCancel()
		return telemetryShutdown(ctx)
	}
	return srv, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	}
	s, err := store.NewFileBackedStore(cfg.Database.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init file store: %w", err)
	}
	log.Info().Str("data_dir", cfg.Database.DataDir).Msg("file-backed store initialized")
	return s, nil
}

func buildProviders(cfg *config.Config) (*router.Balancer, []*router.Coordinator, error) {
	limits := make(map[string]int, len(cfg.Providers))
	coords := make([]*router.Coordinator, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		client, err := buildClient(pc)
		if err != nil {
			return nil, nil, err
		}
		limits[pc.Name] = pc.MaxConcurrent
		coords = append(coords, router.NewCoordinator(client))
		log.Info().
			Str("provider", pc.Name).
			Str("kind", pc.Kind).
			Str("model", pc.Model).
			Msg("provider registered")
	}
	return router.NewBalancer(limits), coords, nil
}

func buildClient(pc config.ProviderConfig) (provider.Client, error) {
	apiKey := os.Getenv(pc.APIKeyEnv)
	switch pc.Kind {
	case "openai":
		return provider.NewOpenAIClient(pc.Name, pc.Endpoint, apiKey, pc.Model, pc.CostPer1KTok), nil
	case "anthropic":
		return provider.NewAnthropicClient(pc.Name, pc.Endpoint, apiKey, pc.Model, pc.CostPer1KTok), nil
	case "static":
		return &provider.StaticClient{
			ProviderName: pc.Name,
			Content:      "static response",
			CostPerCall:  pc.CostPer1KTok,
			TokensUsed:   100,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q for %s", pc.Kind, pc.Name)
	}
}

func logAlert(alert models.BudgetAlert) {
	evt := log.Warn()
	if alert.Type == models.AlertLimitExceeded {
		evt = log.Error()
	}
	evt.
		Str("tenant_id", alert.TenantID).
		Str("type", string(alert.Type)).
		Float64("current_spend", alert.CurrentSpend).
		Float64("limit", alert.LimitAmount).
		Msg(alert.Message)
}
