// Kite - Real-time transaction fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kite/internal/api"
	"github.com/opensource-finance/kite/internal/bus"
	"github.com/opensource-finance/kite/internal/cache"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/ledger"
	"github.com/opensource-finance/kite/internal/model"
	"github.com/opensource-finance/kite/internal/pipeline"
	"github.com/opensource-finance/kite/internal/query"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/rules"
	"github.com/opensource-finance/kite/internal/settings"
	"github.com/opensource-finance/kite/internal/velocity"
	"github.com/opensource-finance/kite/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KITE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kite",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := loadConfig()

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model_endpoint", cfg.ModelEndpoint != "",
		"case_management", cfg.CaseManagementEndpoint != "",
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize detection settings store
	store := settings.NewStore(cfg.Detection, logger)
	slog.Info("detection settings loaded",
		"fraud_threshold", cfg.Detection.FraudThreshold,
		"alert_threshold", cfg.Detection.AlertThreshold,
	)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(rules.DefaultConfig())
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load custom rules from database (no hardcoded customs - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "custom_rules", engine.RulesCount())

	// Initialize velocity store, warming windows from persisted history
	velocityStore := velocity.NewStore()
	warmVelocity(ctx, repo, velocityStore, tenantList())

	// Initialize model scorer. An empty endpoint disables AI scoring.
	var scorer domain.ModelScorer
	if cfg.ModelEndpoint != "" {
		scorer = model.NewTimeoutScorer(model.NewHTTPScorer(cfg.ModelEndpoint), 0)
		slog.Info("model scorer initialized", "endpoint", cfg.ModelEndpoint)
	} else if os.Getenv("KITE_STUB_SCORER") == "true" {
		scorer = model.NewStubScorer()
		slog.Info("stub model scorer enabled")
	} else {
		slog.Info("no model endpoint configured, detection runs rule-only")
	}

	// Initialize detection pipeline
	pipe := pipeline.New(repo, cacheImpl, busImpl, velocityStore, engine, scorer, store, logger)

	// Initialize fraud report ledger
	var notifier ledger.Notifier
	if cfg.CaseManagementEndpoint != "" {
		notifier = ledger.NewHTTPNotifier(cfg.CaseManagementEndpoint)
		slog.Info("case management notifier initialized", "endpoint", cfg.CaseManagementEndpoint)
	}
	reportLedger := ledger.New(repo, busImpl, notifier, logger)

	// Initialize query service
	querySvc := query.New(repo, store)

	// Initialize async ingest worker
	var asyncWorker *worker.Worker
	if os.Getenv("KITE_ASYNC_WORKER") != "false" {
		asyncWorker = worker.NewWorker(busImpl, pipe)

		workerCfg := worker.Config{
			TenantIDs: tenantList(),
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, pipe, reportLedger, querySvc, store, engine, repo, cacheImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kite is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kite shutdown complete")
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// loadConfig builds the configuration from defaults plus KITE_*
// environment overrides. KITE_MODE=cluster switches to the
// PostgreSQL/Redis/NATS stack.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("KITE_MODE") == "cluster" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}

	if v := os.Getenv("KITE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KITE_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KITE_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KITE_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KITE_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KITE_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KITE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KITE_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KITE_MODEL_ENDPOINT"); v != "" {
		cfg.ModelEndpoint = v
	}
	if v := os.Getenv("KITE_CASE_MANAGEMENT_ENDPOINT"); v != "" {
		cfg.CaseManagementEndpoint = v
	}

	return cfg
}

// tenantList parses the comma-separated KITE_TENANTS variable.
func tenantList() []string {
	raw := os.Getenv("KITE_TENANTS")
	if raw == "" {
		return nil
	}
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

// loadRulesFromDatabase loads custom rules from the database into the
// engine. Customs are configured via POST /rules - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with built-ins only - customs can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /rules API")
	return nil
}

// warmVelocity replays recent transaction history into the velocity
// windows so restarts do not blind the velocity rule.
func warmVelocity(ctx context.Context, repo domain.Repository, store *velocity.Store, tenants []string) {
	for _, tenant := range tenants {
		views, err := repo.ListTransactionViews(ctx, tenant, domain.TransactionFilter{
			StartDate: time.Now().Add(-24 * time.Hour),
		}, domain.Page{Limit: 10000})
		if err != nil {
			slog.Warn("failed to warm velocity windows", "tenant_id", tenant, "error", err)
			continue
		}
		n := store.Warm(tenant, views)
		slog.Info("velocity windows warmed", "tenant_id", tenant, "transactions", n)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                🪁 KITE                    ║")
	fmt.Println("  ║       Fraud Scoring & Reporting           ║")
	fmt.Println("  ║      Every transaction, scored.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect                       - Score a transaction")
	fmt.Println("    POST /detect/batch                 - Score a batch of transactions")
	fmt.Println("    POST /report                       - Submit a fraud report")
	fmt.Println("    GET  /transactions                 - List scored transactions")
	fmt.Println("    GET  /transactions/{id}            - Get a transaction with its decision")
	fmt.Println("    POST /transactions/{id}/reprocess  - Re-score a stored transaction")
	fmt.Println("    GET  /settings                     - Get detection settings")
	fmt.Println("    PUT  /settings                     - Update detection settings")
	fmt.Println("    GET  /rules                        - List custom rules")
	fmt.Println("    POST /rules                        - Create a custom rule")
	fmt.Println("    POST /rules/reload                 - Hot-reload rules from database")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
