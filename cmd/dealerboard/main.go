package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foleys1972/Mobile-trader/internal/api"
	"github.com/foleys1972/Mobile-trader/internal/api/middleware"
	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/call"
	"github.com/foleys1972/Mobile-trader/internal/config"
	"github.com/foleys1972/Mobile-trader/internal/database"
	"github.com/foleys1972/Mobile-trader/internal/dnd"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
	"github.com/foleys1972/Mobile-trader/internal/gateway/sbc"
	"github.com/foleys1972/Mobile-trader/internal/hoot"
	"github.com/foleys1972/Mobile-trader/internal/line"
	"github.com/foleys1972/Mobile-trader/internal/metrics"
)

// retentionInterval is how often the call archive is pruned.
const retentionInterval = time.Hour

// signalingGateway is a gateway that reports outcomes back to the core.
type signalingGateway interface {
	gateway.Adapter
	Bind(events gateway.Events)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("dealerboard exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("dealerboard stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting dealerboard",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"gateway", cfg.Gateway,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	slog.Info("database ready", "dialect", db.Dialect())

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	registry := bank.NewRegistry(database.NewBankRepository(db), logger)
	restored, err := registry.Restore(appCtx)
	if err != nil {
		return fmt.Errorf("restoring banks: %w", err)
	}
	slog.Info("banks restored", "count", restored)

	lines := line.NewMachine(registry, logger)
	engine := dnd.NewEngine(cfg.DNDLocation(), logger)
	monitor := hoot.NewMonitor(registry, logger)
	records := database.NewCallRecordRepository(db)

	gw, sbcAdapter, err := newGateway(appCtx, cfg, registry, logger)
	if err != nil {
		return err
	}
	if sbcAdapter != nil {
		defer sbcAdapter.Close()
	}

	calls := call.NewManager(registry, lines, engine, gw, records, call.Config{
		SetupTimeout: cfg.CallSetupTimeout,
		Retention:    cfg.CallRetention,
	}, logger)
	lines.SetOccupancy(calls)
	gw.Bind(gateway.Join(calls, monitor))
	go calls.Run(appCtx)

	if sbcAdapter != nil {
		registerTenants(appCtx, sbcAdapter, registry)
	}

	database.StartRetentionTicker(appCtx, records, cfg.ArchiveRetentionDays, retentionInterval)

	// Metrics are gathered at scrape time from the live components.
	providers := metrics.Providers{
		Calls:    calls,
		Lines:    lines,
		Monitors: monitor,
		DND:      engine,
		Archive:  records,
	}
	if sbcAdapter != nil {
		providers.Registrations = sbcAdapter
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(providers, startTime),
	)

	var limiter *middleware.IPRateLimiter
	if cfg.RateLimit > 0 {
		limiter = middleware.NewIPRateLimiter(appCtx, middleware.NewRateLimitConfig(cfg.RateLimit), logger)
	}

	handler := api.NewServer(cfg, api.Deps{
		Banks:   registry,
		Lines:   lines,
		Calls:   calls,
		DND:     engine,
		Hoot:    monitor,
		Gateway: gw,
		Records: records,
		Metrics: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Limiter: limiter,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	endLiveCalls(ctx, calls)
	appCancel()
	return serveErr
}

// newGateway builds the configured signaling gateway. The SBC adapter is
// also returned on its own so callers can reach its tenant controls.
func newGateway(ctx context.Context, cfg *config.Config, registry *bank.Registry, logger *slog.Logger) (signalingGateway, *sbc.Adapter, error) {
	if cfg.Gateway == "loopback" {
		slog.Warn("using loopback gateway, no calls leave this process", "answer_delay", cfg.LoopbackAnswerDelay)
		return gateway.NewLoopback(cfg.LoopbackAnswerDelay, logger), nil, nil
	}

	adapter, err := sbc.New(sbc.Config{Host: cfg.SIPHost(), Port: cfg.SIPPort}, registry, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating sbc gateway: %w", err)
	}
	if err := adapter.Start(ctx); err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("starting sbc gateway: %w", err)
	}
	return adapter, adapter, nil
}

// registerTenants registers every restored bank with its SBC. Failures are
// logged; the registration loop keeps retrying in the background.
func registerTenants(ctx context.Context, adapter *sbc.Adapter, registry *bank.Registry) {
	banks := registry.List()
	if len(banks) == 0 {
		slog.Info("no banks to register")
		return
	}

	slog.Info("registering tenants", "count", len(banks))
	for _, b := range banks {
		res := adapter.RegisterTenant(ctx, b)
		if !res.Success {
			slog.Error("tenant registration failed",
				"bank_id", b.ID,
				"sbc", b.SBC.Host,
				"reason", res.Reason,
			)
		}
	}
}

// endLiveCalls hangs up whatever is still up so the archive sees every call.
func endLiveCalls(ctx context.Context, calls *call.Manager) {
	for _, s := range calls.ListActive() {
		if _, err := calls.End(ctx, s.ID); err != nil {
			slog.Warn("ending call on shutdown", "call_id", s.ID, "error", err)
		}
	}
}
