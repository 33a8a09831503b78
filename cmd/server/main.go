// Prescreen VoIP orchestrator server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/ashureev/prescreen-voip/internal/api"
	"github.com/ashureev/prescreen-voip/internal/callflow"
	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/config"
	"github.com/ashureev/prescreen-voip/internal/dispatch"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/escalation"
	"github.com/ashureev/prescreen-voip/internal/health"
	"github.com/ashureev/prescreen-voip/internal/identity"
	"github.com/ashureev/prescreen-voip/internal/ivr"
	"github.com/ashureev/prescreen-voip/internal/live"
	"github.com/ashureev/prescreen-voip/internal/middleware"
	"github.com/ashureev/prescreen-voip/internal/provider"
	"github.com/ashureev/prescreen-voip/internal/registry"
	"github.com/ashureev/prescreen-voip/internal/scheduler"
	"github.com/ashureev/prescreen-voip/internal/store"
	"github.com/ashureev/prescreen-voip/internal/token"
	"github.com/ashureev/prescreen-voip/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "provider", cfg.Provider, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	clk := clock.NewReal()
	reg := registry.New(repo, clk, logger)

	sched := newScheduler(cfg, clk.Now(), logger)
	engine := ivr.New(sched, cfg.IVR.SlotWindow, cfg.IVR.MaxRetries, logger)

	hub := live.NewHub(live.DefaultBuffer, logger)
	machine := callflow.New(callflow.Config{
		RingTimeout:   cfg.Call.RingTimeout,
		IVRInactivity: cfg.Call.IVRInactivity,
		FinalizeGrace: cfg.Call.FinalizeGrace,
	}, reg, engine, clk,
		callflow.WithPublisher(hub),
		callflow.WithContacts(repo),
		callflow.WithLogger(logger))
	defer machine.Stop()

	// Recover in-flight calls and re-arm their timers.
	restored, err := reg.Restore(context.Background())
	if err != nil {
		slog.Error("Failed to restore sessions", "error", err)
		os.Exit(1)
	}
	machine.Resume(restored)
	slog.Info("Sessions restored", "count", len(restored))

	providers := newProviders(cfg)
	dispatcher := dispatch.New(providers, reg, machine, logger)
	slog.Info("Providers configured", "providers", providers.Names(), "default", cfg.Provider)

	normalizer, err := webhook.NewNormalizer(webhook.Config{
		DefaultProvider:  cfg.Provider,
		InboundVacancyID: cfg.IVR.InboundVacancyID,
	}, reg, machine, repo, webhook.NewWindow(cfg.Webhook.DedupWindow, cfg.Webhook.DedupMaxEntries), clk, logger)
	if err != nil {
		slog.Error("Failed to initialize webhook normalizer", "error", err)
		os.Exit(1)
	}
	queue := webhook.NewQueue(cfg.Webhook.Workers, cfg.Webhook.QueueSize, normalizer.Ingest, logger)

	guard := token.NewGuard(repo, cfg.AuthSecret, logger)

	// Initialize handlers.
	voipHandler := api.NewHandler(api.Deps{
		Repo:         repo,
		Registry:     reg,
		Machine:      machine,
		Dispatcher:   dispatcher,
		Queue:        queue,
		Guard:        guard,
		Clock:        clk,
		Stream:       live.NewHandler(hub, cfg.FrontendURL, cfg.IsDevelopment()),
		InviteTTL:    cfg.InviteTTL,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Logger:       logger,
	})
	healthHandler := api.NewHealthHandler(repo, 5*time.Second, map[string]api.Gauge{
		"sessions":      reg.Len,
		"webhook_queue": queue.Len,
		"subscribers":   hub.Len,
		"dedup_window":  normalizer.Window().Len,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.AdminToken))

	// Public routes.
	healthHandler.RegisterHealth(r)
	voipHandler.RegisterRoutes(r)

	// Note: the websocket feed is long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartTTLWorker(ctx, reg, cfg.Call.SessionRetention, func(callID string) {
		slog.Debug("Session evicted", "call_id", callID)
	}, normalizer.Window())

	if cfg.Escalate.Enabled {
		worker := escalation.New(escalation.Config{
			Interval:      cfg.Escalate.Interval,
			AutocallAfter: cfg.Escalate.AutocallAfter,
			Provider:      cfg.Provider,
		}, repo, dispatcher, clk, logger)
		worker.Start(ctx)
	}

	// gRPC health service for orchestrators and load balancers.
	monitor := health.NewMonitor(repo, 15*time.Second, logger)
	grpcServer := grpc.NewServer()
	monitor.Register(grpcServer)
	monitor.Start(ctx)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err, "port", cfg.GRPCPort)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC health listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC server failed", "error", err)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	monitor.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	queue.Close(10 * time.Second)

	slog.Info("Server stopped successfully")
}

func newScheduler(cfg *config.Config, now time.Time, logger *slog.Logger) scheduler.Scheduler {
	if cfg.SchedulerURL != "" {
		slog.Info("Using HTTP scheduler", "url", cfg.SchedulerURL)
		return scheduler.NewHTTPClient(cfg.SchedulerURL, cfg.SchedulerTimeout, logger)
	}

	mem := scheduler.NewMemory()
	vacancies := cfg.DemoVacancies
	if cfg.IVR.InboundVacancyID != "" {
		vacancies = append(vacancies, cfg.IVR.InboundVacancyID)
	}
	day := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	for _, vac := range vacancies {
		for i := 0; i < 6; i++ {
			start := day.Add(time.Duration(10+i) * time.Hour)
			mem.AddSlot(domain.Slot{
				ID:        vac + "-" + start.Format("0102-1504"),
				VacancyID: vac,
				StartAt:   start,
			}, 2)
		}
	}
	slog.Info("Using in-memory scheduler", "vacancies", vacancies)
	return mem
}

func newProviders(cfg *config.Config) *provider.Registry {
	providers := provider.NewRegistry(cfg.Provider, provider.NewSimulated())
	if cfg.Voximplant.AccountID != "" && cfg.Voximplant.APIKey != "" {
		providers.Register(provider.NewVoximplant(provider.VoximplantConfig{
			AccountID: cfg.Voximplant.AccountID,
			APIKey:    cfg.Voximplant.APIKey,
			RuleID:    cfg.Voximplant.RuleID,
			APIURL:    cfg.Voximplant.APIURL,
		}))
	}
	if cfg.Zadarma.Key != "" && cfg.Zadarma.Secret != "" {
		providers.Register(provider.NewZadarma(provider.ZadarmaConfig{
			Key:    cfg.Zadarma.Key,
			Secret: cfg.Zadarma.Secret,
			From:   cfg.Zadarma.From,
			APIURL: cfg.Zadarma.APIURL,
		}))
	}
	return providers
}
