// Command node runs the Orpheon intent-lifecycle node: it loads
// configuration, wires the state store, planner, and engine together, and
// serves the REST and WebSocket APIs until interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orpheon-systems/node/config"
	"github.com/orpheon-systems/node/engine"
	"github.com/orpheon-systems/node/httpapi"
	"github.com/orpheon-systems/node/logging"
	"github.com/orpheon-systems/node/planner"
	"github.com/orpheon-systems/node/statestore"
	"github.com/orpheon-systems/node/telemetry"
	"github.com/orpheon-systems/node/wsapi"
)

const version = "0.1.0"

func main() {
	logger := logging.NewProductionLogger()
	scoped, _ := logger.WithComponent("node/main").(logging.ComponentAwareLogger)
	if scoped == nil {
		scoped = logger
	}

	cfg, err := config.Load()
	if err != nil {
		scoped.Error("failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, scoped); err != nil {
		scoped.Error("node exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.ComponentAwareLogger) error {
	tel, err := telemetry.NewProvider(cfg.OTelServiceName, cfg.OTelExporter, cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("telemetry initialization failed, continuing without it", map[string]interface{}{"error": err.Error()})
		tel = telemetry.NewNoOpProvider()
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	p := buildPlanner(cfg, logger)

	e := engine.New(p,
		engine.WithConfig(engine.Config{
			WorkerPoolSize:            cfg.EngineWorkerPoolSize,
			PollInterval:              100 * time.Millisecond,
			NegotiationRequired:       cfg.EngineNegotiationRequired,
			CompensationEnabled:       cfg.EngineCompensationEnabled,
			NegotiationTimeoutSeconds: cfg.EngineNegotiationTimeoutSecs,
			NegotiationMaxRounds:      uint32(cfg.EngineNegotiationMaxRounds),
		}),
		engine.WithLogger(logger),
		engine.WithTelemetry(tel),
	)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	go e.Run(engineCtx)

	mux := http.NewServeMux()
	httpHandler := httpapi.NewHandler(e, p, logger, tel, version)
	wsHandler := wsapi.NewHandler(e, store, logger, cfg.CORSAllowedOrigins)
	wsHandler.RegisterRoutes(mux)
	tracedMux := httpHandler.RegisterRoutesWithTracing(mux)

	srv := &http.Server{
		Addr:         cfg.NodeAddr,
		Handler:      tracedMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming WebSocket connections must not be cut off
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening", map[string]interface{}{"addr": cfg.NodeAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-serveErr
}

func buildStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.StateBackend {
	case config.StateBackendRedis:
		return statestore.NewRedisStore(ctx, statestore.RedisStoreOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: "orpheon",
		})
	default:
		return statestore.NewInMemoryStore(), nil
	}
}

func buildPlanner(cfg *config.Config, logger logging.ComponentAwareLogger) *planner.AStarPlanner {
	p := planner.NewAStarPlannerWithConfig(planner.Config{
		MaxSteps:          cfg.PlannerMaxSteps,
		MaxPlanningTimeMs: int64(cfg.PlannerMaxPlanningTimeMs),
		MaxStatesExplored: cfg.PlannerMaxStatesExplored,
		EnableMemoization: true,
		MinConfidence:     0.5,
	})

	if cfg.ActionCatalogPath == "" {
		return p
	}

	actions, err := planner.LoadActionsFromYAML(cfg.ActionCatalogPath)
	if err != nil {
		logger.Warn("failed to load action catalog, falling back to defaults", map[string]interface{}{
			"path":  cfg.ActionCatalogPath,
			"error": err.Error(),
		})
		return p
	}
	for _, a := range actions {
		p.RegisterAction(a)
	}
	return p
}
