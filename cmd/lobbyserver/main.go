// Package main provides the lobby server binary: WebSocket clients are
// placed into fixed-size groups that survive reconnects within a grace period.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AustejaJak/tincisnotcatan/internal/config"
	"github.com/AustejaJak/tincisnotcatan/internal/dispatch"
	"github.com/AustejaJak/tincisnotcatan/internal/engine/turns"
	"github.com/AustejaJak/tincisnotcatan/internal/frontend/websocket"
	"github.com/AustejaJak/tincisnotcatan/internal/group"
	"github.com/AustejaJak/tincisnotcatan/internal/lobby"
	"github.com/AustejaJak/tincisnotcatan/internal/observability"
	"github.com/AustejaJak/tincisnotcatan/internal/scripting"
	"github.com/AustejaJak/tincisnotcatan/internal/server"
	"github.com/AustejaJak/tincisnotcatan/internal/session"
	"github.com/AustejaJak/tincisnotcatan/internal/storage/postgres"
)

const (
	healthService       = "tinc.lobby"
	databaseHealth      = "tinc.database"
	databaseHealthEvery = 15 * time.Second
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, start); err != nil {
		logger.Error("lobby server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger, start time.Time) error {
	ctx := context.Background()

	defaultPreset, presets, err := loadPresets(cfg)
	if err != nil {
		return err
	}

	luaHandlers, err := loadLuaHandlers(cfg.Scripting, logger.Named("scripting"))
	if err != nil {
		return err
	}
	defer scripting.CloseAll(luaHandlers)

	var (
		recorder lobby.OutcomeRecorder
		outcomes websocket.OutcomeLister
		pool     *postgres.Pool
	)
	if cfg.Database.Enabled {
		pool, err = postgres.NewPool(ctx, cfg.Database, logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		repo := postgres.NewOutcomeRepository(pool.DB())
		recorder, outcomes = repo, repo
	}

	registry := session.NewRegistry()

	// d is assigned below; teardown callbacks only fire once clients connect.
	var d *dispatch.Dispatcher
	lob, err := lobby.New(lobby.Config{
		Registry:          registry,
		Default:           defaultPreset,
		Presets:           presets,
		DisconnectTimeout: cfg.Session.DisconnectTimeout,
		HistorySize:       cfg.Session.HistorySize,
		EscapeHatchType:   cfg.Session.EscapeHatchType,
		Engines:           turns.NewFromSettings,
		Handlers: func() []group.Handler {
			chain := lo.Map(luaHandlers, func(h *scripting.Handler, _ int) group.Handler { return h })
			return append(chain, group.DefaultHandlers()...)
		},
		Recorder:     recorder,
		OnInvalidate: func(token string) { d.Forget(token) },
		Logger:       logger.Named("lobby"),
	})
	if err != nil {
		return fmt.Errorf("creating lobby: %w", err)
	}

	d, err = dispatch.New(dispatch.Config{
		CookieName:   cfg.WebSocket.CookieName,
		Registry:     registry,
		Tokens:       session.NewUUIDTokenSource(),
		Orchestrator: lob,
		Pool:         dispatch.NewPool(cfg.Session.WorkerPoolSize, logger.Named("pool")),
		Logger:       logger.Named("dispatch"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	wsHandler := websocket.NewHandler(cfg.WebSocket, d, logger.Named("websocket"))
	router := websocket.NewRouter(websocket.RouterConfig{
		Path:     cfg.WebSocket.Path,
		WS:       wsHandler,
		Lobby:    lob,
		Outcomes: outcomes,
		Logger:   logger,
	})
	wsServer := websocket.NewServer(cfg.WebSocket, router, wsHandler, logger.Named("websocket"))

	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	lc := server.NewLifecycle(logger, server.DefaultShutdownTimeout)
	// Stopped last: groups close after every transport has left.
	lc.Add("lobby", &server.FuncService{
		StopFn: func(ctx context.Context) error {
			d.Close()
			return lob.Close(ctx)
		},
	})
	if pool != nil {
		lc.Add("database-health", databaseWatch(pool, healthSrv, logger.Named("postgres")))
	}
	lc.Add("websocket", wsServer)
	grpcSvc := server.GRPCService(grpcServer, cfg.Ops.Addr())
	lc.Add("grpc-health", &server.FuncService{
		StartFn: grpcSvc.Start,
		StopFn: func(ctx context.Context) error {
			healthSrv.Shutdown()
			return grpcSvc.Stop(ctx)
		},
	})

	logger.Info("lobby server configured",
		zap.String("websocket", cfg.WebSocket.Addr()),
		zap.String("grpc", cfg.Ops.Addr()),
		zap.Int("presets", len(presets)),
		zap.Int("lua_handlers", len(luaHandlers)),
		zap.Bool("database", pool != nil),
		zap.Duration("startup", time.Since(start)),
	)
	return lc.Run(ctx)
}

// loadPresets returns the default preset and every preset from the presets file.
func loadPresets(cfg config.Config) (lobby.Preset, []lobby.Preset, error) {
	def := lobby.Preset{Name: cfg.Lobby.DefaultPreset, Size: cfg.Session.GroupSize}
	if cfg.Lobby.PresetsFile == "" {
		return def, nil, nil
	}
	presets, err := lobby.LoadPresets(cfg.Lobby.PresetsFile)
	if err != nil {
		return lobby.Preset{}, nil, err
	}
	if p, ok := lo.Find(presets, func(p lobby.Preset) bool { return p.Name == def.Name }); ok {
		def = p
	}
	return def, presets, nil
}

func loadLuaHandlers(cfg config.ScriptingConfig, logger *zap.Logger) ([]*scripting.Handler, error) {
	if cfg.HandlersDir == "" {
		return nil, nil
	}
	handlers, err := scripting.LoadHandlers(cfg.HandlersDir, cfg.InstructionLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("loading lua handlers: %w", err)
	}
	for _, h := range handlers {
		logger.Info("lua handler loaded", zap.String("handler", h.Name()))
	}
	return handlers, nil
}

// databaseWatch reports database reachability through the gRPC health service.
func databaseWatch(pool *postgres.Pool, hs *health.Server, logger *zap.Logger) server.Service {
	quit := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(databaseHealthEvery)
			defer ticker.Stop()
			for {
				status := healthpb.HealthCheckResponse_SERVING
				if err := pool.Health(context.Background(), time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}
				hs.SetServingStatus(databaseHealth, status)
				select {
				case <-ticker.C:
				case <-quit:
					return nil
				}
			}
		},
		StopFn: func(context.Context) error {
			close(quit)
			return nil
		},
	}
}
