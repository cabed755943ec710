package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/api/middleware"
	"github.com/campuskit/campus-admin-backend/internal/api/websocket"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/cache"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/config"
	"github.com/campuskit/campus-admin-backend/internal/infrastructure/database"
	"github.com/campuskit/campus-admin-backend/internal/metrics"
	auditsvc "github.com/campuskit/campus-admin-backend/internal/service/audit"
	"github.com/campuskit/campus-admin-backend/internal/service/incident"
	"github.com/campuskit/campus-admin-backend/internal/service/ipgate"
	"github.com/campuskit/campus-admin-backend/internal/service/monitor"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := metrics.NewRegistry()
	if err != nil {
		return err
	}

	sessions := database.NewSessionManager(cfg.Database, logger, reg)
	if err := sessions.Open(ctx); err != nil {
		return err
	}
	defer sessions.Close()

	auditRepo := database.NewAuditEventRepository(sessions)
	securityRepo := database.NewSecurityRepository(sessions)

	queryCache := cache.NewQueryCache(cfg.Cache, logger)
	queryCache.StartSweeper()
	defer queryCache.Stop()

	hub := websocket.NewMonitorHub(logger, reg)
	go hub.Run()
	defer hub.Stop()

	auditService := auditsvc.NewService(auditRepo, queryCache, hub, reg, cfg.Export.MaxRows, logger)
	incidentService := incident.NewService(auditRepo, queryCache, hub, logger)
	gate := ipgate.NewService(securityRepo, auditService, reg, logger)

	detector := monitor.NewDetector(cfg.Monitor, auditRepo, incidentService, auditRepo, gate, hub, reg, logger)
	loop := monitor.NewLoop(detector, cfg.Monitor.Interval, logger)
	loop.Start()
	defer loop.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws/monitoring", websocket.NewHandler(hub, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := middleware.IPGate(gate, logger)(mux)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == "development" {
		return zap.NewDevelopment()
	}

	zc := zap.NewProductionConfig()
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}
