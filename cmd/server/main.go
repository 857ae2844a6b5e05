package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jaredcannon/addon-manager/internal/api"
	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/config"
	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/metrics"
	"github.com/jaredcannon/addon-manager/internal/middleware"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/resolver"
	"github.com/jaredcannon/addon-manager/internal/services"
	"github.com/jaredcannon/addon-manager/internal/telemetry"
	"github.com/jaredcannon/addon-manager/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	serviceName = "addon-manager"
	version     = "0.1.0"
)

// initDB initializes the database connection and runs migrations
func initDB(dbPath string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}

	log.Printf("📦 Database initialized at %s", dbPath)
	return db, nil
}

// server holds everything main starts and must stop
type server struct {
	app      *fiber.App
	cfg      *config.Config
	db       *gorm.DB
	hub      *websocket.Hub
	pipeline *download.Pipeline
	checker  *services.UpdateChecker
}

// newServer wires the services and the HTTP surface
func newServer(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*server, error) {
	db, err := initDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.New(reg)

	var creds *services.CredentialService
	creds, err = services.NewCredentialService(services.KeyringConfig{
		ServiceName:  serviceName,
		Backend:      cfg.KeyringBackend,
		FileDir:      cfg.KeyringFileDir,
		FilePassword: cfg.KeyringFilePassword,
	})
	if err != nil {
		log.Printf("⚠️  Credential service unavailable, downloads will be unauthenticated: %v", err)
		creds = nil
	} else {
		log.Printf("🔐 Credential service initialized")
	}

	hub := websocket.NewHub()
	go hub.Run()
	log.Printf("🔌 WebSocket hub initialized")

	pcfg := cfg.PipelineConfig()
	pcfg.Metrics = m
	if creds != nil {
		pcfg.Tokens = creds
	}
	pipeline := download.NewPipeline(ctx, pcfg)
	pipeline.OnComplete(func(snap download.TaskSnapshot) {
		hub.Broadcast(websocket.ChannelDownloads, "download:"+string(snap.Status), snap)
	})

	compat, err := catalog.NewCompatibility(cfg.HostVersion)
	if err != nil {
		return nil, err
	}

	orch, err := services.NewOrchestrator(services.OrchestratorConfig{
		AddOnDir:    cfg.AddOnDir,
		DownloadDir: cfg.DownloadDir,
		IssuePolicy: cfg.IssuePolicy,
		Metrics:     m,
	},
		services.NewStore(db),
		catalog.NewFileSource(cfg.CatalogPath),
		resolver.New(compat),
		pipeline,
		services.NewFileSystemHost(cfg.HomeDir),
		hub,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	var checker *services.UpdateChecker
	if cfg.UpdateSchedule != "" {
		checker, err = services.NewUpdateChecker(orch, hub, cfg.UpdateSchedule)
		if err != nil {
			return nil, err
		}
	}
	log.Printf("🔧 Services initialized")

	app := fiber.New(fiber.Config{
		AppName: "Add-on Manager",
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	apiGroup := app.Group("/api/v1")
	apiGroup.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"service":      serviceName,
			"version":      version,
			"host_version": compat.HostVersion(),
			"installed":    orch.Local().Len(),
		})
	})

	guard := middleware.AuthMiddleware(cfg.APISecret)
	if cfg.APISecret == "" {
		log.Printf("⚠️  No API secret configured, mutating endpoints are unauthenticated")
	}

	api.NewAddOnHandler(orch, checker).RegisterRoutes(apiGroup, guard)
	api.NewDownloadHandler(pipeline).RegisterRoutes(apiGroup, guard)
	if creds != nil {
		api.NewCredentialHandler(creds).RegisterRoutes(apiGroup, guard)
	}
	api.NewWebSocketHandler(hub, cfg.APISecret).RegisterRoutes(app)
	api.RegisterMetrics(app, reg)

	return &server{
		app:      app,
		cfg:      cfg,
		db:       db,
		hub:      hub,
		pipeline: pipeline,
		checker:  checker,
	}, nil
}

// shutdown stops the HTTP server first so no new operation starts
func (s *server) shutdown(ctx context.Context) {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}
	if s.checker != nil {
		s.checker.Stop(ctx)
	}
	s.pipeline.Shutdown()
	s.hub.Shutdown()
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func main() {
	configPath := flag.String("config", envOr("ADDON_CONFIG", "config.toml"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("⚙️  %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		log.Printf("⚠️  Tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := newServer(ctx, cfg, reg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	if srv.checker != nil {
		srv.checker.Start()
	}

	go func() {
		log.Printf("🚀 Server starting on %s", cfg.ListenAddr)
		if err := srv.app.Listen(cfg.ListenAddr); err != nil {
			log.Printf("Server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("⚠️  Tracing shutdown: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
