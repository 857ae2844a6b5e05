package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jaredcannon/addon-manager/internal/catalog"
	"github.com/jaredcannon/addon-manager/internal/config"
	"github.com/jaredcannon/addon-manager/internal/download"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/resolver"
	"github.com/jaredcannon/addon-manager/internal/services"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// manager is an in-process orchestrator for one CLI invocation
type manager struct {
	cfg      *config.Config
	orch     *services.Orchestrator
	pipeline *download.Pipeline
	db       *gorm.DB
}

func openManager(ctx context.Context, configPath string) (*manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}

	pcfg := cfg.PipelineConfig()
	if creds, err := services.NewCredentialService(services.KeyringConfig{
		ServiceName:  "addon-manager",
		Backend:      cfg.KeyringBackend,
		FileDir:      cfg.KeyringFileDir,
		FilePassword: cfg.KeyringFilePassword,
	}); err == nil {
		pcfg.Tokens = creds
	}
	pipeline := download.NewPipeline(ctx, pcfg)

	compat, err := catalog.NewCompatibility(cfg.HostVersion)
	if err != nil {
		return nil, err
	}

	orch, err := services.NewOrchestrator(services.OrchestratorConfig{
		AddOnDir:    cfg.AddOnDir,
		DownloadDir: cfg.DownloadDir,
		IssuePolicy: cfg.IssuePolicy,
	},
		services.NewStore(db),
		catalog.NewFileSource(cfg.CatalogPath),
		resolver.New(compat),
		pipeline,
		services.NewFileSystemHost(cfg.HomeDir),
		nil,
	)
	if err != nil {
		pipeline.Shutdown()
		return nil, err
	}

	return &manager{cfg: cfg, orch: orch, pipeline: pipeline, db: db}, nil
}

func (m *manager) Close() {
	m.pipeline.Shutdown()
	if sqlDB, err := m.db.DB(); err == nil {
		sqlDB.Close()
	}
}
