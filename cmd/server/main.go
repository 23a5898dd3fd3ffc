package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "pricepilot-api/configs"
	"pricepilot-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// .envファイルを読み込み
	envErr := godotenv.Load()

	// 設定の読み込み
	cfg := config.LoadConfig()
	logger := config.NewLogger(cfg)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg(".env file not loaded")
	}
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	pipelineCfg, err := config.LoadPipelineConfig(cfg.PipelineConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PipelineConfigPath).Msg("invalid pipeline configuration")
	}
	var table *services.RuleTable
	if pipelineCfg.RulesFile != "" {
		if table, err = services.LoadRuleTable(pipelineCfg.RulesFile); err != nil {
			logger.Fatal().Err(err).Str("path", pipelineCfg.RulesFile).Msg("invalid rule table")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipeline, err := services.NewPipeline(pipelineCfg, table,
		services.WithLogger(logger.With().Str("component", "pipeline").Logger()),
		services.WithMetrics(services.NewPipelineMetrics(registry)),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pricing pipeline")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn().Err(err).Str("tz", cfg.Timezone).Msg("unknown timezone, using UTC")
		loc = time.UTC
	}
	monitoringService := services.NewMonitoringService(logger.With().Str("component", "http").Logger(), loc)

	r := setupRouter(cfg, pipeline, monitoringService, registry, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("port", cfg.Port).Int("rules", len(pipeline.Rules())).Msg("Starting PricePilot API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
