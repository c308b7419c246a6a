package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openmusicplayer/mediafetch/internal/api"
	"github.com/openmusicplayer/mediafetch/internal/app"
	"github.com/openmusicplayer/mediafetch/internal/auth"
	"github.com/openmusicplayer/mediafetch/internal/config"
	"github.com/openmusicplayer/mediafetch/internal/health"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/websocket"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("MEDIAFETCH_CONFIG"), "path to a YAML config file")
	pflag.String("server-addr", ":8080", "listen address for the control API")
	pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.String("download-dir", "", "download directory")
	pflag.Int("worker-count", 3, "concurrent transfers")
	pflag.Parse()

	cfg, err := config.LoadWithFlags(*configPath, pflag.CommandLine)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	a.Orchestrator.Start()

	var authService *auth.Service
	if cfg.APITokenSecret != "" {
		authService = auth.NewService(cfg.APITokenSecret)
	} else {
		a.Log.Warn(ctx, "api_token_secret not set; control API is unauthenticated")
	}

	hub := websocket.NewHub()
	go hub.Run(ctx)
	sub := a.Orchestrator.Progress().Subscribe("", 256)
	go websocket.Forward(ctx, hub, sub)

	checkerCfg := &health.CheckerConfig{
		DownloadDir: cfg.DownloadDir,
		Version:     version,
		PipelineCheck: func(context.Context) error {
			if !a.Orchestrator.IsRunning() {
				return errors.New("worker pool stopped")
			}
			return nil
		},
	}
	if a.DB != nil {
		checkerCfg.DB = a.DB.DB
	}
	if rs := a.RedisStore(); rs != nil {
		checkerCfg.Redis = rs.Client()
	}
	if a.Storage != nil {
		checkerCfg.StorageCheck = a.Storage.Ping
	}
	checker := health.NewChecker(checkerCfg)

	routerCfg := api.RouterConfig{
		Pipeline:  a.Orchestrator,
		Auth:      authService,
		WebSocket: http.HandlerFunc(websocket.NewHandler(hub, authService, a.Orchestrator.Progress(), a.Log).ServeWS),
		Health:    health.NewHandler(checker),
		Metrics:   a.Metrics,
		Logger:    a.Log,
	}
	if a.History != nil {
		routerCfg.History = a.History
	}
	if a.Storage != nil {
		routerCfg.Mirror = a.Storage
	}

	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.Log.Info(ctx, "server starting", logger.Fields{"addr": cfg.ServerAddr, "version": version})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Error(ctx, "server failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	sub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Log.Info(shutdownCtx, "shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Log.WarnErr(shutdownCtx, "http shutdown", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.Log.WarnErr(shutdownCtx, "pipeline shutdown", err)
	}
}
