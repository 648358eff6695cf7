package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"web2pdf/internal/config"
	"web2pdf/internal/http/server"
	"web2pdf/internal/infra/logging"
	"web2pdf/internal/infra/tokens"
	"web2pdf/internal/preset"
)

func main() {
	cfg := config.Load()
	// Allow common container env var to override chrome path.
	if cfg.Chrome.Path == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Chrome.Path = v
		}
	}
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	logging.SetLogLevel(cfg.Logger.Level)

	registry := buildRegistry(cfg)

	var rdb *redis.Client
	if cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.ImageCacheDB,
		})
	}

	idleConnsClosed := make(chan struct{})

	var store *tokens.Store
	if cfg.Auth.BearerSecret != "" || cfg.Auth.Postgres.Host != "" {
		store = tokens.New(cfg.Auth)
		if store.UsesPostgres() {
			if err := store.Load(); err != nil {
				logging.Error("Failed to load bearer tokens", "error", err)
			}
			go store.RefreshEvery(time.Minute, idleConnsClosed)
		}
	}

	app := server.New(server.Deps{
		Config:   cfg,
		Registry: registry,
		Redis:    rdb,
		Tokens:   store,
	})

	startServer(app, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// buildRegistry loads the preset file, or falls back to the built-in A4
// preset when none is configured.
func buildRegistry(cfg config.Config) *preset.Registry {
	if cfg.Presets.File == "" {
		logging.Warn("No preset file configured, using built-in A4 preset")
		return preset.Default()
	}
	registry, err := preset.LoadFrom(cfg.Presets.File, cfg.Presets.PaperSizes)
	if err != nil {
		logging.Error("Failed to load presets", "file", cfg.Presets.File, "error", err)
		os.Exit(1)
	}
	logging.Info("Presets loaded", "file", cfg.Presets.File, "default", registry.DefaultName())
	return registry
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg config.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	logging.Warn("Shutdown signal received, closing server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	logging.Info("Server stopped cleanly")
}
