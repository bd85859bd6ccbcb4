// Command server runs the session broker: a WebSocket gateway plus REST API
// over a registry of PTY shell and coding-agent sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/backend/api/handlers"
	"github.com/agent-console/backend/internal/auth"
	"github.com/agent-console/backend/internal/config"
	"github.com/agent-console/backend/internal/db"
	"github.com/agent-console/backend/internal/eventlog"
	"github.com/agent-console/backend/internal/gateway"
	"github.com/agent-console/backend/internal/pipeline"
	"github.com/agent-console/backend/internal/registry"
	"github.com/agent-console/backend/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	path := *configPath
	if path == "" {
		path = os.Getenv("BROKER_CONFIG")
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			slog.Error("load config", "path", path, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var store *repository.Store
	var evStore eventlog.Store
	if cfg.Store.Path != "" {
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				slog.Error("create data dir", "dir", dir, "err", err)
				os.Exit(1)
			}
		}
		conn, err := db.Open(cfg.Store.Path)
		if err != nil {
			slog.Error("open database", "path", cfg.Store.Path, "err", err)
			os.Exit(1)
		}
		defer conn.Close()
		store = repository.New(conn)
		evStore = store

		// Adapter processes died with the previous broker; fix up any rows
		// it left live.
		if n, err := store.MarkStaleLiveSessions(context.Background()); err != nil {
			slog.Warn("stale session recovery failed", "err", err)
		} else if n > 0 {
			slog.Info("marked stale sessions exited", "count", n)
		}
	}

	log := eventlog.New(evStore)
	reg := registry.New(registry.Config{
		MaxPerOwner:    cfg.Sessions.MaxPerOwner,
		TerminateGrace: cfg.Sessions.TerminateGrace.Std(),
		SweepInterval:  cfg.Sessions.SweepInterval.Std(),
		Retention:      cfg.Sessions.Retention.Std(),
		WriteTimeout:   cfg.Sessions.WriteTimeout.Std(),
		Pipeline: pipeline.Config{
			DedupeWindow:      cfg.Pipeline.DedupeWindow,
			ProgressThreshold: cfg.Pipeline.ProgressThreshold,
		},
		RecordingDir: cfg.Store.RecordingDir,
		LoginCommand: cfg.Agent.LoginCommand,
		LoginTimeout: cfg.Agent.LoginTimeout.Std(),
	}, log, store)

	gate := auth.NewStaticTokenGate(cfg.Auth.Token)
	gw := gateway.New(reg, log, gate)
	h := handlers.New(reg, log, store, gate, cfg.Store.RecordingDir)

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())
	h.RegisterRoutes(router, gw)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reg.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		slog.Info("broker listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "err", err)
	}
	reg.CloseAll()
}

// corsMiddleware allows browser clients served from another origin to reach
// the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
