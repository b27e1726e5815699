package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/api/handlers"
	"github.com/remote-agent-terminal/webui/internal/config"
	"github.com/remote-agent-terminal/webui/internal/db"
	"github.com/remote-agent-terminal/webui/internal/logger"
	"github.com/remote-agent-terminal/webui/internal/parser"
	"github.com/remote-agent-terminal/webui/internal/planwatch"
	"github.com/remote-agent-terminal/webui/internal/repository"
	"github.com/remote-agent-terminal/webui/internal/session"
	"github.com/remote-agent-terminal/webui/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// serve runs the server until ctx is cancelled, then shuts down: the
// listener first, then connections, then sessions, then the database.
func serve(ctx context.Context, cfg *config.Config) error {
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)

	database, err := db.Open(cfg.Resolve(cfg.Sessions.DBPath))
	if err != nil {
		return fmt.Errorf("opening session history: %w", err)
	}
	defer database.Close()

	repo := repository.NewSessionRepository(database)
	if n, err := repo.MarkInterrupted(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to mark interrupted sessions")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("Marked sessions interrupted by a previous run")
	}

	recordDir := cfg.Resolve(cfg.Sessions.RecordDir)
	if recordDir != "" {
		if err := os.MkdirAll(recordDir, 0o755); err != nil {
			return fmt.Errorf("creating recording directory: %w", err)
		}
	}

	registry := session.New(session.Options{
		Command:      cfg.Claude.Command,
		Args:         cfg.Claude.Args,
		Dir:          cfg.ProjectDir,
		Cols:         cfg.Claude.Cols,
		Rows:         cfg.Claude.Rows,
		ForcePipe:    cfg.Claude.ForcePipe,
		HistoryBytes: cfg.Sessions.HistoryBytes,
		KillGrace:    cfg.Sessions.KillGrace.Std(),
		RecordDir:    recordDir,
		History:      repo,
	})
	transcripts := parser.Follow(registry, parser.DefaultKeepFinished)
	defer transcripts.Stop()

	gateway := ws.New(registry, ws.Options{
		HeartbeatInterval: cfg.Heartbeat.Interval.Std(),
		MaxMissed:         cfg.Heartbeat.MaxMissed,
	})

	plans, err := planwatch.New(cfg.PlansDir(), planwatch.DefaultDebounce, func(u planwatch.Update) {
		if err := gateway.Broadcast(u); err != nil {
			log.Warn().Err(err).Str("file", u.Filename).Msg("Failed to broadcast plan update")
		}
	}, planwatch.WithArchive(cfg.ArchiveDir()))
	if err != nil {
		return fmt.Errorf("creating plan watcher: %w", err)
	}
	if err := plans.Start(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.PlansDir()).Msg("Plan watcher disabled")
	}
	defer plans.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(registry, repo, transcripts, gateway),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("terminal_mode", string(registry.TerminalMode())).
			Bool("claude_available", registry.AgentAvailable()).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			registry.KillAll()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	gateway.Close()
	registry.KillAll()
	if err := registry.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Sessions did not exit before shutdown deadline")
	}
	return nil
}

// newRouter builds the HTTP surface.
func newRouter(registry *session.Registry, repo *repository.SessionRepository, transcripts *parser.Transcripts, gateway *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	// Enable CORS for development
	r.Use(corsMiddleware())

	api := r.Group("/api")
	handlers.NewStatusHandler(registry, gateway.Len).RegisterRoutes(r, api)
	handlers.NewSessionHandler(registry, repo, transcripts).RegisterRoutes(api)
	handlers.NewWebSocketHandler(gateway).RegisterRoutes(r)
	return r
}

// requestLogger logs each request through zerolog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("latency", time.Since(start)).Msg("HTTP request")
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
