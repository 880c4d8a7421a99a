package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/sqlbroker/internal/broker"
	"github.com/kandev/sqlbroker/internal/common/config"
	"github.com/kandev/sqlbroker/internal/common/httpmw"
	"github.com/kandev/sqlbroker/internal/common/logger"
	"github.com/kandev/sqlbroker/internal/common/tracing"
	"github.com/kandev/sqlbroker/internal/db"
	"github.com/kandev/sqlbroker/internal/engine"
	"github.com/kandev/sqlbroker/internal/notes"
)

const serverName = "sqlbroker"

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting sqlbroker...", zap.Strings("engines", cfg.Roles()), zap.Bool("tracing", tracing.Enabled()))

	reg := engine.NewRegistry(log)
	cleanup, err := db.Provide(ctx, cfg, reg, log)
	if err != nil {
		return err
	}
	if err := notes.InitSchema(ctx, reg, log); err != nil {
		_ = cleanup()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := newRouter(cfg, reg, log)
	if err != nil {
		_ = cleanup()
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("failed to start server: %w", err)
	}

	runGracefulShutdown(server, cleanup, log)
	return runErr
}

// newRouter assembles the middleware chain and routes. Recovery sits
// outside the broker middleware so request teardown runs before a panic is
// turned into a 500.
func newRouter(cfg *config.Config, reg *engine.Registry, log *logger.Logger) (*gin.Engine, error) {
	mwCfg := broker.MiddlewareConfig{Preferences: cfg.Broker.Preferences}
	if cfg.Broker.PathExcludes != "" {
		re, err := regexp.Compile(cfg.Broker.PathExcludes)
		if err != nil {
			return nil, fmt.Errorf("invalid broker.pathExcludes: %w", err)
		}
		mwCfg.PathExcludes = re
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(broker.Middleware(reg, log, mwCfg))

	notes.RegisterRoutes(router, reg, log)
	if cfg.Server.DebugPanel {
		router.GET("/_debug/sqlbroker", broker.DebugHandler(reg))
		log.Info("Debug panel enabled", zap.String("path", "/_debug/sqlbroker"))
	}
	return router, nil
}

// runGracefulShutdown stops the HTTP server, then disposes every engine and
// flushes traces.
func runGracefulShutdown(server *http.Server, cleanup func() error, log *logger.Logger) {
	log.Info("Shutting down sqlbroker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := cleanup(); err != nil {
		log.Error("Engine dispose error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("sqlbroker stopped")
}
