package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/XavSPM/RevpiEpics/internal/config"
	"github.com/XavSPM/RevpiEpics/internal/storage"
	"github.com/XavSPM/RevpiEpics/internal/system"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and its API servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd.Flags())
		},
	}

	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().Bool("autostart", true, "start the sync loop after startup")
	cmd.Flags().Int("http-port", 8080, "REST API port")
	cmd.Flags().Int("grpc-port", 50051, "gRPC port")

	return cmd
}

// NewLogger builds the production logger. The returned level can be
// raised to debug at runtime.
func NewLogger(levelName string) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if levelName != "" {
		lvl, err := zapcore.ParseLevel(levelName)
		if err != nil {
			return nil, level, fmt.Errorf("invalid log level %q: %w", levelName, err)
		}
		level.SetLevel(lvl)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, level, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, level, nil
}

func runServe(opts *RootOptions, flags *pflag.FlagSet) error {
	// Config laden
	cfg, err := config.LoadWithFlags(opts.ConfigPath, flags)
	if err != nil {
		return err
	}

	logger, level, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", opts.ConfigPath))

	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		db, err = storage.NewPostgresClient(context.Background(), cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return err
		}
		defer db.Close()
		logger.Info("Database connected successfully")
	}

	lifecycle, err := system.NewLifecycleManager(db, cfg, logger, level)
	if err != nil {
		logger.Error("Failed to create system", zap.Error(err))
		return err
	}

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return lifecycle.Shutdown(ctx)
	}

	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdown()
		return err
	}

	logger.Info("RevPi EPICS bridge started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	if err := shutdown(); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("RevPi EPICS bridge stopped successfully")
	return nil
}
