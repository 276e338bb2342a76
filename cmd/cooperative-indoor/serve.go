package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/czd326/cooperative-indoor/internal/server"
	"github.com/czd326/cooperative-indoor/internal/store"
	"github.com/czd326/cooperative-indoor/internal/store/memorystore"
	"github.com/czd326/cooperative-indoor/internal/store/mongostore"
	"github.com/czd326/cooperative-indoor/pkg/config"
	"github.com/czd326/cooperative-indoor/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the synchronization server",
	Long: `Start the synchronization server. Configuration comes from config.yaml in
the working directory, overridable via INDOOR_* environment variables (a .env
file is honored) and the flags below.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "listen address (overrides config)")
	serveCmd.Flags().String("mongo-uri", "", "MongoDB connection string; empty runs the in-memory event log")
	serveCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		return err
	}
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if v := viper.GetString("address"); v != "" {
		cfg.Server.Address = v
	}
	if v := viper.GetString("mongo-uri"); v != "" {
		cfg.Store.MongoURI = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var eventLog store.EventLog
	if cfg.Store.MongoURI != "" {
		mongoLog, err := mongostore.Dial(ctx, cfg.Store.MongoURI, cfg.Store.Database)
		if err != nil {
			logger.Error("failed to connect event log store", slog.Any("error", err))
			return err
		}
		defer func() {
			if err := mongoLog.Close(context.Background()); err != nil {
				logger.Warn("event log store close failed", slog.Any("error", err))
			}
		}()
		eventLog = mongoLog
		logger.Info("event log store connected", slog.String("database", cfg.Store.Database))
	} else {
		eventLog = memorystore.New()
		logger.Warn("no store configured, using in-memory event log")
	}

	app := server.NewApp(logger, ctx, cfg, eventLog)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("application shut down successfully")
	return nil
}
