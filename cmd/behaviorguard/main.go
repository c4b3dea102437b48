package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"behaviorguard/internal/api"
	"behaviorguard/internal/capability"
	"behaviorguard/internal/config"
	"behaviorguard/internal/engine"
	"behaviorguard/internal/ingest"
	"behaviorguard/internal/logging"
	"behaviorguard/internal/model"
	"behaviorguard/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "behaviorguard",
		Short:        "Detect behavioral shifts in student tracking data and govern the resulting alerts",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.AddCommand(serveCmd(), evaluateCmd(), validateSettingsCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingest, continuous detection and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("BEHAVIORGUARD_CONFIG"), "config file (yaml or json)")
	return cmd
}

func loadManager(path string) (*config.Manager, error) {
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func serve(ctx context.Context, configPath string) error {
	mgr, err := loadManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	eng := engine.NewEngine(cfg, logger, nil, nil, store, nil)
	entries := make(chan model.TrackingEntry, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, entries)
	eng.StartReevaluation(ctx, capability.FailOpen{
		Checker: capability.Memory{MaxHeapBytes: uint64(cfg.Detection.MaxHeapMB) << 20},
		Logger:  logger,
	})

	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, entries, logger)
	ingest.StartTCPStream(ctx, mgr, parser, entries, logger)
	ingest.StartFileTail(ctx, mgr, parser, entries, logger)
	ingest.StartKafka(ctx, mgr, parser, entries, logger)

	api.Start(ctx, api.NewServer(mgr, eng, eng.Alerts(), store, eng.Policies(), logger, version))

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "path", mgr.Path(), "err", err)
		}, ctx.Done())
	}

	logger.Info("behaviorguard started", "version", version, "config", mgr.Path())
	<-ctx.Done()
	logger.Info("behaviorguard stopping")
	return nil
}
