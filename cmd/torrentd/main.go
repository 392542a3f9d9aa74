// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/torrentd/internal/buildinfo"
	"github.com/autobrr/torrentd/internal/config"
	"github.com/autobrr/torrentd/internal/engine"
	"github.com/autobrr/torrentd/internal/metrics"
	"github.com/autobrr/torrentd/internal/resumedata"
	"github.com/autobrr/torrentd/internal/session"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "torrentd",
		Short: "A headless BitTorrent session daemon",
		Long: `torrentd - a headless BitTorrent session daemon with crash-safe
resume data, categories, queueing and automatic path management.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the session daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/torrentd/ or %APPDATA%\\torrentd\\). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for resume data and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runDaemon()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of torrentd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/torrentd/config.toml
- Windows: %APPDATA%\torrentd\config.toml

You can specify either a directory path or a direct file path:
- Directory: torrentd generate-config --config-dir /path/to/config/
- File: torrentd generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runDaemon() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("TORRENTD__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("TORRENTD__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting torrentd")

	// Initialize the resume data store
	store, err := newResumeStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize resume data store")
	}

	// Initialize the transfer engine
	eng, err := engine.NewAnacrolix(engine.AnacrolixConfig{
		DataDir:    cfg.GetEngineDataDir(),
		ListenPort: cfg.Config.BindPort,
		DisableDHT: !cfg.Config.DHTEnabled,
		DisablePEX: !cfg.Config.PEXEnabled,
		Seed:       cfg.Config.SeedingEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start transfer engine")
	}

	sess := session.New(session.Config{
		SavePath:            cfg.Config.SavePath,
		DownloadPath:        cfg.Config.DownloadPath,
		DownloadPathEnabled: cfg.Config.DownloadPathEnabled,

		QueueingEnabled:      cfg.Config.QueueingEnabled,
		AddTorrentToQueueTop: cfg.Config.AddTorrentToQueueTop,
		AddTorrentStopped:    cfg.Config.AddTorrentStopped,

		SubcategoriesEnabled:         cfg.Config.SubcategoriesEnabled,
		UseCategoryPathsInManualMode: cfg.Config.UseCategoryPathsInManualMode,

		AutoTMMDisabledByDefault:                  cfg.Config.AutoTMMDisabledByDefault,
		DisableAutoTMMWhenCategoryChanged:         cfg.Config.DisableAutoTMMWhenCategoryChanged,
		DisableAutoTMMWhenDefaultSavePathChanged:  cfg.Config.DisableAutoTMMWhenDefaultSavePathChanged,
		DisableAutoTMMWhenCategorySavePathChanged: cfg.Config.DisableAutoTMMWhenCategorySavePathChanged,

		MaxConcurrentLoads:     cfg.Config.MaxConcurrentLoads,
		AlertPollInterval:      time.Duration(cfg.Config.AlertPollInterval) * time.Millisecond,
		SaveResumeDataInterval: time.Duration(cfg.Config.SaveResumeDataInterval) * time.Minute,
		MetadataTimeout:        time.Duration(cfg.Config.MetadataTimeout) * time.Second,
		ShutdownTimeout:        time.Duration(cfg.Config.ShutdownTimeout) * time.Second,
	}, eng, store)

	if err := sess.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	// Log session events at an appropriate level
	go logEvents(sess.Subscribe(256))

	if cfg.Config.MetricsEnabled {
		go func() {
			registry := prometheus.NewRegistry()
			registry.MustRegister(metrics.NewSessionCollector(sess))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

			addr := net.JoinHostPort(cfg.Config.MetricsHost, strconv.Itoa(cfg.Config.MetricsPort))
			log.Info().Str("addr", addr).Msg("Starting metrics server")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shut down the daemon
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Config.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := sess.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session shutdown failed")
	}
}

func newResumeStore(cfg *config.AppConfig) (resumedata.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Config.ResumeDataStorageType)) {
	case "", "file":
		return resumedata.NewFileStore(cfg.GetResumeDataDir())
	case "sqlite":
		return resumedata.NewSQLiteStore(cfg.GetDatabasePath())
	default:
		return nil, fmt.Errorf("unknown resume data storage type %q", cfg.Config.ResumeDataStorageType)
	}
}

func logEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Type {
		case session.EventTorrentError, session.EventFullDiskError,
			session.EventContentDeleteFailed, session.EventStorageMoveFailed,
			session.EventLoadTorrentFailed, session.EventAddTorrentFailed:
			log.Error().Str("event", string(ev.Type)).Str("hash", string(ev.ID)).
				Str("name", ev.Name).Str("reason", ev.Reason).Msg("Session event")
		case session.EventStartupProgress:
			log.Debug().Int("progress", ev.Progress).Msg("Restoring session")
		default:
			log.Debug().Str("event", string(ev.Type)).Str("hash", string(ev.ID)).
				Str("name", ev.Name).Msg("Session event")
		}
	}
}
