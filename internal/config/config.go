// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/torrentd/internal/domain"
)

var envPrefix = "TORRENTD__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	// Set defaults
	c.defaults()

	// Load from config file
	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	// Override with environment variables
	c.loadFromEnv()

	// Unmarshal the configuration
	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	// Resolve data directory after config is unmarshaled
	c.resolveDataDir()

	// Watch for config changes
	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	home, _ := os.UserHomeDir()
	defaultSavePath := filepath.Join(home, "Downloads", "torrents")

	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)

	c.viper.SetDefault("savePath", defaultSavePath)
	c.viper.SetDefault("downloadPath", "")
	c.viper.SetDefault("downloadPathEnabled", false)

	c.viper.SetDefault("resumeDataStorageType", "file")
	c.viper.SetDefault("saveResumeDataInterval", 1)

	c.viper.SetDefault("queueingEnabled", false)
	c.viper.SetDefault("addTorrentToQueueTop", false)
	c.viper.SetDefault("addTorrentStopped", false)
	c.viper.SetDefault("subcategoriesEnabled", false)
	c.viper.SetDefault("useCategoryPathsInManualMode", false)

	c.viper.SetDefault("autoTMMDisabledByDefault", true)
	c.viper.SetDefault("disableAutoTMMWhenCategoryChanged", false)
	c.viper.SetDefault("disableAutoTMMWhenDefaultSavePathChanged", true)
	c.viper.SetDefault("disableAutoTMMWhenCategorySavePathChanged", true)

	c.viper.SetDefault("maxConcurrentLoads", 10)
	c.viper.SetDefault("alertPollInterval", 500)
	c.viper.SetDefault("metadataTimeout", 0)
	c.viper.SetDefault("shutdownTimeout", 30)

	c.viper.SetDefault("bindPort", 0)
	c.viper.SetDefault("dhtEnabled", true)
	c.viper.SetDefault("pexEnabled", true)
	c.viper.SetDefault("seedingEnabled", true)

	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9074)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		// Determine if this is a directory or file path
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		// Try to read the config
		if err := c.viper.ReadInConfig(); err != nil {
			// If file doesn't exist, create it
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				// Re-read after creating
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		// Search for config in standard locations
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")                   // Current directory
		c.viper.AddConfigPath(GetDefaultConfigDir()) // OS-specific config directory

		// Try to read existing config
		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				// No config found, create in OS-specific location
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				// Set the config file explicitly and read it
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				// Explicitly set data directory for newly created config
				configDir := filepath.Dir(defaultConfigPath)
				c.dataDir = configDir
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	// Use double underscore to avoid conflicts with K8s deployment_PORT patterns
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")

	c.viper.BindEnv("savePath", envPrefix+"SAVE_PATH")
	c.viper.BindEnv("downloadPath", envPrefix+"DOWNLOAD_PATH")
	c.viper.BindEnv("downloadPathEnabled", envPrefix+"DOWNLOAD_PATH_ENABLED")

	c.viper.BindEnv("resumeDataStorageType", envPrefix+"RESUME_DATA_STORAGE_TYPE")
	c.viper.BindEnv("saveResumeDataInterval", envPrefix+"SAVE_RESUME_DATA_INTERVAL")

	c.viper.BindEnv("queueingEnabled", envPrefix+"QUEUEING_ENABLED")
	c.viper.BindEnv("addTorrentToQueueTop", envPrefix+"ADD_TORRENT_TO_QUEUE_TOP")
	c.viper.BindEnv("addTorrentStopped", envPrefix+"ADD_TORRENT_STOPPED")
	c.viper.BindEnv("subcategoriesEnabled", envPrefix+"SUBCATEGORIES_ENABLED")
	c.viper.BindEnv("useCategoryPathsInManualMode", envPrefix+"USE_CATEGORY_PATHS_IN_MANUAL_MODE")

	c.viper.BindEnv("autoTMMDisabledByDefault", envPrefix+"AUTO_TMM_DISABLED_BY_DEFAULT")
	c.viper.BindEnv("disableAutoTMMWhenCategoryChanged", envPrefix+"DISABLE_AUTO_TMM_WHEN_CATEGORY_CHANGED")
	c.viper.BindEnv("disableAutoTMMWhenDefaultSavePathChanged", envPrefix+"DISABLE_AUTO_TMM_WHEN_DEFAULT_SAVE_PATH_CHANGED")
	c.viper.BindEnv("disableAutoTMMWhenCategorySavePathChanged", envPrefix+"DISABLE_AUTO_TMM_WHEN_CATEGORY_SAVE_PATH_CHANGED")

	c.viper.BindEnv("maxConcurrentLoads", envPrefix+"MAX_CONCURRENT_LOADS")
	c.viper.BindEnv("alertPollInterval", envPrefix+"ALERT_POLL_INTERVAL")
	c.viper.BindEnv("metadataTimeout", envPrefix+"METADATA_TIMEOUT")
	c.viper.BindEnv("shutdownTimeout", envPrefix+"SHUTDOWN_TIMEOUT")

	c.viper.BindEnv("bindPort", envPrefix+"BIND_PORT")
	c.viper.BindEnv("dhtEnabled", envPrefix+"DHT_ENABLED")
	c.viper.BindEnv("pexEnabled", envPrefix+"PEX_ENABLED")
	c.viper.BindEnv("seedingEnabled", envPrefix+"SEEDING_ENABLED")

	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		// Reload configuration
		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		// Apply dynamic changes
		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	// Create config template
	configTemplate := `# config.toml - Auto-generated on first run

# Default save path for completed torrent content
savePath = "{{ .savePath }}"

# Incomplete downloads directory
# Content lives here until a torrent finishes, then moves to its save path.
# Optional
#downloadPath = "/data/incomplete"
#downloadPathEnabled = true

# Resume data backend
# Options: "file" (one JSON file per torrent), "sqlite" (single database)
# Default: "file"
#resumeDataStorageType = "file"

# Minutes between periodic resume data flushes (0 disables the periodic flush)
# Default: 1
#saveResumeDataInterval = 1

# Torrent queueing
# Default: false
#queueingEnabled = false

# Place newly added torrents at the top of the queue
# Default: false
#addTorrentToQueueTop = false

# Subcategory support ("movies/hd" nests under "movies")
# Default: false
#subcategoriesEnabled = false

# Use category save paths for manually managed torrents too
# Default: false
#useCategoryPathsInManualMode = false

# Automatic Torrent Management
# New torrents with a category get automatic path management unless disabled here.
# Default: true
#autoTMMDisabledByDefault = true

# When a torrent's category changes, switch it to manual mode instead of relocating
# Default: false
#disableAutoTMMWhenCategoryChanged = false

# When the default save path changes, switch affected torrents to manual mode
# Default: true
#disableAutoTMMWhenDefaultSavePathChanged = true

# When a category's save path changes, switch affected torrents to manual mode
# Default: true
#disableAutoTMMWhenCategorySavePathChanged = true

# Concurrent torrent loads during startup restore
# Default: 10
#maxConcurrentLoads = 10

# Milliseconds between engine alert polls
# Default: 500
#alertPollInterval = 500

# Seconds before an unfinished metadata-only download is abandoned (0 keeps waiting)
# Default: 0
#metadataTimeout = 0

# Seconds to wait for storage moves and resume flushes on shutdown
# Default: 30
#shutdownTimeout = 30

# BitTorrent listen port (0 picks a random free port)
# Default: 0
#bindPort = 0

# Peer discovery
# Default: true
#dhtEnabled = true
#pexEnabled = true

# Keep seeding after a torrent finishes
# Default: true
#seedingEnabled = true

# Data directory (default: next to config file)
# Resume data and the torrentd.db database live inside this directory
#dataDir = "/var/db/torrentd"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/torrentd.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus Metrics
# Enable Prometheus metrics on a separate port
# Default: false
#metricsEnabled = false

# Metrics server host (bind address for metrics endpoint)
# Default: "127.0.0.1"
# Set to "0.0.0.0" to bind to all interfaces if needed
#metricsHost = "127.0.0.1"

# Metrics server port
# Default: 9074 (standard Prometheus range)
#metricsPort = 9074
`

	// Prepare template data
	data := map[string]any{
		"savePath":      c.viper.GetString("savePath"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
	}

	// Parse and execute template
	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	// Create config file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// Helper functions

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// First check if XDG_CONFIG_HOME is set (Docker containers set this to /config)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// If XDG_CONFIG_HOME is /config (Docker), use it directly
		if xdgConfig == "/config" {
			return xdgConfig
		}
		// Otherwise append torrentd subdirectory
		return filepath.Join(xdgConfig, "torrentd")
	}

	switch runtime.GOOS {
	case "windows":
		// Use %APPDATA%\torrentd on Windows
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "torrentd")
		}
		// Fallback to home directory
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "torrentd")
	default:
		// Use ~/.config/torrentd for Unix-like systems
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "torrentd")
	}
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	// Create log directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatTimestamp = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			msg := strings.TrimSpace(fmt.Sprint(i))
			if msg == "" {
				return ""
			}
			return msg
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	// Check if it's a direct file path (ends with .toml) - backward compatibility
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	// Check if the path points to an existing file (backward compatibility)
	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	// Treat as directory path and append config.toml
	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the SQLite resume database
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "torrentd.db")
}

// GetResumeDataDir returns the directory for file-backed resume data
func (c *AppConfig) GetResumeDataDir() string {
	return filepath.Join(c.dataDir, "resume")
}

// GetEngineDataDir returns the transfer engine's working directory
func (c *AppConfig) GetEngineDataDir() string {
	return filepath.Join(c.dataDir, "engine")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	// Fallback to default config directory when no config file is explicitly used
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}
