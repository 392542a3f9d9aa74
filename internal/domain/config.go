// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshal target for the TOML configuration file.
type Config struct {
	Version string

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	// Default locations for torrent content.
	SavePath            string `mapstructure:"savePath"`
	DownloadPath        string `mapstructure:"downloadPath"`
	DownloadPathEnabled bool   `mapstructure:"downloadPathEnabled"`

	// Resume data persistence. One of "file" (flat file per torrent) or
	// "sqlite" (single transactional database).
	ResumeDataStorageType  string `mapstructure:"resumeDataStorageType"`
	SaveResumeDataInterval int    `mapstructure:"saveResumeDataInterval"` // minutes, 0 disables

	QueueingEnabled              bool `mapstructure:"queueingEnabled"`
	AddTorrentToQueueTop         bool `mapstructure:"addTorrentToQueueTop"`
	AddTorrentStopped            bool `mapstructure:"addTorrentStopped"`
	SubcategoriesEnabled         bool `mapstructure:"subcategoriesEnabled"`
	UseCategoryPathsInManualMode bool `mapstructure:"useCategoryPathsInManualMode"`

	// Automatic Torrent Management behavior toggles.
	AutoTMMDisabledByDefault                  bool `mapstructure:"autoTMMDisabledByDefault"`
	DisableAutoTMMWhenCategoryChanged         bool `mapstructure:"disableAutoTMMWhenCategoryChanged"`
	DisableAutoTMMWhenDefaultSavePathChanged  bool `mapstructure:"disableAutoTMMWhenDefaultSavePathChanged"`
	DisableAutoTMMWhenCategorySavePathChanged bool `mapstructure:"disableAutoTMMWhenCategorySavePathChanged"`

	MaxConcurrentLoads int `mapstructure:"maxConcurrentLoads"`
	AlertPollInterval  int `mapstructure:"alertPollInterval"` // milliseconds
	MetadataTimeout    int `mapstructure:"metadataTimeout"`   // seconds, 0 disables
	ShutdownTimeout    int `mapstructure:"shutdownTimeout"`   // seconds

	// Transfer engine settings.
	BindPort       int  `mapstructure:"bindPort"` // 0 picks a random port
	DHTEnabled     bool `mapstructure:"dhtEnabled"`
	PEXEnabled     bool `mapstructure:"pexEnabled"`
	SeedingEnabled bool `mapstructure:"seedingEnabled"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`
}
