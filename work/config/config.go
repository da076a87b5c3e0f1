package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all runtime configuration for the panel core: store location,
// transcoder service endpoint, orchestration/reconciliation tuning and import
// behavior. Duration fields are parsed from strings in the JSON file.
type Config struct {
	BaseURL              string        `json:"baseURL"`              // Base URL of the panel (links, playlists)
	ListenAddr           string        `json:"listenAddr"`           // HTTP listen address for the admin API
	DatabasePath         string        `json:"databasePath"`         // SQLite database file path
	TranscoderURL        string        `json:"transcoderURL"`        // Base URL of the external transcoder service
	TranscoderTimeout    time.Duration `json:"transcoderTimeout"`    // Per-call timeout for transcoder requests
	TranscoderRateLimit  int           `json:"transcoderRateLimit"`  // Max outbound transcoder calls per second
	OutputBaseURL        string        `json:"outputBaseURL"`        // Base URL under which transcoded output is published
	ReconcileInterval    time.Duration `json:"reconcileInterval"`    // Interval of the reconciliation pass
	ReconcileMaxAttempts int           `json:"reconcileMaxAttempts"` // Stop retries before a stream is force-marked error
	ReconcileBaseDelay   time.Duration `json:"reconcileBaseDelay"`   // Initial backoff delay between stop retries
	StartingGracePeriod  time.Duration `json:"startingGracePeriod"`  // Age after which an unresolved starting row is orphaned
	SnapshotCacheTTL     time.Duration `json:"snapshotCacheTTL"`     // Dashboard snapshot cache lifetime
	WorkerThreads        int           `json:"workerThreads"`        // Worker pool size for background tasks
	DefaultQuality       string        `json:"defaultQuality"`       // Quality profile used when a channel has none
	DefaultBitrate       string        `json:"defaultBitrate"`       // Bitrate sent with start requests
	ImportAsInactive     bool          `json:"importAsInactive"`     // Imported channels start disabled when set
	ImportIncludeRegex   string        `json:"importIncludeRegex"`   // Only import channels whose name matches
	ImportExcludeRegex   string        `json:"importExcludeRegex"`   // Never import channels whose name matches
	LogLevel             string        `json:"logLevel"`             // Minimum log level (debug/info/warn/error)
	Debug                bool          `json:"debug"`                // Enable verbose debug logging
	ObfuscateUrls        bool          `json:"obfuscateUrls"`        // Obfuscate source URLs in logs
}

// ConfigFile mirrors Config for the on-disk JSON format. Durations are kept as
// strings (e.g. "10s", "1m") and parsed on load.
type ConfigFile struct {
	BaseURL              string `json:"baseURL"`
	ListenAddr           string `json:"listenAddr"`
	DatabasePath         string `json:"databasePath"`
	TranscoderURL        string `json:"transcoderURL"`
	TranscoderTimeout    string `json:"transcoderTimeout"`
	TranscoderRateLimit  int    `json:"transcoderRateLimit"`
	OutputBaseURL        string `json:"outputBaseURL"`
	ReconcileInterval    string `json:"reconcileInterval"`
	ReconcileMaxAttempts int    `json:"reconcileMaxAttempts"`
	ReconcileBaseDelay   string `json:"reconcileBaseDelay"`
	StartingGracePeriod  string `json:"startingGracePeriod"`
	SnapshotCacheTTL     string `json:"snapshotCacheTTL"`
	WorkerThreads        int    `json:"workerThreads"`
	DefaultQuality       string `json:"defaultQuality"`
	DefaultBitrate       string `json:"defaultBitrate"`
	ImportAsInactive     bool   `json:"importAsInactive"`
	ImportIncludeRegex   string `json:"importIncludeRegex,omitempty"`
	ImportExcludeRegex   string `json:"importExcludeRegex,omitempty"`
	LogLevel             string `json:"logLevel"`
	Debug                bool   `json:"debug"`
	ObfuscateUrls        bool   `json:"obfuscateUrls"`
}

// DefaultConfigPath is where LoadConfig looks for the settings file.
const DefaultConfigPath = "/settings/config.json"

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the cached configuration, loading it from
// DefaultConfigPath on first use. Falls back to defaults when the file is
// missing or invalid.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config, err := LoadFromFile(DefaultConfigPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", DefaultConfigPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	return config
}

// LoadFromFile reads and parses the configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:              cf.BaseURL,
		ListenAddr:           cf.ListenAddr,
		DatabasePath:         cf.DatabasePath,
		TranscoderURL:        cf.TranscoderURL,
		TranscoderRateLimit:  cf.TranscoderRateLimit,
		OutputBaseURL:        cf.OutputBaseURL,
		ReconcileMaxAttempts: cf.ReconcileMaxAttempts,
		WorkerThreads:        cf.WorkerThreads,
		DefaultQuality:       cf.DefaultQuality,
		DefaultBitrate:       cf.DefaultBitrate,
		ImportAsInactive:     cf.ImportAsInactive,
		ImportIncludeRegex:   cf.ImportIncludeRegex,
		ImportExcludeRegex:   cf.ImportExcludeRegex,
		LogLevel:             cf.LogLevel,
		Debug:                cf.Debug,
		ObfuscateUrls:        cf.ObfuscateUrls,
	}

	var err error
	if config.TranscoderTimeout, err = time.ParseDuration(cf.TranscoderTimeout); err != nil {
		return nil, fmt.Errorf("invalid transcoderTimeout: %w", err)
	}
	if config.ReconcileInterval, err = time.ParseDuration(cf.ReconcileInterval); err != nil {
		return nil, fmt.Errorf("invalid reconcileInterval: %w", err)
	}
	if config.ReconcileBaseDelay, err = time.ParseDuration(cf.ReconcileBaseDelay); err != nil {
		return nil, fmt.Errorf("invalid reconcileBaseDelay: %w", err)
	}
	if config.StartingGracePeriod, err = time.ParseDuration(cf.StartingGracePeriod); err != nil {
		return nil, fmt.Errorf("invalid startingGracePeriod: %w", err)
	}
	if config.SnapshotCacheTTL, err = time.ParseDuration(cf.SnapshotCacheTTL); err != nil {
		return nil, fmt.Errorf("invalid snapshotCacheTTL: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:              "http://localhost:8080",
		ListenAddr:           ":8080",
		DatabasePath:         "/settings/cryonix.db",
		TranscoderURL:        "http://localhost:8000",
		TranscoderTimeout:    10 * time.Second,
		TranscoderRateLimit:  10,
		OutputBaseURL:        "http://localhost:8080/streams",
		ReconcileInterval:    30 * time.Second,
		ReconcileMaxAttempts: 5,
		ReconcileBaseDelay:   5 * time.Second,
		StartingGracePeriod:  2 * time.Minute,
		SnapshotCacheTTL:     5 * time.Second,
		WorkerThreads:        8,
		DefaultQuality:       "720p",
		DefaultBitrate:       "2000k",
		LogLevel:             "info",
	}
}

// validateAndSetDefaults ensures all config values are usable, filling in
// defaults for missing or invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/cryonix.db"
	}
	if config.TranscoderURL == "" {
		config.TranscoderURL = "http://localhost:8000"
	}
	if config.TranscoderTimeout <= 0 {
		config.TranscoderTimeout = 10 * time.Second
	}
	if config.TranscoderRateLimit <= 0 {
		config.TranscoderRateLimit = 10
	}
	if config.OutputBaseURL == "" {
		config.OutputBaseURL = config.BaseURL + "/streams"
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = 30 * time.Second
	}
	if config.ReconcileMaxAttempts <= 0 {
		config.ReconcileMaxAttempts = 5
	}
	if config.ReconcileBaseDelay <= 0 {
		config.ReconcileBaseDelay = 5 * time.Second
	}
	if config.StartingGracePeriod <= 0 {
		config.StartingGracePeriod = 2 * time.Minute
	}
	if config.SnapshotCacheTTL <= 0 {
		config.SnapshotCacheTTL = 5 * time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.DefaultQuality == "" {
		config.DefaultQuality = "720p"
	}
	if config.DefaultBitrate == "" {
		config.DefaultBitrate = "2000k"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

// CreateExampleConfig writes an example settings file to the given path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:              "http://localhost:8080",
		ListenAddr:           ":8080",
		DatabasePath:         "/settings/cryonix.db",
		TranscoderURL:        "http://localhost:8000",
		TranscoderTimeout:    "10s",
		TranscoderRateLimit:  10,
		OutputBaseURL:        "http://localhost:8080/streams",
		ReconcileInterval:    "30s",
		ReconcileMaxAttempts: 5,
		ReconcileBaseDelay:   "5s",
		StartingGracePeriod:  "2m",
		SnapshotCacheTTL:     "5s",
		WorkerThreads:        8,
		DefaultQuality:       "720p",
		DefaultBitrate:       "2000k",
		ImportAsInactive:     false,
		ImportIncludeRegex:   "",
		ImportExcludeRegex:   "",
		LogLevel:             "info",
		Debug:                false,
		ObfuscateUrls:        true,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the cached config, forcing a reload on the next
// LoadConfig call. Used by the graceful-restart path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
