package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the gridback backtesting service.
type Config struct {
	Storage  Storage          `yaml:"storage"`
	Server   Server           `yaml:"server"`
	Backtest BacktestDefaults `yaml:"backtest"`
	Jobs     JobsConfig       `yaml:"jobs"`
	Alpaca   Alpaca           `yaml:"alpaca"`
	Logging  Logging          `yaml:"logging"`
}

// Storage holds paths and backend selection for tick and signal data.
type Storage struct {
	// Backend selects the tick store implementation: "sqlite" or "parquet".
	Backend    string `yaml:"backend"`
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	SignalsDir string `yaml:"signals_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BacktestDefaults controls simulation and caching behaviour.
type BacktestDefaults struct {
	Symbol           string  `yaml:"symbol"`
	PipValue         float64 `yaml:"pip_value"`
	ChunkSize        int     `yaml:"chunk_size"`
	MaxMemoryMB      float64 `yaml:"max_memory_mb"`
	TickCacheTTLMin  int     `yaml:"tick_cache_ttl_min"`
	ResultCacheTTLH  int     `yaml:"result_cache_ttl_h"`
	ResultCacheSize  int     `yaml:"result_cache_size"`
	MaxSignalHours   int     `yaml:"max_signal_hours"`
	TickToleranceSec int     `yaml:"tick_tolerance_sec"`
}

// JobsConfig controls the asynchronous job orchestrator.
type JobsConfig struct {
	Workers      int `yaml:"workers"`
	QueueSize    int `yaml:"queue_size"`
	KeepFinished int `yaml:"keep_finished"`
}

// Alpaca holds credentials for the optional equity tick gatherer.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Derived accessors
// ---------------------------------------------------------------------------

// TickCacheTTL returns the tick-cache TTL as a duration (default 10 minutes).
func (b BacktestDefaults) TickCacheTTL() time.Duration {
	if b.TickCacheTTLMin <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(b.TickCacheTTLMin) * time.Minute
}

// ResultCacheTTL returns the result-cache TTL as a duration (default 24h).
func (b BacktestDefaults) ResultCacheTTL() time.Duration {
	if b.ResultCacheTTLH <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.ResultCacheTTLH) * time.Hour
}

// MaxSignalDuration caps how far past its entry a signal may run (default 24h).
func (b BacktestDefaults) MaxSignalDuration() time.Duration {
	if b.MaxSignalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.MaxSignalHours) * time.Hour
}

// TickTolerance is the nearest-tick search window (default 5 minutes).
func (b BacktestDefaults) TickTolerance() time.Duration {
	if b.TickToleranceSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.TickToleranceSec) * time.Second
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default returns a Config populated with working defaults so the service
// can run without a config file.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Backend:    "sqlite",
			DataDir:    "data",
			SQLitePath: "data/ticks.db",
			SignalsDir: ".",
		},
		Server: Server{Host: "127.0.0.1", Port: 8090},
		Backtest: BacktestDefaults{
			Symbol:          "XAUUSD",
			PipValue:        0.10,
			ChunkSize:       50,
			MaxMemoryMB:     150,
			ResultCacheSize: 100,
		},
		Jobs:    JobsConfig{Workers: 1, QueueSize: 64, KeepFinished: 50},
		Logging: Logging{Level: "info"},
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRIDBACK_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("GRIDBACK_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("GRIDBACK_SIGNALS_DIR"); v != "" {
		cfg.Storage.SignalsDir = v
	}
	if v := os.Getenv("GRIDBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
