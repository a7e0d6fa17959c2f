package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Enabled  bool   `json:"enabled"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// Provider selects the generative backend used for extraction turns.
	Provider string `json:"provider"`
	// HistoryWindow caps how many trailing messages are sent to the backend.
	HistoryWindow int `json:"history_window"`
	// TurnTimeoutSec bounds a whole chat turn, lock wait included.
	TurnTimeoutSec int `json:"turn_timeout_sec"`
	// HealthTimeoutSec bounds the backend health probe.
	HealthTimeoutSec int `json:"health_timeout_sec"`
	// LockIdleMinutes controls reaping of idle per-conversation locks.
	LockIdleMinutes int `json:"lock_idle_minutes"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if cfg.BasicConfig.Provider == "" {
		return nil, fmt.Errorf("basic_config.provider must be configured")
	}
	if _, ok := cfg.Providers[cfg.BasicConfig.Provider]; !ok {
		return nil, fmt.Errorf("provider %s not present in providers", cfg.BasicConfig.Provider)
	}

	for name, db := range cfg.Databases {
		if db.DSN == "" || db.DSN == ":memory:" || filepath.IsAbs(db.DSN) {
			continue
		}
		if name == "sqlite" || name == "sqlite3" {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}
