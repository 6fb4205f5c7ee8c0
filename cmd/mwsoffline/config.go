package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/mws-restaurant/offline"
	"github.com/mws-restaurant/offline/internal/telemetry"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.mwsoffline/config.toml.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Storage   StorageConfig    `toml:"storage"`
	Sync      SyncConfig       `toml:"sync"`
	Telemetry telemetry.Config `toml:"telemetry"`
}

// ServerConfig holds the proxy settings.
type ServerConfig struct {
	ListenAddr     string            `toml:"listen_addr" env:"MWSOFFLINE_LISTEN_ADDR"`
	AppOrigin      string            `toml:"app_origin" env:"MWSOFFLINE_APP_ORIGIN"`
	APIBaseURL     string            `toml:"api_base_url" env:"MWSOFFLINE_API_BASE_URL"`
	APIPrefix      string            `toml:"api_prefix" env:"MWSOFFLINE_API_PREFIX"`
	ShellPaths     map[string]string `toml:"shell_paths,omitempty"`
	Precache       []string          `toml:"precache,omitempty" env:"MWSOFFLINE_PRECACHE" envSeparator:","`
	AllowedOrigins []string          `toml:"allowed_origins,omitempty" env:"MWSOFFLINE_ALLOWED_ORIGINS" envSeparator:","`
}

// StorageConfig holds the durable store settings.
type StorageConfig struct {
	DBPath          string `toml:"db_path" env:"MWSOFFLINE_DB_PATH"`
	CacheMaxEntries int    `toml:"cache_max_entries" env:"MWSOFFLINE_CACHE_MAX_ENTRIES"`
}

// SyncConfig holds replay settings.
type SyncConfig struct {
	// RequestTimeout is a Go duration string such as "30s".
	RequestTimeout string `toml:"request_timeout" env:"MWSOFFLINE_SYNC_REQUEST_TIMEOUT"`
}

// defaultPrecache is the install list cached before the proxy starts serving.
var defaultPrecache = []string{
	"/index.html",
	"/restaurant.html",
	"/css/styles.css",
	"/js/dbhelper.js",
	"/js/main.js",
	"/js/restaurant_info.js",
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "localhost:8000",
			AppOrigin:  "http://localhost:8001",
			APIBaseURL: offline.DefaultAPIBaseURL,
			APIPrefix:  "/api",
			Precache:   append([]string(nil), defaultPrecache...),
		},
		Storage: StorageConfig{
			CacheMaxEntries: offline.DefaultCacheEntries,
		},
		Sync: SyncConfig{
			RequestTimeout: offline.DefaultTimeout.String(),
		},
	}
}

// Timeout parses RequestTimeout, falling back to offline.DefaultTimeout.
func (c SyncConfig) Timeout() (time.Duration, error) {
	if strings.TrimSpace(c.RequestTimeout) == "" {
		return offline.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid sync.request_timeout %q: %w", c.RequestTimeout, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configFile overrides the default config path when set by --config.
var configFile string

// configDir returns the path to ~/.mwsoffline, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".mwsoffline")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file into cfg. A missing file leaves cfg
// unchanged.
func readConfigFile(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("cannot parse config: %w", err)
	}
	return nil
}

// loadConfig layers defaults, the config file and MWSOFFLINE_* environment
// variables, in that order.
func loadConfig() (*Config, error) {
	cfg := defaultConfig()
	if err := readConfigFile(cfg); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Storage.DBPath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cfg.Storage.DBPath = filepath.Join(dir, "offline.db")
	}
	return cfg, nil
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.listen_addr").
// List fields take comma-separated values.
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.listen_addr)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "listen_addr":
			cfg.Server.ListenAddr = value
		case "app_origin":
			cfg.Server.AppOrigin = value
		case "api_base_url":
			cfg.Server.APIBaseURL = value
		case "api_prefix":
			cfg.Server.APIPrefix = value
		case "precache":
			cfg.Server.Precache = splitList(value)
		case "allowed_origins":
			cfg.Server.AllowedOrigins = splitList(value)
		default:
			if shell, ok := strings.CutPrefix(field, "shell_paths."); ok {
				if cfg.Server.ShellPaths == nil {
					cfg.Server.ShellPaths = make(map[string]string)
				}
				cfg.Server.ShellPaths[shell] = value
				return nil
			}
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "storage":
		switch field {
		case "db_path":
			cfg.Storage.DBPath = value
		case "cache_max_entries":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("cache_max_entries must be an integer: %w", err)
			}
			cfg.Storage.CacheMaxEntries = n
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "sync":
		switch field {
		case "request_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("request_timeout must be a duration: %w", err)
			}
			cfg.Sync.RequestTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "telemetry":
		switch field {
		case "endpoint":
			cfg.Telemetry.Endpoint = value
		case "disabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("disabled must be true or false: %w", err)
			}
			cfg.Telemetry.Disabled = b
		default:
			return fmt.Errorf("unknown field %q in section [telemetry]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, storage, sync, telemetry)", section)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
