package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mws-restaurant/offline"
	"github.com/mws-restaurant/offline/storage/sqlite"
)

func newLogger() *log.Logger {
	return log.New(os.Stderr, "mwsoffline: ", log.LstdFlags)
}

// openCore builds a Core over the durable store and cache at
// cfg.Storage.DBPath. The caller must Close it.
func openCore(ctx context.Context, cfg *Config, logger *log.Logger) (*offline.Core, error) {
	timeout, err := cfg.Sync.Timeout()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create storage directory: %w", err)
	}
	store, err := sqlite.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	return offline.New(ctx, offline.Options{
		AppOrigin:  cfg.Server.AppOrigin,
		APIBaseURL: cfg.Server.APIBaseURL,
		APIPrefix:  cfg.Server.APIPrefix,
		ShellPaths: cfg.Server.ShellPaths,
		Store:      store,
		Cache:      sqlite.NewCache(store, cfg.Storage.CacheMaxEntries),
		Timeout:    timeout,
		Logger:     logger,
	})
}

// withCore loads the config, opens a Core and runs fn with it.
func withCore(fn func(ctx context.Context, cfg *Config, core *offline.Core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := context.Background()
	core, err := openCore(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, cfg, core)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
