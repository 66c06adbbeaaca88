// Package config reads the process configuration from environment
// variables. Missing required variables are a startup-time error; every
// knob has the documented default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration.
type Config struct {
	// Chain endpoints: websocket for event subscriptions, HTTP for
	// reads.
	ChainWSURL   string
	ChainHTTPURL string
	ContractAddr string

	// Store endpoints. RedisURL is optional.
	DatabaseURL string
	RedisURL    string

	// Concurrency caps.
	RPCConc int
	DBConc  int

	// Backfill shape.
	BackfillChunk int
	BackfillPage  int

	// Read API.
	Port string

	// Watchdog τ for idle subscriptions.
	WatchdogTimeout time.Duration

	// AssetsJSON optionally seeds the assets table at startup (JSON
	// array of asset objects).
	AssetsJSON string
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ChainWSURL:      os.Getenv("CHAIN_WS_URL"),
		ChainHTTPURL:    os.Getenv("CHAIN_HTTP_URL"),
		ContractAddr:    os.Getenv("CONTRACT_ADDR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		Port:            envDefault("PORT", "8080"),
		AssetsJSON:      os.Getenv("ASSETS_JSON"),
		RPCConc:         100,
		DBConc:          500,
		BackfillChunk:   400,
		BackfillPage:    10_000,
		WatchdogTimeout: 15 * time.Second,
	}

	for name, val := range map[string]string{
		"CHAIN_WS_URL":   cfg.ChainWSURL,
		"CHAIN_HTTP_URL": cfg.ChainHTTPURL,
		"CONTRACT_ADDR":  cfg.ContractAddr,
	} {
		if val == "" {
			return nil, fmt.Errorf("missing required env %s", name)
		}
	}

	var err error
	if cfg.RPCConc, err = envInt("RPC_CONC", cfg.RPCConc); err != nil {
		return nil, err
	}
	if cfg.DBConc, err = envInt("DB_CONC", cfg.DBConc); err != nil {
		return nil, err
	}
	if cfg.BackfillChunk, err = envInt("BACKFILL_CHUNK", cfg.BackfillChunk); err != nil {
		return nil, err
	}
	if cfg.BackfillPage, err = envInt("BACKFILL_PAGE", cfg.BackfillPage); err != nil {
		return nil, err
	}
	if s := os.Getenv("WATCHDOG_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid WATCHDOG_TIMEOUT %q: %w", s, err)
		}
		cfg.WatchdogTimeout = d
	}
	return cfg, nil
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}
