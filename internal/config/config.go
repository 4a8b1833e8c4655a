// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultSourceURL             = "https://forums.redflagdeals.com/hot-deals-f9/trending/"
	DefaultScrapeIntervalMinutes = 30
	MinScrapeIntervalMinutes     = 5
)

// Config holds the application configuration.
type Config struct {
	DatabasePath          string
	ListenAddr            string
	LogLevel              string
	SourceURL             string
	ScrapeIntervalMinutes int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/dealwatch.db"
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	sourceURL := os.Getenv("SOURCE_URL")
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}

	interval := DefaultScrapeIntervalMinutes
	if raw := os.Getenv("SCRAPE_INTERVAL_MINUTES"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SCRAPE_INTERVAL_MINUTES %q: %w", raw, err)
		}
		if v < MinScrapeIntervalMinutes {
			return nil, fmt.Errorf("SCRAPE_INTERVAL_MINUTES must be at least %d, got %d", MinScrapeIntervalMinutes, v)
		}
		interval = v
	}

	return &Config{
		DatabasePath:          dbPath,
		ListenAddr:            addr,
		LogLevel:              logLevel,
		SourceURL:             sourceURL,
		ScrapeIntervalMinutes: interval,
	}, nil
}
