package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultFirestoreProject = "p2p-relay"
	DefaultSTUNURL          = "stun:stun.l.google.com:19302"
)

type Config struct {
	SignalBaseURL    string
	FirestoreProject string
	STUNURL          string

	PollInterval    time.Duration
	NotFoundBackoff time.Duration
	TickRate        time.Duration
	PingInterval    time.Duration

	ListenAddr string
	LogLevel   string
	DevLog     bool
}

// Load reads the optional .env file in the working directory and then the
// environment. Invalid durations or booleans are errors; unset keys fall back
// to defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		SignalBaseURL:    getEnv("P2P_SIGNAL_BASE_URL", ""),
		FirestoreProject: getEnv("P2P_FIRESTORE_PROJECT", DefaultFirestoreProject),
		STUNURL:          getEnv("P2P_STUN_URL", DefaultSTUNURL),
		ListenAddr:       getEnv("P2P_LISTEN_ADDR", ":8081"),
		LogLevel:         getEnv("P2P_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PollInterval, err = getDuration("P2P_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.NotFoundBackoff, err = getDuration("P2P_NOT_FOUND_BACKOFF", 1500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.TickRate, err = getDuration("P2P_TICK_RATE", 16*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = getDuration("P2P_PING_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.DevLog, err = getBool("P2P_DEV_LOG", false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BaseURL is the document-store collection root rooms live under.
func (c *Config) BaseURL() string {
	if c.SignalBaseURL != "" {
		return c.SignalBaseURL
	}
	return fmt.Sprintf("https://firestore.googleapis.com/v1/projects/%s/databases/(default)/documents", c.FirestoreProject)
}

// getEnv reads an environment variable and returns its value or a default value
func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		log.Printf("[config] %s not set, using default value: %q", key, defaultValue)
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
