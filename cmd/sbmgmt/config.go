package main

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConnectionString = "SERVICEBUS_CONNECTION_STRING"
	envEntity           = "SERVICEBUS_ENTITY"
	envLogLevel         = "SERVICEBUS_LOG_LEVEL"
)

var errNoConnectionString = errors.New("connection string is required (--connection-string or " + envConnectionString + ")")

type config struct {
	connectionString string
	entity           string
	timeout          time.Duration
	logLevel         string
}

// loadConfig reads defaults from the environment, loading a .env file first
// when one is present
func loadConfig() *config {
	_ = godotenv.Load()

	return &config{
		connectionString: os.Getenv(envConnectionString),
		entity:           os.Getenv(envEntity),
		timeout:          30 * time.Second,
		logLevel:         envOr(envLogLevel, "warn"),
	}
}

func (c *config) validate() error {
	if strings.TrimSpace(c.connectionString) == "" {
		return errNoConnectionString
	}
	if strings.TrimSpace(c.entity) == "" {
		return errors.New("entity is required (--entity or " + envEntity + ")")
	}
	if c.timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

func (c *config) logger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(c.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
