// Package config loads process settings from the environment and newsletter settings from a file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the process configuration loaded from environment variables.
type Env struct {
	Port       string `env:"PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ConfigFile string `env:"CONFIG_FILE" envDefault:"./config.yaml"`

	// Storage: a local directory, a GCS bucket or an S3 bucket.
	StorageBackend string `env:"STORAGE_BACKEND"` // local, gcs or s3; inferred when empty
	LocalStorage   string `env:"LOCAL_STORAGE"`
	StorageBucket  string `env:"STORAGE_BUCKET"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3PathStyle    bool   `env:"S3_PATH_STYLE" envDefault:"false"`

	// Gmail API pools authenticate with these credentials, or ADC on Cloud Run.
	GoogleCredentialsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`

	TrackDebounce time.Duration `env:"TRACK_DEBOUNCE" envDefault:"10s"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"60s"`
}

// LoadEnv reads an optional .env file and parses the environment.
func LoadEnv() (*Env, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Env{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.resolveStorage(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Env) resolveStorage() error {
	if c.StorageBackend == "" {
		switch {
		case c.LocalStorage != "":
			c.StorageBackend = "local"
		case c.StorageBucket != "" && c.S3AccessKey != "":
			c.StorageBackend = "s3"
		case c.StorageBucket != "":
			c.StorageBackend = "gcs"
		default:
			c.StorageBackend = "local"
			c.LocalStorage = "./files"
		}
	}

	switch c.StorageBackend {
	case "local":
		if c.LocalStorage == "" {
			c.LocalStorage = "./files"
		}
	case "gcs", "s3":
		if c.StorageBucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for %s storage", c.StorageBackend)
		}
	default:
		return errors.New("STORAGE_BACKEND must be one of local, gcs, s3")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Env) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
