// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"videofleet/src/driver"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"videofleet"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"require"`
	TaskStore  string `env:"TASK_STORE" envDefault:"postgres"`

	APIPort         string        `env:"API_PORT" envDefault:"8080"`
	PollingInterval time.Duration `env:"POLLING_INTERVAL" envDefault:"2s"`
	CooldownMin     time.Duration `env:"COOLDOWN_MIN" envDefault:"60s"`
	CooldownMax     time.Duration `env:"COOLDOWN_MAX" envDefault:"120s"`

	WorkerProfiles      []string      `env:"WORKER_PROFILES" envSeparator:","`
	AccountsFile        string        `env:"ACCOUNTS_FILE"`
	DetectOpenOnStartup bool          `env:"DETECT_OPEN_ON_STARTUP" envDefault:"true"`
	CloseOnShutdown     bool          `env:"CLOSE_ON_SHUTDOWN" envDefault:"false"`
	OpenMaxAttempts     int           `env:"OPEN_MAX_ATTEMPTS" envDefault:"4"`
	OpenBackoff         time.Duration `env:"OPEN_BACKOFF" envDefault:"2s"`
	OpenBackoffMax      time.Duration `env:"OPEN_BACKOFF_MAX" envDefault:"30s"`
	ForceCloseStale     bool          `env:"FORCE_CLOSE_STALE" envDefault:"true"`
	HealthInterval      time.Duration `env:"HEALTH_INTERVAL" envDefault:"1m"`

	ContainerImage    string  `env:"CONTAINER_IMAGE" envDefault:"videofleet/automation:latest"`
	ContainerPrefix   string  `env:"CONTAINER_PREFIX" envDefault:"videofleet-worker-"`
	ContainerMemoryMB int64   `env:"CONTAINER_MEMORY_MB" envDefault:"2048"`
	ContainerCPULimit float64 `env:"CONTAINER_CPU_LIMIT" envDefault:"1.0"`
	PullImage         bool    `env:"PULL_IMAGE" envDefault:"true"`
	AppURL            string  `env:"APP_URL" envDefault:"https://sora.chatgpt.com"`

	LogFile       string `env:"LOG_FILE"`
	LogMaxSize    int    `env:"LOG_MAX_SIZE" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAge     int    `env:"LOG_MAX_AGE" envDefault:"30"`
	OTelStdout    bool   `env:"OTEL_STDOUT" envDefault:"false"`
}

// Load reads the given .env files (".env" when none are named) and parses
// the environment. Missing .env files are not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.TaskStore {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("TASK_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.TaskStore)
	}
	if c.PollingInterval <= 0 {
		return errors.New("POLLING_INTERVAL must be positive")
	}
	if c.CooldownMin < 0 || c.CooldownMax < c.CooldownMin {
		return fmt.Errorf("cooldown window [%s, %s] is invalid", c.CooldownMin, c.CooldownMax)
	}
	if c.OpenMaxAttempts < 1 {
		return errors.New("OPEN_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

// LoadAccounts reads profile credentials keyed by worker id.
func LoadAccounts(path string) (map[string]driver.Credentials, error) {
	accounts := map[string]driver.Credentials{}
	if path == "" {
		return accounts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	return accounts, nil
}
