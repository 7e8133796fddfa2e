package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile      string        `env:"DIALOG_DB" envDefault:"dialog.db"`
	APIAddr     string        `env:"API_ADDR" envDefault:":8080"`
	NATSURL     string        `env:"NATS_URL"`
	InstanceID  string        `env:"INSTANCE_ID"`
	AuthSecret  string        `env:"AUTH_SECRET"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	MaxContentSize int           `env:"MAX_CONTENT_SIZE" envDefault:"4096"`
	PushTimeout    time.Duration `env:"PUSH_TIMEOUT" envDefault:"2s"`
	TypingExpiry   time.Duration `env:"TYPING_EXPIRY" envDefault:"5s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
}

// Load reads configuration from the environment. In cliMode the auth secret
// is optional so local admin commands can run without one.
func Load(cliMode bool) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.MaxContentSize <= 0 {
		return fmt.Errorf("MAX_CONTENT_SIZE must be greater than 0")
	}

	return nil
}
