package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StoreFirestore = "firestore"
	StoreBadger    = "badger"

	// DefaultJWTSecret is only acceptable in development.
	DefaultJWTSecret = "your-secret-key"
)

type Config struct {
	ServerPort  string `env:"SERVER_PORT,default=8080"`
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	StoreDriver  string        `env:"STORE_DRIVER,default=badger"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT,default=5s"`
	BadgerPath   string        `env:"BADGER_PATH,default=./data/chat"`

	FirebaseProject            string `env:"FIREBASE_PROJECT_ID"`
	FirebaseServiceAccountJSON string `env:"FIREBASE_SERVICE_ACCOUNT_JSON"`
	FirebaseServiceAccountPath string `env:"FIREBASE_SERVICE_ACCOUNT_PATH"`

	JWTSecret string `env:"JWT_SECRET,default=your-secret-key"`
	JWTExpiry int64  `env:"JWT_EXPIRY,default=86400"`

	ConflictRetries  int `env:"CHAT_CONFLICT_RETRIES,default=3"`
	WSSendBuffer     int `env:"WS_SEND_BUFFER,default=256"`
	MaxMessageLength int `env:"MAX_MESSAGE_LENGTH,default=4000"`
}

func Load() (*Config, error) {
	// A missing .env file is fine outside local development.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required for the badger store")
		}
	case StoreFirestore:
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if !c.IsDevelopment() && (c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret) {
		return fmt.Errorf("JWT_SECRET must be set to a non-default value outside development")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("CHAT_CONFLICT_RETRIES must not be negative")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTExpiry) * time.Second
}
