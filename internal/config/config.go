package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	EnvPrefix = "GOCHAT_"

	BroadcastMemory = "memory"
	BroadcastRedis  = "redis"

	SessionStoreMemory   = "memory"
	SessionStorePostgres = "postgres"

	maxFallbackSecrets = 5
)

// Options holds raw settings as read from the environment and flags.
type Options struct {
	ServerAddr       string        `env:"ADDR" envDefault:"localhost:8000"`
	DatabaseDSN      string        `env:"DSN" envDefault:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	EncryptionKey    string        `env:"ENCRYPTION_KEY"`
	SessionSecret    string        `env:"SESSION_SECRET"`
	FallbackSecrets  []string      `env:"SESSION_SECRET_FALLBACKS" envSeparator:","`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	AuthBackends     []string      `env:"AUTH_BACKENDS" envDefault:"password" envSeparator:","`
	BroadcastBackend string        `env:"BROADCAST_BACKEND" envDefault:"memory"`
	SessionStore     string        `env:"SESSION_STORE" envDefault:"postgres"`
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"336h"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty        bool          `env:"LOG_PRETTY" envDefault:"false"`
	Migrate          bool          `env:"MIGRATE" envDefault:"true"`
	Redis            Redis         `envPrefix:"REDIS_"`
}

type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	Prefix   string `env:"PREFIX" envDefault:"gochat"`
}

type Config struct {
	ServerAddr       string
	DatabaseDSN      string
	EncryptionKey    string
	SessionSecret    []byte
	FallbackSecrets  [][]byte
	AllowedOrigins   []string
	AuthBackends     []string
	BroadcastBackend string
	SessionStore     string
	SessionTTL       time.Duration
	LogLevel         string
	LogPretty        bool
	Migrate          bool
	Redis            Redis
}

// LoadOptions reads GOCHAT_* environment variables.
func LoadOptions() (*Options, error) {
	var opts Options
	if err := env.ParseWithOptions(&opts, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return &opts, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(opts *Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.DatabaseDSN == "" && (opts.SessionStore == SessionStorePostgres || opts.Migrate) {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if opts.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	if opts.SessionSecret == "" {
		return nil, fmt.Errorf("session secret cannot be empty")
	}

	secret, err := decodeSigningSecret(opts.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("decode session secret: %w", err)
	}

	if len(opts.FallbackSecrets) > maxFallbackSecrets {
		return nil, fmt.Errorf("at most %d fallback secrets are allowed", maxFallbackSecrets)
	}

	fallbacks := make([][]byte, 0, len(opts.FallbackSecrets))
	for i, s := range opts.FallbackSecrets {
		key, err := decodeSigningSecret(s)
		if err != nil {
			return nil, fmt.Errorf("decode fallback secret %d: %w", i, err)
		}
		fallbacks = append(fallbacks, key)
	}

	if len(opts.AuthBackends) == 0 {
		return nil, fmt.Errorf("at least one auth backend is required")
	}

	switch opts.BroadcastBackend {
	case BroadcastMemory:
	case BroadcastRedis:
		if opts.Redis.Addr == "" {
			return nil, fmt.Errorf("redis address cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown broadcast backend %q", opts.BroadcastBackend)
	}

	switch opts.SessionStore {
	case SessionStoreMemory, SessionStorePostgres:
	default:
		return nil, fmt.Errorf("unknown session store %q", opts.SessionStore)
	}

	if opts.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be positive")
	}

	return &Config{
		ServerAddr:       opts.ServerAddr,
		DatabaseDSN:      opts.DatabaseDSN,
		EncryptionKey:    opts.EncryptionKey,
		SessionSecret:    secret,
		FallbackSecrets:  fallbacks,
		AllowedOrigins:   opts.AllowedOrigins,
		AuthBackends:     opts.AuthBackends,
		BroadcastBackend: opts.BroadcastBackend,
		SessionStore:     opts.SessionStore,
		SessionTTL:       opts.SessionTTL,
		LogLevel:         opts.LogLevel,
		LogPretty:        opts.LogPretty,
		Migrate:          opts.Migrate,
		Redis:            opts.Redis,
	}, nil
}
