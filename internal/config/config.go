package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8080"`
	HTTPSPort string `env:"HTTPS_PORT" envDefault:"8443"`
	Domain    string `env:"DOMAIN" envDefault:"localhost"`
	HTTPOnly  bool   `env:"HTTP_ONLY"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	// FrontendURI is the allowed CORS origin in http-only mode.
	FrontendURI string `env:"FRONTEND_URI"`

	BackendURL     string        `env:"BACKEND_URL" envDefault:"http://localhost:4000"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`
	RoomServerURL  string        `env:"ROOM_SERVER_URL" envDefault:"ws://localhost:4100/ws"`

	StatusPollInterval time.Duration `env:"CALL_STATUS_POLL_INTERVAL" envDefault:"2s"`
	CloseDelay         time.Duration `env:"CALL_CLOSE_DELAY" envDefault:"1s"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"curocall.db"`
	KeysDir      string `env:"KEYS_DIR"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@curo.health"`
}

// Load reads ENV_FILE (or .env when present) into the environment and parses
// the configuration from it.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = defaultKeysDirectory()
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("BACKEND_URL is required")
	}
	if c.RoomServerURL == "" {
		return errors.New("ROOM_SERVER_URL is required")
	}
	if c.StatusPollInterval <= 0 {
		return errors.New("CALL_STATUS_POLL_INTERVAL must be positive")
	}
	if c.CloseDelay < 0 {
		return errors.New("CALL_CLOSE_DELAY must not be negative")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
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

func loadEnvFile() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	}
	// A missing .env is fine, the environment alone is enough.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func defaultKeysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// LoadVAPIDKeys returns the configured web push keys. When none are configured the
// keys are read from the keys directory, or generated and saved there.
func (c *Config) LoadVAPIDKeys(logger *slog.Logger) (*VAPIDKeys, error) {
	if c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != "" {
		return &VAPIDKeys{PublicKey: c.VAPIDPublicKey, PrivateKey: c.VAPIDPrivateKey, Subject: c.VAPIDSubject}, nil
	}

	publicKeyFile := filepath.Join(c.KeysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(c.KeysDir, "vapid-private.key")

	publicKey, pubErr := os.ReadFile(publicKeyFile)
	privateKey, privErr := os.ReadFile(privateKeyFile)
	if pubErr == nil && privErr == nil {
		return &VAPIDKeys{
			PublicKey:  strings.TrimSpace(string(publicKey)),
			PrivateKey: strings.TrimSpace(string(privateKey)),
			Subject:    c.VAPIDSubject,
		}, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}

	if err := os.MkdirAll(c.KeysDir, 0700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	if err := os.WriteFile(publicKeyFile, []byte(pub), 0600); err != nil {
		return nil, fmt.Errorf("save vapid public key: %w", err)
	}
	if err := os.WriteFile(privateKeyFile, []byte(priv), 0600); err != nil {
		return nil, fmt.Errorf("save vapid private key: %w", err)
	}
	logger.Info("vapid keys generated", "dir", c.KeysDir)

	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: c.VAPIDSubject}, nil
}
