// Package config loads environment variables and provides a typed Config used across the client.
// The two endpoint bases (API_BASE_URL, WS_BASE_URL) are required: Load fails fast when either is
// missing instead of guessing a host. Everything else has a local-dev default or disables a feature.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrMissing is returned (wrapped) when a required variable is unset.
var ErrMissing = errors.New("missing required configuration")

// Token store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// CallbackPath is the fixed path the federated provider redirects back to.
const CallbackPath = "/auth/callback"

type Config struct {
	// First-party backend
	APIBaseURL string
	WSBaseURL  string

	// Federated provider (Supabase)
	SupabaseURL     string
	SupabaseAnonKey string
	OAuthProvider   string

	// Local companion server
	HTTPAddr  string
	UIOrigins []string

	// Persistence
	TokenStore    string
	DataDir       string
	DBDsn         string
	EncryptionKey string
	ChatRecord    bool

	FederatedRefreshInterval time.Duration
	FederatedRefreshWindow   time.Duration
}

// Load reads environment variables and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	var err error
	if cfg.APIBaseURL, err = requireURL("API_BASE_URL", "http", "https"); err != nil {
		return nil, err
	}
	if cfg.WSBaseURL, err = requireURL("WS_BASE_URL", "ws", "wss"); err != nil {
		return nil, err
	}

	cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	cfg.OAuthProvider = os.Getenv("OAUTH_PROVIDER")
	if cfg.OAuthProvider == "" {
		cfg.OAuthProvider = "google"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:5173"
	}
	if v := os.Getenv("UI_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.UIOrigins = append(cfg.UIOrigins, o)
			}
		}
	} else {
		cfg.UIOrigins = []string{"http://localhost:3000"}
	}

	cfg.TokenStore = strings.ToLower(os.Getenv("TOKEN_STORE"))
	switch cfg.TokenStore {
	case "":
		cfg.TokenStore = StoreFile
	case StoreFile, StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("invalid TOKEN_STORE %q (file|postgres|memory)", cfg.TokenStore)
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.ChatRecord = os.Getenv("CHAT_RECORD") == "1"

	cfg.FederatedRefreshInterval = durationEnv("FEDERATED_REFRESH_INTERVAL", 5*time.Minute)
	cfg.FederatedRefreshWindow = durationEnv("FEDERATED_REFRESH_WINDOW", 10*time.Minute)

	return cfg, nil
}

// FederatedEnabled reports whether the Supabase credentials are present.
func (c *Config) FederatedEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
}

// ValidateDatabase checks the fields needed by anything that opens Postgres.
func (c *Config) ValidateDatabase() error {
	if c.DBDsn == "" {
		return fmt.Errorf("%w: DB_DSN (required by TOKEN_STORE=postgres or CHAT_RECORD=1)", ErrMissing)
	}
	return nil
}

// NeedsDatabase reports whether any enabled feature requires Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.TokenStore == StorePostgres || c.ChatRecord
}

// CallbackURL is the absolute redirect target handed to the provider.
func (c *Config) CallbackURL() string {
	host := c.HTTPAddr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + CallbackPath
}

func requireURL(key string, schemes ...string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, key)
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return strings.TrimRight(v, "/"), nil
		}
	}
	return "", fmt.Errorf("invalid %s %q: scheme must be one of %v", key, v, schemes)
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
