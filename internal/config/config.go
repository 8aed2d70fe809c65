// Package config provides centralized configuration management for the hub.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail fast
// with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Port   int
	DB     string
	DBType string // "sqlite" or "postgres"

	// Cookie / session configuration
	CookieSecretHex string
	CookieName      string
	CookieMaxAge    time.Duration

	// Spawner configuration
	SpawnerBackend    string // "kubernetes" or "process"
	Namespace         string
	Kubeconfig        string
	SingleUserImage   string
	SpawnTimeout      time.Duration
	SpawnPollInterval time.Duration

	// Proxy configuration
	ProxyAPIURL    string
	ProxyPublicURL string
	ProxyAuthToken string

	// Authenticator configuration
	AuthBackend string // "local", "noop", or "oidc"
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string

	AdminUsers []string

	// LocalUsers seeds the "local" auth backend's BcryptChecker, formatted
	// as "user:password,user:password" in HUB_LOCAL_USERS. Stands in for a
	// real PAM-backed account store (spec.md §5's "PAM-style authentication").
	LocalUsers map[string]string

	// Audit archive (optional; empty bucket disables archival)
	AuditS3Bucket   string
	AuditS3Region   string
	AuditS3Endpoint string
	AuditS3Prefix   string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultPort              = 8080
	DefaultDBPath            = "hub.db"
	DefaultDBType            = "sqlite"
	DefaultCookieName        = "hub-auth"
	DefaultCookieMaxAge      = 14 * 24 * time.Hour
	DefaultSpawnerBackend    = "process"
	DefaultNamespace         = "default"
	DefaultSingleUserImage   = "ghcr.io/rjsadow/hub-singleuser:latest"
	DefaultSpawnTimeout      = 60 * time.Second
	DefaultSpawnPollInterval = 500 * time.Millisecond
	DefaultAuthBackend       = "local"
	DefaultAuditS3Prefix     = "audit/"
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   DefaultPort,
		DB:     DefaultDBPath,
		DBType: DefaultDBType,

		CookieName:   DefaultCookieName,
		CookieMaxAge: DefaultCookieMaxAge,

		SpawnerBackend:    DefaultSpawnerBackend,
		Namespace:         DefaultNamespace,
		SingleUserImage:   DefaultSingleUserImage,
		SpawnTimeout:      DefaultSpawnTimeout,
		SpawnPollInterval: DefaultSpawnPollInterval,

		AuthBackend: DefaultAuthBackend,

		AuditS3Prefix: DefaultAuditS3Prefix,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("HUB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "HUB_PORT",
				Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
			})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("HUB_DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("HUB_DB_TYPE"); v != "" {
		c.DBType = v
	}

	if v := os.Getenv("HUB_COOKIE_SECRET"); v != "" {
		c.CookieSecretHex = v
	}
	if v := os.Getenv("HUB_COOKIE_NAME"); v != "" {
		c.CookieName = v
	}
	if v := os.Getenv("HUB_COOKIE_MAX_AGE"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "HUB_COOKIE_MAX_AGE",
				Message: fmt.Sprintf("invalid max age: %q (must be a positive integer representing hours)", v),
			})
		} else {
			c.CookieMaxAge = time.Duration(hours) * time.Hour
		}
	}

	if v := os.Getenv("HUB_SPAWNER"); v != "" {
		c.SpawnerBackend = v
	}
	if v := os.Getenv("HUB_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" {
		c.Kubeconfig = v
	}
	if v := os.Getenv("HUB_SINGLEUSER_IMAGE"); v != "" {
		c.SingleUserImage = v
	}
	if v := os.Getenv("HUB_SPAWN_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "HUB_SPAWN_TIMEOUT",
				Message: fmt.Sprintf("invalid timeout: %q (must be a positive integer representing seconds)", v),
			})
		} else {
			c.SpawnTimeout = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("HUB_PROXY_API_URL"); v != "" {
		c.ProxyAPIURL = v
	}
	if v := os.Getenv("HUB_PROXY_PUBLIC_URL"); v != "" {
		c.ProxyPublicURL = v
	}
	if v := os.Getenv("HUB_PROXY_AUTH_TOKEN"); v != "" {
		c.ProxyAuthToken = v
	}

	if v := os.Getenv("HUB_AUTH_BACKEND"); v != "" {
		c.AuthBackend = v
	}
	if v := os.Getenv("HUB_OIDC_ISSUER"); v != "" {
		c.OIDCIssuer = v
	}
	if v := os.Getenv("HUB_OIDC_CLIENT_ID"); v != "" {
		c.OIDCClientID = v
	}
	if v := os.Getenv("HUB_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDCClientSecret = v
	}
	if v := os.Getenv("HUB_OIDC_REDIRECT_URL"); v != "" {
		c.OIDCRedirectURL = v
	}

	if v := os.Getenv("HUB_ADMIN_USERS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				c.AdminUsers = append(c.AdminUsers, u)
			}
		}
	}

	if v := os.Getenv("HUB_LOCAL_USERS"); v != "" {
		users := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) == 2 && parts[0] != "" {
				users[parts[0]] = parts[1]
			}
		}
		c.LocalUsers = users
	}

	if v := os.Getenv("HUB_AUDIT_S3_BUCKET"); v != "" {
		c.AuditS3Bucket = v
	}
	if v := os.Getenv("HUB_AUDIT_S3_REGION"); v != "" {
		c.AuditS3Region = v
	}
	if v := os.Getenv("HUB_AUDIT_S3_ENDPOINT"); v != "" {
		c.AuditS3Endpoint = v
	}
	if v := os.Getenv("HUB_AUDIT_S3_PREFIX"); v != "" {
		c.AuditS3Prefix = v
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "HUB_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	if c.DB == "" {
		errs = append(errs, ValidationError{
			Field:   "HUB_DB",
			Message: "database path cannot be empty",
		})
	}

	switch c.DBType {
	case "sqlite", "postgres":
	default:
		errs = append(errs, ValidationError{
			Field:   "HUB_DB_TYPE",
			Message: fmt.Sprintf("unsupported database type: %q (must be \"sqlite\" or \"postgres\")", c.DBType),
		})
	}

	switch c.SpawnerBackend {
	case "kubernetes", "process":
	default:
		errs = append(errs, ValidationError{
			Field:   "HUB_SPAWNER",
			Message: fmt.Sprintf("unsupported spawner backend: %q (must be \"kubernetes\" or \"process\")", c.SpawnerBackend),
		})
	}

	switch c.AuthBackend {
	case "local", "noop", "oidc":
	default:
		errs = append(errs, ValidationError{
			Field:   "HUB_AUTH_BACKEND",
			Message: fmt.Sprintf("unsupported auth backend: %q (must be \"local\", \"noop\", or \"oidc\")", c.AuthBackend),
		})
	}

	if c.AuthBackend == "oidc" && (c.OIDCIssuer == "" || c.OIDCClientID == "") {
		errs = append(errs, ValidationError{
			Field:   "HUB_OIDC_ISSUER",
			Message: "HUB_OIDC_ISSUER and HUB_OIDC_CLIENT_ID are required when HUB_AUTH_BACKEND=oidc",
		})
	}

	return errs
}

// MustLoad loads configuration; if that fails it prints the error to stderr
// and exits the process with status 1.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}
