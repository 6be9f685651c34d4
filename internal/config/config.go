package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "GEC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "gec.db"
	defaultLogLevel        = "info"
	defaultSessionIssuer   = "tauth"
	defaultCookieName      = "app_session"
	defaultLockTTLMinutes  = 30
	defaultArchiveBucket   = "gec-exports"
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabaseDSN          string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	LockTTL              time.Duration
	SharedTexts          bool
	AllowedOrigins       []string
	MetricsEnabled       bool
	Archive              ArchiveConfig
}

// ArchiveConfig locates the object store receiving export snapshots. An empty endpoint disables it.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an archive endpoint is configured.
func (a ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(a.Endpoint) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("assignment.lock_ttl_minutes", defaultLockTTLMinutes)
	configViper.SetDefault("assignment.shared_texts", false)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("metrics.enabled", true)
	configViper.SetDefault("archive.bucket", defaultArchiveBucket)
	configViper.SetDefault("archive.use_ssl", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		LockTTL:              time.Duration(configViper.GetInt("assignment.lock_ttl_minutes")) * time.Minute,
		SharedTexts:          configViper.GetBool("assignment.shared_texts"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
		MetricsEnabled:       configViper.GetBool("metrics.enabled"),
		Archive: ArchiveConfig{
			Endpoint:  configViper.GetString("archive.endpoint"),
			AccessKey: configViper.GetString("archive.access_key"),
			SecretKey: configViper.GetString("archive.secret_key"),
			Bucket:    configViper.GetString("archive.bucket"),
			UseSSL:    configViper.GetBool("archive.use_ssl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList flattens comma separated entries, which is how list values arrive from the environment.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %s or %s, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("assignment.lock_ttl_minutes must be positive")
	}
	if c.Archive.Enabled() {
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return fmt.Errorf("archive.bucket is required when archive.endpoint is set")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive.access_key and archive.secret_key are required when archive.endpoint is set")
		}
	}
	return nil
}
