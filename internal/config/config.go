package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "OMNIBRIDGE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultAuthIssuer          = "omnibridge-auth"
	defaultAuthAudience        = "omnibridge-api"
	defaultTokenTTLMinutes     = 30
	defaultStoreBackend        = StoreBackendMemory
	defaultDatabasePath        = "omnibridge.db"
	defaultCacheTTLSeconds     = 60
	defaultCacheMaxCost        = 10000
	defaultConnectorTimeoutMS  = 10000
	defaultGoogleMaxResults    = 20
	defaultLogLevel            = "info"
	defaultAllowTokenIssuance  = true
	defaultSearchMaxParallel   = 0
	defaultGmailBaseURL        = ""
	defaultDriveBaseURL        = ""
	defaultCORSAllowedOrigins  = "*"
	minimumSigningSecretLength = 16
)

// Credential store backends.
const (
	StoreBackendMemory = "memory"
	StoreBackendSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	SigningSecret      string
	TokenIssuer        string
	TokenAudience      string
	TokenTTL           time.Duration
	AllowTokenIssuance bool

	StoreBackend string
	DatabasePath string
	CacheTTL     time.Duration
	CacheMaxCost int64

	ConnectorTimeout time.Duration
	MaxParallel      int

	GmailBaseURL     string
	DriveBaseURL     string
	GoogleMaxResults int

	LogLevel       string
	AllowedOrigins []string
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
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.allow_token_issuance", defaultAllowTokenIssuance)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("store.cache_ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("store.cache_max_cost", defaultCacheMaxCost)
	configViper.SetDefault("search.connector_timeout_ms", defaultConnectorTimeoutMS)
	configViper.SetDefault("search.max_parallel", defaultSearchMaxParallel)
	configViper.SetDefault("google.gmail_base_url", defaultGmailBaseURL)
	configViper.SetDefault("google.drive_base_url", defaultDriveBaseURL)
	configViper.SetDefault("google.max_results", defaultGoogleMaxResults)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("cors.allowed_origins", defaultCORSAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.issuer"),
		TokenAudience:      configViper.GetString("auth.audience"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowTokenIssuance: configViper.GetBool("auth.allow_token_issuance"),
		StoreBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:       configViper.GetString("database.path"),
		CacheTTL:           time.Duration(configViper.GetInt("store.cache_ttl_seconds")) * time.Second,
		CacheMaxCost:       configViper.GetInt64("store.cache_max_cost"),
		ConnectorTimeout:   time.Duration(configViper.GetInt("search.connector_timeout_ms")) * time.Millisecond,
		MaxParallel:        configViper.GetInt("search.max_parallel"),
		GmailBaseURL:       configViper.GetString("google.gmail_base_url"),
		DriveBaseURL:       configViper.GetString("google.drive_base_url"),
		GoogleMaxResults:   configViper.GetInt("google.max_results"),
		LogLevel:           configViper.GetString("log.level"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretLength {
		return fmt.Errorf("auth.signing_secret is required and must be at least %d characters", minimumSigningSecretLength)
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendMemory, StoreBackendSQLite, c.StoreBackend)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl_seconds must not be negative")
	}
	if c.CacheTTL > 0 && c.CacheMaxCost <= 0 {
		return fmt.Errorf("store.cache_max_cost must be positive when caching is enabled")
	}
	if c.ConnectorTimeout <= 0 {
		return fmt.Errorf("search.connector_timeout_ms must be positive")
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("search.max_parallel must not be negative")
	}
	if c.GoogleMaxResults <= 0 {
		return fmt.Errorf("google.max_results must be positive")
	}
	return nil
}

// splitList accepts both list values and comma-separated strings, as env variables arrive as the latter.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
