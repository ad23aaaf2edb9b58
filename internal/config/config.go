package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DECRO"
	defaultHTTPAddress       = "127.0.0.1:8787"
	defaultDatabasePath      = "decro.db"
	defaultLogLevel          = "info"
	defaultRemoteDriver      = DriverPostgREST
	defaultRemoteRole        = "authenticated"
	defaultRemoteTimeout     = 15 * time.Second
	defaultRemoteRateRPS     = 10.0
	defaultSessionIssuer     = "decro-auth"
	defaultSessionCookieName = "decro_session"
	defaultSyncInterval      = 3 * time.Second
	defaultSyncBatchSize     = 10
	defaultSyncFeedLimit     = 100
	defaultSyncSourceID      = "decro"
	defaultOTELEndpoint      = "localhost:4317"
	defaultOTELServiceName   = "decro-sync"
	defaultOTELSampleRatio   = 1.0
)

// Remote drivers.
const (
	DriverPostgREST = "postgrest"
	DriverPostgres  = "postgres"
	DriverMemory    = "memory"
)

// RemoteConfig selects and configures the remote gateway.
type RemoteConfig struct {
	Driver      string
	URL         string
	APIKey      string
	JWTSecret   string
	Role        string
	DatabaseURL string
	RateRPS     float64
	Timeout     time.Duration
}

// SessionConfig configures how the signed-in identity is obtained.
type SessionConfig struct {
	Token         string
	SigningSecret string
	Issuer        string
	CookieName    string
}

// SyncConfig tunes the replay worker and hydration.
type SyncConfig struct {
	Interval    time.Duration
	BatchSize   int
	FeedLimit   int
	MaxAttempts int
	SourceID    string
}

// OTELConfig configures trace export.
type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Remote       RemoteConfig
	Session      SessionConfig
	Sync         SyncConfig
	OTEL         OTELConfig
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.driver", defaultRemoteDriver)
	configViper.SetDefault("remote.role", defaultRemoteRole)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.rate_rps", defaultRemoteRateRPS)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.feed_limit", defaultSyncFeedLimit)
	configViper.SetDefault("sync.max_attempts", 0)
	configViper.SetDefault("sync.source_id", defaultSyncSourceID)
	configViper.SetDefault("otel.enabled", false)
	configViper.SetDefault("otel.endpoint", defaultOTELEndpoint)
	configViper.SetDefault("otel.insecure", true)
	configViper.SetDefault("otel.service_name", defaultOTELServiceName)
	configViper.SetDefault("otel.sample_ratio", defaultOTELSampleRatio)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Remote: RemoteConfig{
			Driver:      strings.ToLower(strings.TrimSpace(configViper.GetString("remote.driver"))),
			URL:         strings.TrimSpace(configViper.GetString("remote.url")),
			APIKey:      configViper.GetString("remote.api_key"),
			JWTSecret:   configViper.GetString("remote.jwt_secret"),
			Role:        configViper.GetString("remote.role"),
			DatabaseURL: strings.TrimSpace(configViper.GetString("remote.database_url")),
			RateRPS:     configViper.GetFloat64("remote.rate_rps"),
			Timeout:     configViper.GetDuration("remote.timeout"),
		},
		Session: SessionConfig{
			Token:         configViper.GetString("session.token"),
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			CookieName:    configViper.GetString("session.cookie_name"),
		},
		Sync: SyncConfig{
			Interval:    configViper.GetDuration("sync.interval"),
			BatchSize:   configViper.GetInt("sync.batch_size"),
			FeedLimit:   configViper.GetInt("sync.feed_limit"),
			MaxAttempts: configViper.GetInt("sync.max_attempts"),
			SourceID:    configViper.GetString("sync.source_id"),
		},
		OTEL: OTELConfig{
			Enabled:     configViper.GetBool("otel.enabled"),
			Endpoint:    configViper.GetString("otel.endpoint"),
			Insecure:    configViper.GetBool("otel.insecure"),
			ServiceName: configViper.GetString("otel.service_name"),
			SampleRatio: configViper.GetFloat64("otel.sample_ratio"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Remote.Driver {
	case DriverPostgREST:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the %s driver", DriverPostgREST)
		}
		parsed, err := url.Parse(c.Remote.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("remote.url must be an absolute http(s) URL")
		}
		if strings.TrimSpace(c.Remote.APIKey) == "" {
			return fmt.Errorf("remote.api_key is required for the %s driver", DriverPostgREST)
		}
	case DriverPostgres:
		if c.Remote.DatabaseURL == "" {
			return fmt.Errorf("remote.database_url is required for the %s driver", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("remote.driver %q is not supported", c.Remote.Driver)
	}
	if c.Remote.RateRPS < 0 {
		return fmt.Errorf("remote.rate_rps must not be negative")
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.FeedLimit <= 0 {
		return fmt.Errorf("sync.feed_limit must be positive")
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if c.OTEL.Enabled {
		if strings.TrimSpace(c.OTEL.Endpoint) == "" {
			return fmt.Errorf("otel.endpoint is required when tracing is enabled")
		}
		if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
			return fmt.Errorf("otel.sample_ratio must be within [0, 1]")
		}
	}
	return nil
}
