package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

var validStoreBackends = []string{"memory", "redis", "postgres"}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	OAuth     OAuthConfig
	CRM       CRMConfig
	Store     StoreConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	StaticDir  string `yaml:"static_dir"`
}

// OAuthConfig configures the CRM provider OAuth application.
type OAuthConfig struct {
	ClientID         string
	ClientSecret     string
	AuthURL          string
	TokenURL         string
	Scopes           []string
	AppBaseURL       string
	DefaultAccountID string
}

// CRMConfig configures CRM REST API interactions.
type CRMConfig struct {
	APIBaseURL     string
	RequestTimeout time.Duration
	SampleLimit    int
}

// StoreConfig configures credential persistence.
type StoreConfig struct {
	Backend       string
	Namespace     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string
}

// AuditConfig configures audit probe behavior.
type AuditConfig struct {
	StaleThreshold time.Duration
	// DistributionProperty is the categorical contact property behind the
	// lifecycle_distribution metric. The metric keeps that fixed name no
	// matter which property is configured here.
	DistributionProperty string
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// RedirectURI returns the OAuth callback URI derived from the app base URL.
func (o OAuthConfig) RedirectURI() string {
	return strings.TrimRight(o.AppBaseURL, "/") + "/api/oauth-callback"
}

// Load reads configuration from YAML and applies defaults. Validation is a
// separate step so secrets overlaid from the environment (ApplyEnv) count.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	return cfg, nil
}

// ApplyEnv overlays secret-bearing settings from the provided lookup. The
// lookup is injected so no package beyond main touches ambient process state.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c == nil || lookup == nil {
		return
	}
	if value, ok := lookup("CRM_AUDIT_OAUTH_CLIENT_ID"); ok && value != "" {
		c.OAuth.ClientID = value
	}
	if value, ok := lookup("CRM_AUDIT_OAUTH_CLIENT_SECRET"); ok && value != "" {
		c.OAuth.ClientSecret = value
	}
	if value, ok := lookup("CRM_AUDIT_REDIS_PASSWORD"); ok && value != "" {
		c.Store.RedisPassword = value
	}
	if value, ok := lookup("CRM_AUDIT_POSTGRES_URL"); ok && value != "" {
		c.Store.PostgresURL = value
	}
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.OAuth.ClientID == "" {
		errs = append(errs, "oauth.client_id is required")
	}
	if c.OAuth.ClientSecret == "" {
		errs = append(errs, "oauth.client_secret is required")
	}
	if c.OAuth.AuthURL == "" {
		errs = append(errs, "oauth.auth_url is required")
	}
	if c.OAuth.TokenURL == "" {
		errs = append(errs, "oauth.token_url is required")
	}
	if c.OAuth.AppBaseURL == "" {
		errs = append(errs, "oauth.app_base_url is required")
	}
	if len(c.OAuth.Scopes) == 0 {
		errs = append(errs, "oauth.scopes must contain at least one scope")
	}

	if c.CRM.APIBaseURL == "" {
		errs = append(errs, "crm.api_base_url is required")
	}
	if c.CRM.RequestTimeout <= 0 {
		errs = append(errs, "crm.request_timeout must be > 0")
	}
	if c.CRM.SampleLimit <= 0 {
		errs = append(errs, "crm.sample_limit must be > 0")
	}

	if !slices.Contains(validStoreBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be one of memory|redis|postgres")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		errs = append(errs, "store.redis_addr is required when store.backend=redis")
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresURL == "" {
		errs = append(errs, "store.postgres_url is required when store.backend=postgres")
	}

	if c.Audit.StaleThreshold <= 0 {
		errs = append(errs, "audit.stale_threshold must be > 0")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "web/dist"
	}
	if cfg.CRM.RequestTimeout <= 0 {
		cfg.CRM.RequestTimeout = 15 * time.Second
	}
	if cfg.CRM.SampleLimit <= 0 {
		cfg.CRM.SampleLimit = 100
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "crm-audit"
	}
	if cfg.Audit.StaleThreshold <= 0 {
		cfg.Audit.StaleThreshold = 30 * 24 * time.Hour
	}
	if cfg.Audit.DistributionProperty == "" {
		cfg.Audit.DistributionProperty = "lifecyclestage"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	OAuth     rawOAuth     `yaml:"oauth"`
	CRM       rawCRM       `yaml:"crm"`
	Store     rawStore     `yaml:"store"`
	Audit     rawAudit     `yaml:"audit"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawOAuth struct {
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	AuthURL          string   `yaml:"auth_url"`
	TokenURL         string   `yaml:"token_url"`
	Scopes           []string `yaml:"scopes"`
	AppBaseURL       string   `yaml:"app_base_url"`
	DefaultAccountID string   `yaml:"default_account_id"`
}

type rawCRM struct {
	APIBaseURL     string   `yaml:"api_base_url"`
	RequestTimeout duration `yaml:"request_timeout"`
	SampleLimit    int      `yaml:"sample_limit"`
}

type rawStore struct {
	Backend       string `yaml:"backend"`
	Namespace     string `yaml:"namespace"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresURL   string `yaml:"postgres_url"`
}

type rawAudit struct {
	StaleThreshold       duration `yaml:"stale_threshold"`
	DistributionProperty string   `yaml:"distribution_property"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		OAuth: OAuthConfig{
			ClientID:         r.OAuth.ClientID,
			ClientSecret:     r.OAuth.ClientSecret,
			AuthURL:          r.OAuth.AuthURL,
			TokenURL:         r.OAuth.TokenURL,
			Scopes:           r.OAuth.Scopes,
			AppBaseURL:       r.OAuth.AppBaseURL,
			DefaultAccountID: r.OAuth.DefaultAccountID,
		},
		CRM: CRMConfig{
			APIBaseURL:     r.CRM.APIBaseURL,
			RequestTimeout: r.CRM.RequestTimeout.Duration,
			SampleLimit:    r.CRM.SampleLimit,
		},
		Store: StoreConfig{
			Backend:       r.Store.Backend,
			Namespace:     r.Store.Namespace,
			RedisAddr:     r.Store.RedisAddr,
			RedisPassword: r.Store.RedisPassword,
			RedisDB:       r.Store.RedisDB,
			PostgresURL:   r.Store.PostgresURL,
		},
		Audit: AuditConfig{
			StaleThreshold:       r.Audit.StaleThreshold.Duration,
			DistributionProperty: r.Audit.DistributionProperty,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
