package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: "debug"
oauth:
  client_id: "client-id"
  client_secret: "client-secret"
  auth_url: "https://provider.example/oauth/authorize"
  token_url: "https://provider.example/oauth/v1/token"
  scopes: ["crm.objects.contacts.read", "crm.objects.companies.read"]
  app_base_url: "https://audit.example.com"
crm:
  api_base_url: "https://api.provider.example"
  request_timeout: "20s"
  sample_limit: 50
store:
  backend: "redis"
  redis_addr: "localhost:6379"
audit:
  stale_threshold: "45d"
`

func TestLoadParsesAndDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("Server.ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.StaticDir != "web/dist" {
		t.Fatalf("Server.StaticDir default = %q, want %q", cfg.Server.StaticDir, "web/dist")
	}
	if cfg.CRM.RequestTimeout != 20*time.Second {
		t.Fatalf("CRM.RequestTimeout = %v, want %v", cfg.CRM.RequestTimeout, 20*time.Second)
	}
	if cfg.Audit.StaleThreshold != 45*24*time.Hour {
		t.Fatalf("Audit.StaleThreshold = %v, want %v", cfg.Audit.StaleThreshold, 45*24*time.Hour)
	}
	if cfg.Audit.DistributionProperty != "lifecyclestage" {
		t.Fatalf("Audit.DistributionProperty default = %q", cfg.Audit.DistributionProperty)
	}
	if cfg.Store.Namespace != "crm-audit" {
		t.Fatalf("Store.Namespace default = %q", cfg.Store.Namespace)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader("server:\n  unknown_field: true\n"))
	if err == nil {
		t.Fatal("Load() with unknown field succeeded, want error")
	}
}

func TestRedirectURI(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "plain", baseURL: "https://audit.example.com", want: "https://audit.example.com/api/oauth-callback"},
		{name: "trailing_slash", baseURL: "https://audit.example.com/", want: "https://audit.example.com/api/oauth-callback"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := OAuthConfig{AppBaseURL: tc.baseURL}.RedirectURI()
			if got != tc.want {
				t.Fatalf("RedirectURI() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader("server:\n  log_level: \"verbose\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Server.LogLevel = "verbose"

	validateErr := cfg.Validate()
	if validateErr == nil {
		t.Fatal("Validate() on empty config succeeded, want error")
	}
	for _, fragment := range []string{
		"server.log_level",
		"oauth.client_id is required",
		"oauth.client_secret is required",
		"crm.api_base_url is required",
	} {
		if !strings.Contains(validateErr.Error(), fragment) {
			t.Fatalf("Validate() error %q missing %q", validateErr, fragment)
		}
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		mutate   func(*Config)
		wantFrag string
	}{
		{
			name:     "redis_without_addr",
			mutate:   func(c *Config) { c.Store.Backend = "redis"; c.Store.RedisAddr = "" },
			wantFrag: "store.redis_addr is required",
		},
		{
			name:     "postgres_without_url",
			mutate:   func(c *Config) { c.Store.Backend = "postgres"; c.Store.PostgresURL = "" },
			wantFrag: "store.postgres_url is required",
		},
		{
			name:     "unknown_backend",
			mutate:   func(c *Config) { c.Store.Backend = "etcd" },
			wantFrag: "store.backend must be one of",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(cfg)

			validateErr := cfg.Validate()
			if validateErr == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(validateErr.Error(), tc.wantFrag) {
				t.Fatalf("Validate() error %q missing %q", validateErr, tc.wantFrag)
			}
		})
	}
}

func TestApplyEnvOverlaysSecrets(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	env := map[string]string{
		"CRM_AUDIT_OAUTH_CLIENT_ID":     "env-client-id",
		"CRM_AUDIT_OAUTH_CLIENT_SECRET": "env-client-secret",
		"CRM_AUDIT_REDIS_PASSWORD":      "env-redis-password",
		"CRM_AUDIT_POSTGRES_URL":        "postgres://env",
	}
	cfg.ApplyEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})

	if cfg.OAuth.ClientID != "env-client-id" {
		t.Fatalf("OAuth.ClientID = %q, want env override", cfg.OAuth.ClientID)
	}
	if cfg.OAuth.ClientSecret != "env-client-secret" {
		t.Fatalf("OAuth.ClientSecret = %q, want env override", cfg.OAuth.ClientSecret)
	}
	if cfg.Store.RedisPassword != "env-redis-password" {
		t.Fatalf("Store.RedisPassword = %q, want env override", cfg.Store.RedisPassword)
	}
	if cfg.Store.PostgresURL != "postgres://env" {
		t.Fatalf("Store.PostgresURL = %q, want env override", cfg.Store.PostgresURL)
	}
}

func TestParseFlexibleDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "standard", raw: "90s", want: 90 * time.Second},
		{name: "days", raw: "30d", want: 30 * 24 * time.Hour},
		{name: "weeks", raw: "2w", want: 14 * 24 * time.Hour},
		{name: "fractional_days", raw: "1.5d", want: 36 * time.Hour},
		{name: "empty", raw: "", want: 0},
		{name: "bad_unit", raw: "10y", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseFlexibleDuration(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseFlexibleDuration(%q) succeeded, want error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlexibleDuration(%q) error = %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("parseFlexibleDuration(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
