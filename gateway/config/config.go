// Package config loads the payment simulator server configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimitConfig struct {
	ID            string   `yaml:"id"`
	RatePerSecond float64  `yaml:"ratePerSecond"`
	Burst         int      `yaml:"burst"`
	Paths         []string `yaml:"paths"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
}

// StoreConfig locates the key-value store holding simulator state.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// SimulatorConfig shapes the intents the simulator issues.
type SimulatorConfig struct {
	WalletAddress string                        `yaml:"walletAddress"`
	HostedBaseURL string                        `yaml:"hostedBaseURL"`
	IntentTTL     time.Duration                 `yaml:"intentTTL"`
	Rates         map[string]map[string]float64 `yaml:"rates"`
}

// AuditConfig locates the SQLite database holding idempotency keys and the
// request audit log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	Environment   string              `yaml:"environment"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Store         StoreConfig         `yaml:"store"`
	Simulator     SimulatorConfig     `yaml:"simulator"`
	Audit         AuditConfig         `yaml:"audit"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
	Security      SecurityConfig      `yaml:"security"`
}

type AuthConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HMACSecret        string        `yaml:"hmacSecret"`
	Issuer            string        `yaml:"issuer"`
	ScopeClaim        string        `yaml:"scopeClaim"`
	OptionalPaths     []string      `yaml:"optionalPaths"`
	AllowAnonymous    bool          `yaml:"allowAnonymous"`
	ClockSkew         time.Duration `yaml:"clockSkew"`
	ReplayWindow      time.Duration `yaml:"replayWindow"`
	ReplayStorePath   string        `yaml:"replayStorePath"`
	allowAnonymousSet bool          `yaml:"-"`
	enabledSet        bool          `yaml:"-"`
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		Issuer         string        `yaml:"issuer"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
		ReplayWindow   time.Duration `yaml:"replayWindow"`
		ReplayStore    string        `yaml:"replayStorePath"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.enabledSet = raw.Enabled != nil
	a.Enabled = raw.Enabled != nil && *raw.Enabled
	a.allowAnonymousSet = raw.AllowAnonymous != nil
	a.AllowAnonymous = raw.AllowAnonymous != nil && *raw.AllowAnonymous
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.ScopeClaim = raw.ScopeClaim
	a.OptionalPaths = raw.OptionalPaths
	a.ClockSkew = raw.ClockSkew
	a.ReplayWindow = raw.ReplayWindow
	a.ReplayStorePath = raw.ReplayStore
	return nil
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP"`
	TLSCertFile     string `yaml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: ":8085",
		Environment:   "dev",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		Store: StoreConfig{
			Backend: "bolt",
			Path:    "./bitnob-sim-data/state.db",
		},
		Simulator: SimulatorConfig{
			IntentTTL: 30 * time.Minute,
		},
		Audit: AuditConfig{
			Path: "./bitnob-sim-data/audit.db",
		},
		RateLimits: []RateLimitConfig{{
			ID:            "payments",
			RatePerSecond: 5,
			Burst:         10,
			Paths:         []string{"/api/payments"},
		}},
		Observability: ObservabilityConfig{
			ServiceName:   "bitnob-sim",
			Metrics:       true,
			LogRequests:   true,
			MetricsPrefix: "bitnob_sim",
			OTLPEndpoint:  "localhost:4318",
		},
		Auth: AuthConfig{
			Enabled:         true,
			ScopeClaim:      "scope",
			ClockSkew:       2 * time.Minute,
			ReplayWindow:    10 * time.Minute,
			ReplayStorePath: "./bitnob-sim-data/tokens",
			enabledSet:      true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyAuthDefaults()
	return cfg, nil
}

// ApplyEnv overrides the listen address, store path and signing secret from
// BITNOB_SIM_LISTEN, BITNOB_SIM_STORE_PATH and BITNOB_SIM_HMAC_SECRET.
func (cfg *Config) ApplyEnv(getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv("BITNOB_SIM_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("BITNOB_SIM_STORE_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(getenv("BITNOB_SIM_HMAC_SECRET")); v != "" {
		cfg.Auth.HMACSecret = v
	}
}

func (cfg *Config) applyAuthDefaults() {
	if cfg == nil {
		return
	}
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ReplayWindow <= 0 {
		cfg.Auth.ReplayWindow = 10 * time.Minute
	}
}

var ErrAuthSecretMissing = errors.New("auth.hmacSecret is required when auth is enabled")

// Validate checks the configuration after env overrides have been applied.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path required")
	}
	if strings.TrimSpace(cfg.Audit.Path) == "" {
		return fmt.Errorf("audit.path required")
	}
	if cfg.Simulator.IntentTTL < 0 {
		return fmt.Errorf("simulator.intentTTL must not be negative")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretMissing
	}
	if cfg.Auth.ReplayWindow > 30*time.Minute {
		return fmt.Errorf("auth.replayWindow must not exceed 30m")
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return fmt.Errorf("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(trimmedPath, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = trimmedPath
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	for i, rl := range cfg.RateLimits {
		if rl.RatePerSecond <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("rateLimits[%d] needs a positive ratePerSecond and burst", i)
		}
	}
	if cfg.Simulator.HostedBaseURL != "" {
		target, err := url.Parse(cfg.Simulator.HostedBaseURL)
		if err != nil {
			return fmt.Errorf("simulator.hostedBaseURL: %w", err)
		}
		upgraded, _, err := EnforceSecureScheme(cfg.Environment, target, cfg.Security.AutoUpgradeHTTP)
		if err != nil {
			return fmt.Errorf("simulator.hostedBaseURL: %w", err)
		}
		cfg.Simulator.HostedBaseURL = upgraded.String()
	}
	return nil
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	switch strings.ToLower(strings.TrimSpace(target.Scheme)) {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	}
	return false
}
