package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trustlord.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "bolt", cfg.StoreBackend)
	require.Equal(t, 24*time.Hour, cfg.Offer.MaxAge.Duration)
	require.Equal(t, "simulator", cfg.Gateway.Mode)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `MaxAge = "24h0m0s"`)
	require.Contains(t, string(raw), "[MobileMoney]")

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustlord.toml")
	contents := `DataDir = "/var/lib/trustlord"
StoreBackend = "leveldb"

[Offer]
MaxAge = "12h"

[Gateway]
Mode = "http"
BaseURL = "http://sim.internal:8085"
APIKey = "shared-secret"
CryptoCurrency = "btc"
PollInterval = "500ms"

[Gateway.Rates.UGX]
BTC = 118000000.0

[MobileMoney]
Provider = "airtel_money"
SuccessRate = 1.0

[History]
Driver = "postgres"
DSN = "postgres://tenant@localhost/trustlord"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 12*time.Hour, cfg.Offer.MaxAge.Duration)
	require.Equal(t, 5*time.Minute, cfg.Offer.FutureSkew.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Gateway.PollInterval.Duration)
	require.Equal(t, 30, cfg.Gateway.MaxPolls)
	require.Equal(t, 118000000.0, cfg.Gateway.Rates["UGX"]["BTC"])
	require.Equal(t, "airtel_money", cfg.MobileMoney.Provider)
	require.Equal(t, "/var/lib/trustlord/tenant.leveldb", cfg.StorePath())
	require.Equal(t, "postgres://tenant@localhost/trustlord", cfg.HistoryDSN())
	require.Equal(t, "/var/lib/trustlord/trustlord.log", cfg.LogFile())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustlord.toml")
	require.NoError(t, os.WriteFile(path, []byte("DataDir = \"./data\"\nValidatorKey = \"abc\"\n"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "ValidatorKey")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustlord.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Offer]\nMaxAge = \"a day\"\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.StoreBackend = "redis" }},
		{"max age", func(c *Config) { c.Offer.MaxAge = D(0) }},
		{"mode", func(c *Config) { c.Gateway.Mode = "grpc" }},
		{"http without base url", func(c *Config) { c.Gateway.Mode = "http"; c.Gateway.BaseURL = " " }},
		{"crypto", func(c *Config) { c.Gateway.CryptoCurrency = "DOGE" }},
		{"polls", func(c *Config) { c.Gateway.MaxPolls = 0 }},
		{"rates", func(c *Config) { c.Gateway.Rates = map[string]map[string]float64{"UGX": {"BTC": -1}} }},
		{"provider", func(c *Config) { c.MobileMoney.Provider = "paypal" }},
		{"success rate", func(c *Config) { c.MobileMoney.SuccessRate = 1.5 }},
		{"history driver", func(c *Config) { c.History.Driver = "mysql" }},
		{"telemetry", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Endpoint = "" }},
	}
	require.NoError(t, Default().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	require.Equal(t, "/data/tenant.db", cfg.StorePath())
	require.Equal(t, "/data/history.db", cfg.HistoryDSN())
	require.Equal(t, "/abs/history.db", cfg.ResolvePath("/abs/history.db"))
	cfg.History.DSN = "file::memory:?cache=shared"
	require.Equal(t, "file::memory:?cache=shared", cfg.HistoryDSN())
	cfg.Logging.File = ""
	require.Equal(t, "", cfg.LogFile())
}
