package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"trustlord/gateway"
	"trustlord/lease"
)

type Config struct {
	DataDir      string `toml:"DataDir"`
	StoreBackend string `toml:"StoreBackend"`
	Environment  string `toml:"Environment"`

	Logging     Logging     `toml:"Logging"`
	Offer       Offer       `toml:"Offer"`
	Gateway     Gateway     `toml:"Gateway"`
	MobileMoney MobileMoney `toml:"MobileMoney"`
	History     History     `toml:"History"`
	Telemetry   Telemetry   `toml:"Telemetry"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		DataDir:      "./trustlord-data",
		StoreBackend: "bolt",
		Environment:  "local",
		Logging: Logging{
			File:       "trustlord.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Offer: Offer{
			MaxAge:     D(lease.DefaultMaxAge),
			FutureSkew: D(lease.DefaultFutureSkew),
		},
		Gateway: Gateway{
			Mode:           "simulator",
			BaseURL:        "http://127.0.0.1:8085",
			WalletAddress:  gateway.DefaultWalletAddress,
			CryptoCurrency: string(gateway.USDT),
			PollInterval:   D(2 * time.Second),
			MaxPolls:       30,
			Timeout:        D(10 * time.Second),
		},
		MobileMoney: MobileMoney{
			Provider:    string(gateway.MTNMoMo),
			Delay:       D(gateway.DefaultMobileMoneyDelay),
			SuccessRate: gateway.DefaultMobileMoneySuccessRate,
		},
		History: History{
			Driver: "sqlite",
			DSN:    "history.db",
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
		},
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ResolvePath anchors a relative path at DataDir. Absolute paths are returned
// unchanged.
func (c *Config) ResolvePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// StorePath is the on-disk location of the tenant key-value store.
func (c *Config) StorePath() string {
	if strings.EqualFold(c.StoreBackend, "leveldb") {
		return filepath.Join(c.DataDir, "tenant.leveldb")
	}
	return filepath.Join(c.DataDir, "tenant.db")
}

// HistoryDSN resolves the ledger DSN. SQLite file names are anchored at
// DataDir; other drivers take the DSN verbatim.
func (c *Config) HistoryDSN() string {
	if strings.EqualFold(c.History.Driver, "postgres") {
		return c.History.DSN
	}
	if strings.HasPrefix(c.History.DSN, "file:") {
		return c.History.DSN
	}
	return c.ResolvePath(c.History.DSN)
}

// LogFile resolves the log file location, or "" to log to stdout.
func (c *Config) LogFile() string {
	return c.ResolvePath(c.Logging.File)
}
