package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("2s", "24h")
// in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{Duration: d} }

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Logging controls the CLI log file. Logs go to a rotated file so terminal
// output stays readable.
type Logging struct {
	File       string `toml:"File"`
	Level      string `toml:"Level"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Offer bounds how old a scanned lease offer may be.
type Offer struct {
	MaxAge     Duration `toml:"MaxAge"`
	FutureSkew Duration `toml:"FutureSkew"`
}

// Gateway selects and configures the crypto payment gateway. Mode "simulator"
// runs the in-process simulator against the local store; "http" talks to a
// payment API at BaseURL. An empty APIKey is resolved at startup from the
// environment or an interactive prompt.
type Gateway struct {
	Mode           string                        `toml:"Mode"`
	BaseURL        string                        `toml:"BaseURL"`
	APIKey         string                        `toml:"APIKey"`
	WalletAddress  string                        `toml:"WalletAddress"`
	CryptoCurrency string                        `toml:"CryptoCurrency"`
	PollInterval   Duration                      `toml:"PollInterval"`
	MaxPolls       int                           `toml:"MaxPolls"`
	Timeout        Duration                      `toml:"Timeout"`
	Rates          map[string]map[string]float64 `toml:"Rates,omitempty"`
}

// MobileMoney configures the simulated mobile money rail.
type MobileMoney struct {
	Provider    string   `toml:"Provider"`
	Delay       Duration `toml:"Delay"`
	SuccessRate float64  `toml:"SuccessRate"`
}

// History locates the payment history ledger.
type History struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}
