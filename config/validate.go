package config

import (
	"errors"
	"fmt"
	"strings"

	"trustlord/gateway"
	"trustlord/storage"
)

// Validate checks every section and reports the first problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("DataDir required")
	}
	switch storage.Backend(strings.ToLower(strings.TrimSpace(c.StoreBackend))) {
	case storage.BackendBolt, storage.BackendLevelDB, storage.BackendMemory:
	default:
		return fmt.Errorf("StoreBackend: unsupported backend %q", c.StoreBackend)
	}
	if c.Offer.MaxAge.Duration <= 0 {
		return errors.New("offer: MaxAge must be positive")
	}
	if c.Offer.FutureSkew.Duration < 0 {
		return errors.New("offer: FutureSkew must not be negative")
	}
	if err := c.Gateway.validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if _, ok := gateway.ParseMobileMoneyProvider(c.MobileMoney.Provider); !ok {
		return fmt.Errorf("mobile_money: unsupported provider %q", c.MobileMoney.Provider)
	}
	if c.MobileMoney.SuccessRate < 0 || c.MobileMoney.SuccessRate > 1 {
		return errors.New("mobile_money: SuccessRate must be between 0 and 1")
	}
	if c.MobileMoney.Delay.Duration < 0 {
		return errors.New("mobile_money: Delay must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("history: unsupported driver %q", c.History.Driver)
	}
	if strings.TrimSpace(c.History.DSN) == "" {
		return errors.New("history: DSN required")
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return errors.New("telemetry: Endpoint required when enabled")
	}
	return nil
}

func (g Gateway) validate() error {
	switch strings.ToLower(strings.TrimSpace(g.Mode)) {
	case "simulator":
	case "http":
		if strings.TrimSpace(g.BaseURL) == "" {
			return errors.New("BaseURL required in http mode")
		}
	default:
		return fmt.Errorf("unsupported mode %q", g.Mode)
	}
	if _, ok := gateway.ParseCryptoCurrency(g.CryptoCurrency); !ok {
		return fmt.Errorf("unsupported crypto currency %q", g.CryptoCurrency)
	}
	if g.MaxPolls <= 0 {
		return errors.New("MaxPolls must be positive")
	}
	if g.PollInterval.Duration < 0 {
		return errors.New("PollInterval must not be negative")
	}
	if g.Timeout.Duration <= 0 {
		return errors.New("Timeout must be positive")
	}
	if len(g.Rates) > 0 {
		if _, err := gateway.RatesFromConfig(g.Rates); err != nil {
			return err
		}
	}
	return nil
}
