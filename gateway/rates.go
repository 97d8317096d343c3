package gateway

import (
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcutil"

	"trustlord/lease"
)

// RateTable quotes how many units of a fiat currency buy one unit of a crypto
// asset. Swapping the table changes conversions without touching the
// simulator's state handling.
type RateTable map[lease.Currency]map[CryptoCurrency]float64

// Simulator quotes are anchored in shillings: ugxPerAsset prices each asset
// and ugxPerFiat converts the other rent currencies.
var (
	ugxPerAsset = map[CryptoCurrency]float64{
		BTC:  120_000_000,
		USDT: 3_800,
		USDC: 3_800,
		ETH:  9_500_000,
		BNB:  2_280_000,
	}
	ugxPerFiat = map[lease.Currency]float64{
		lease.UGX: 1,
		lease.KES: 29.5,
		lease.RWF: 2.7,
		lease.NGN: 2.45,
		lease.USD: 3_800,
		lease.EUR: 4_100,
	}
)

// DefaultRates returns the fixed simulator quotes for every supported rent
// currency and asset.
func DefaultRates() RateTable {
	table := make(RateTable, len(ugxPerFiat))
	for fiat, perFiat := range ugxPerFiat {
		quotes := make(map[CryptoCurrency]float64, len(ugxPerAsset))
		for asset, perAsset := range ugxPerAsset {
			quotes[asset] = perAsset / perFiat
		}
		table[fiat] = quotes
	}
	return table
}

// RatesFromConfig builds a table from string-keyed configuration, e.g.
// {"UGX": {"BTC": 120000000}}.
func RatesFromConfig(raw map[string]map[string]float64) (RateTable, error) {
	table := make(RateTable, len(raw))
	for fiatCode, quotes := range raw {
		fiat, ok := lease.ParseCurrency(fiatCode)
		if !ok {
			return nil, fmt.Errorf("rates: unsupported fiat currency %q", fiatCode)
		}
		for cryptoCode, rate := range quotes {
			crypto, ok := ParseCryptoCurrency(cryptoCode)
			if !ok {
				return nil, fmt.Errorf("rates: unsupported crypto currency %q", cryptoCode)
			}
			if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
				return nil, fmt.Errorf("rates: %s/%s must be positive", strings.ToUpper(fiatCode), crypto)
			}
			if table[fiat] == nil {
				table[fiat] = make(map[CryptoCurrency]float64)
			}
			table[fiat][crypto] = rate
		}
	}
	return table, nil
}

// Rate returns the quote for the pair.
func (t RateTable) Rate(fiat lease.Currency, crypto CryptoCurrency) (float64, bool) {
	quotes, ok := t[fiat]
	if !ok {
		return 0, false
	}
	rate, ok := quotes[crypto]
	return rate, ok && rate > 0
}

// Merge returns a copy of t with the quotes in overrides replacing its own.
func (t RateTable) Merge(overrides RateTable) RateTable {
	merged := make(RateTable, len(t))
	for fiat, quotes := range t {
		merged[fiat] = make(map[CryptoCurrency]float64, len(quotes))
		for asset, rate := range quotes {
			merged[fiat][asset] = rate
		}
	}
	for fiat, quotes := range overrides {
		if merged[fiat] == nil {
			merged[fiat] = make(map[CryptoCurrency]float64, len(quotes))
		}
		for asset, rate := range quotes {
			merged[fiat][asset] = rate
		}
	}
	return merged
}

// ConvertToCrypto divides amount by rate and rounds to 8 decimal places.
func ConvertToCrypto(amount, rate float64) (float64, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("invalid exchange rate %v", rate)
	}
	converted, err := btcutil.NewAmount(amount / rate)
	if err != nil {
		return 0, err
	}
	return converted.ToBTC(), nil
}
