// Package gateway is the boundary to the crypto payment processor and the
// mobile money provider, along with simulators for both.
package gateway

import (
	"context"
	"strings"
	"time"

	"trustlord/lease"
)

// CryptoCurrency is the asset a tenant pays with.
type CryptoCurrency string

const (
	BTC  CryptoCurrency = "BTC"
	USDT CryptoCurrency = "USDT"
	USDC CryptoCurrency = "USDC"
	ETH  CryptoCurrency = "ETH"
	BNB  CryptoCurrency = "BNB"
)

// ParseCryptoCurrency resolves a ticker case-insensitively.
func ParseCryptoCurrency(raw string) (CryptoCurrency, bool) {
	c := CryptoCurrency(strings.ToUpper(strings.TrimSpace(raw)))
	switch c {
	case BTC, USDT, USDC, ETH, BNB:
		return c, true
	}
	return c, false
}

// IntentStatus is the settlement status of a payment intent.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusCompleted IntentStatus = "completed"
	StatusFailed    IntentStatus = "failed"
)

// Terminal reports whether the status will not change again.
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentRequest asks the processor to open a crypto payment for a fiat amount.
type PaymentRequest struct {
	Amount         float64        `json:"amount"`
	FiatCurrency   lease.Currency `json:"fiatCurrency"`
	CryptoCurrency CryptoCurrency `json:"cryptoCurrency"`
	CustomerEmail  string         `json:"customerEmail,omitempty"`
	CustomerPhone  string         `json:"customerPhone"`
	Reference      string         `json:"reference"`
	Description    string         `json:"description"`
}

// PaymentIntent is an in-flight crypto payment tracked by the processor.
type PaymentIntent struct {
	PaymentID      string         `json:"paymentId"`
	Reference      string         `json:"reference"`
	Amount         float64        `json:"amount"`
	CryptoAmount   float64        `json:"cryptoAmount"`
	FiatCurrency   lease.Currency `json:"fiatCurrency"`
	CryptoCurrency CryptoCurrency `json:"cryptoCurrency"`
	ExchangeRate   float64        `json:"exchangeRate"`
	Status         IntentStatus   `json:"status"`
	WalletAddress  string         `json:"walletAddress"`
	QRCode         string         `json:"qrCode,omitempty"`
	PaymentURL     string         `json:"paymentUrl,omitempty"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Gateway initiates crypto payments and reports their status.
type Gateway interface {
	Initiate(ctx context.Context, req PaymentRequest) (PaymentIntent, error)
	Status(ctx context.Context, paymentID string) (PaymentIntent, error)
}

// Envelope is the response body of the payment API.
type Envelope struct {
	Success bool           `json:"success"`
	Data    *PaymentIntent `json:"data,omitempty"`
	Error   *APIError      `json:"error,omitempty"`
}

// APIError describes a failed API call.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}
