package lease

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"trustlord/faults"
)

const (
	// DefaultMaxAge is how long an offer stays valid after issuance.
	DefaultMaxAge = 24 * time.Hour
	// DefaultFutureSkew tolerates landlord clocks running slightly ahead.
	DefaultFutureSkew = 5 * time.Minute

	opParse = "lease.parse"
)

// RequiredFields lists the payload keys an offer must carry. A key that is
// present but holds a falsy value (0, "", false, null) counts as missing.
var RequiredFields = []string{
	"leaseId",
	"landlordId",
	"propertyId",
	"propertyName",
	"propertyAddress",
	"monthlyRent",
	"currency",
	"securityDeposit",
	"leaseStartDate",
	"leaseDuration",
	"landlordName",
	"landlordPhone",
}

var timestampKeys = []string{"timestamp", "issuedAtEpochMs"}

// Codec decodes scanned lease offers. It performs no I/O; the clock is the only
// external input.
type Codec struct {
	now        func() time.Time
	maxAge     time.Duration
	futureSkew time.Duration
}

// CodecOption customises a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxAge overrides the validity window.
func WithMaxAge(d time.Duration) CodecOption {
	return func(c *Codec) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithFutureSkew overrides how far in the future an issuance time may be.
func WithFutureSkew(d time.Duration) CodecOption {
	return func(c *Codec) {
		if d >= 0 {
			c.futureSkew = d
		}
	}
}

// NewCodec constructs a codec with the default 24 hour window.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{now: time.Now, maxAge: DefaultMaxAge, futureSkew: DefaultFutureSkew}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Parse validates raw against the clock instant now using default windows.
func Parse(raw string, now time.Time) (Offer, error) {
	return NewCodec(WithClock(func() time.Time { return now })).Parse(raw)
}

// Parse decodes raw into an Offer. Structural problems yield INVALID_QR_CODE;
// an offer older than the validity window yields EXPIRED_QR_CODE.
func (c *Codec) Parse(raw string) (Offer, error) {
	body, err := payloadBytes(raw)
	if err != nil {
		return Offer{}, err
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "malformed payload: %v", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "trailing data after lease offer")
	}
	for _, key := range RequiredFields {
		value, ok := fields[key]
		if !ok || isFalsy(value) {
			return Offer{}, faults.New(faults.InvalidQRCode, opParse, "missing required field %s", key)
		}
	}

	var offer Offer
	textFields := []struct {
		key string
		dst *string
	}{
		{"leaseId", &offer.LeaseID},
		{"landlordId", &offer.LandlordID},
		{"propertyId", &offer.PropertyID},
		{"propertyName", &offer.PropertyName},
		{"propertyAddress", &offer.PropertyAddress},
		{"landlordName", &offer.LandlordName},
		{"landlordPhone", &offer.LandlordPhone},
	}
	for _, field := range textFields {
		value, err := textField(fields, field.key)
		if err != nil {
			return Offer{}, err
		}
		*field.dst = value
	}
	if _, ok := fields["unitNumber"]; ok && !isFalsy(fields["unitNumber"]) {
		unit, err := textField(fields, "unitNumber")
		if err != nil {
			return Offer{}, err
		}
		offer.UnitNumber = unit
	}
	if sig, ok := fields["signature"].(string); ok {
		offer.Signature = strings.TrimSpace(sig)
	}

	if offer.MonthlyRent, err = numberField(fields, "monthlyRent"); err != nil {
		return Offer{}, err
	}
	if offer.MonthlyRent <= 0 {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "monthlyRent must be positive")
	}
	if offer.SecurityDeposit, err = numberField(fields, "securityDeposit"); err != nil {
		return Offer{}, err
	}
	if offer.SecurityDeposit < 0 {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "securityDeposit must not be negative")
	}

	code, err := textField(fields, "currency")
	if err != nil {
		return Offer{}, err
	}
	currency, ok := ParseCurrency(code)
	if !ok {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "unsupported currency %q", code)
	}
	offer.Currency = currency

	start, err := textField(fields, "leaseStartDate")
	if err != nil {
		return Offer{}, err
	}
	if offer.LeaseStartDate, err = ParseDate(start); err != nil {
		return Offer{}, faults.Wrap(faults.InvalidQRCode, opParse, err)
	}

	duration, err := integerField(fields, "leaseDuration")
	if err != nil {
		return Offer{}, err
	}
	if duration <= 0 || duration > math.MaxInt32 {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "leaseDuration must be a positive number of months")
	}
	offer.LeaseDurationMonths = int(duration)

	issued, err := issuedAt(fields)
	if err != nil {
		return Offer{}, err
	}
	offer.IssuedAtEpochMs = issued

	now := c.now()
	issuedTime := time.UnixMilli(issued)
	if issuedTime.Sub(now) > c.futureSkew {
		return Offer{}, faults.New(faults.InvalidQRCode, opParse, "offer issued in the future")
	}
	if now.Sub(issuedTime) > c.maxAge {
		return Offer{}, faults.New(faults.ExpiredQRCode, opParse, "offer issued %s ago", now.Sub(issuedTime).Truncate(time.Second))
	}
	return offer, nil
}

// Encode renders offer as the JSON payload embedded in the landlord's QR code.
func (c *Codec) Encode(offer Offer) (string, error) {
	data, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func payloadBytes(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, faults.New(faults.InvalidQRCode, opParse, "empty payload")
	}
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		decoded, err := enc.DecodeString(trimmed)
		if err != nil {
			continue
		}
		decoded = bytes.TrimSpace(decoded)
		if bytes.HasPrefix(decoded, []byte("{")) {
			return decoded, nil
		}
	}
	return nil, faults.New(faults.InvalidQRCode, opParse, "payload is not a lease offer")
}

func isFalsy(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return strings.TrimSpace(v) == ""
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	default:
		return false
	}
}

func textField(fields map[string]any, key string) (string, error) {
	value, ok := fields[key].(string)
	if !ok {
		return "", faults.New(faults.InvalidQRCode, opParse, "field %s must be a string", key)
	}
	return norm.NFKC.String(strings.TrimSpace(value)), nil
}

func numberField(fields map[string]any, key string) (float64, error) {
	var (
		f   float64
		err error
	)
	switch v := fields[key].(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, faults.New(faults.InvalidQRCode, opParse, "field %s must be a number", key)
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, faults.New(faults.InvalidQRCode, opParse, "field %s must be a number", key)
	}
	return f, nil
}

func integerField(fields map[string]any, key string) (int64, error) {
	f, err := numberField(fields, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, faults.New(faults.InvalidQRCode, opParse, "field %s must be an integer", key)
	}
	return int64(f), nil
}

func issuedAt(fields map[string]any) (int64, error) {
	for _, key := range timestampKeys {
		if value, ok := fields[key]; ok && !isFalsy(value) {
			return integerField(fields, key)
		}
	}
	return 0, faults.New(faults.InvalidQRCode, opParse, "missing issuance timestamp")
}
