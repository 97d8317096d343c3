package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"trustlord/lease"
)

func runOfferCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("offer", stderr)
	var (
		offer    lease.Offer
		currency string
		start    string
		out      string
	)
	fs.StringVar(&offer.LeaseID, "lease-id", "", "lease identifier")
	fs.StringVar(&offer.LandlordID, "landlord-id", "", "landlord identifier")
	fs.StringVar(&offer.PropertyID, "property-id", "", "property identifier")
	fs.StringVar(&offer.PropertyName, "property", "", "property name")
	fs.StringVar(&offer.PropertyAddress, "address", "", "property address")
	fs.StringVar(&offer.UnitNumber, "unit", "", "optional unit number")
	fs.Float64Var(&offer.MonthlyRent, "rent", 0, "monthly rent")
	fs.StringVar(&currency, "currency", string(lease.UGX), "rent currency")
	fs.Float64Var(&offer.SecurityDeposit, "deposit", 0, "security deposit")
	fs.StringVar(&start, "start", "", "lease start date (YYYY-MM-DD)")
	fs.IntVar(&offer.LeaseDurationMonths, "months", 12, "lease duration in months")
	fs.StringVar(&offer.LandlordName, "landlord", "", "landlord name")
	fs.StringVar(&offer.LandlordPhone, "landlord-phone", "", "landlord phone number")
	fs.StringVar(&out, "out", "", "write the payload to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	payload, err := buildOffer(offer, currency, start)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", describe(err))
		return 1
	}
	if out = strings.TrimSpace(out); out != "" {
		if err := os.WriteFile(out, []byte(payload+"\n"), 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Lease offer %s written to %s\n", offer.LeaseID, out)
		return 0
	}
	fmt.Fprintln(stdout, payload)
	return 0
}

// buildOffer stamps offer with the current time and checks that a tenant's
// scanner would accept the encoded payload.
func buildOffer(offer lease.Offer, currency, start string) (string, error) {
	parsedCurrency, ok := lease.ParseCurrency(currency)
	if !ok {
		return "", fmt.Errorf("unsupported currency %q", currency)
	}
	offer.Currency = parsedCurrency
	if strings.TrimSpace(start) == "" {
		return "", errors.New("-start is required")
	}
	startDate, err := lease.ParseDate(start)
	if err != nil {
		return "", err
	}
	offer.LeaseStartDate = startDate
	offer.IssuedAtEpochMs = cliNow().UnixMilli()

	codec := lease.NewCodec(lease.WithClock(cliNow))
	payload, err := codec.Encode(offer)
	if err != nil {
		return "", err
	}
	if _, err := codec.Parse(payload); err != nil {
		return "", err
	}
	return payload, nil
}
