package lease

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var displayPrinter = message.NewPrinter(language.English)

// FormatAmount renders a fiat amount with digit grouping, e.g. "UGX 800,000".
func FormatAmount(amount float64, currency Currency) string {
	digits := currency.MinorUnits()
	return displayPrinter.Sprintf("%s %v", string(currency), number.Decimal(amount,
		number.MinFractionDigits(digits),
		number.MaxFractionDigits(digits),
	))
}

// Summary is the tenant-facing digest of a persisted lease.
type Summary struct {
	Property     string
	Unit         string
	Landlord     string
	Rent         string
	Deposit      string
	Period       string
	NextDue      string
	Status       PayState
	DaysUntilDue int
	LastPayment  string
}

// Summarize prepares r for display as of today.
func Summarize(r Record, today Date) Summary {
	view := r.View(today)
	last := "-"
	if view.LastPaymentDate != nil {
		last = view.LastPaymentDate.Display() + " (" + FormatAmount(view.LastPaymentAmount, r.Lease.Currency) + ")"
	}
	return Summary{
		Property:     r.Lease.PropertyName + ", " + r.Lease.PropertyAddress,
		Unit:         r.Lease.UnitNumber,
		Landlord:     r.Lease.LandlordName,
		Rent:         FormatAmount(r.Lease.MonthlyRent, r.Lease.Currency),
		Deposit:      FormatAmount(r.Lease.SecurityDeposit, r.Lease.Currency),
		Period:       r.Lease.LeaseStartDate.Display() + " - " + r.Lease.LeaseEndDate.Display(),
		NextDue:      view.NextDueDate.Display(),
		Status:       view.Status,
		DaysUntilDue: view.DaysUntilDue,
		LastPayment:  last,
	}
}
