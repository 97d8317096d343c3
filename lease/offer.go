// Package lease models the landlord's lease offer, the tenant's persisted lease
// record and the codec that turns a scanned payload into an offer.
package lease

import (
	"fmt"
	"strings"
	"time"
)

// Currency is the fiat currency rent is quoted in.
type Currency string

const (
	UGX Currency = "UGX"
	KES Currency = "KES"
	RWF Currency = "RWF"
	NGN Currency = "NGN"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

var supportedCurrencies = map[Currency]int{
	UGX: 0,
	RWF: 0,
	KES: 2,
	NGN: 2,
	USD: 2,
	EUR: 2,
}

// ParseCurrency resolves a currency code case-insensitively.
func ParseCurrency(raw string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := supportedCurrencies[c]
	return c, ok
}

// MinorUnits is the number of fractional digits shown for the currency.
func (c Currency) MinorUnits() int {
	return supportedCurrencies[c]
}

// Offer is an immutable lease offer decoded from a landlord's QR payload.
type Offer struct {
	LeaseID             string   `json:"leaseId"`
	LandlordID          string   `json:"landlordId"`
	PropertyID          string   `json:"propertyId"`
	PropertyName        string   `json:"propertyName"`
	PropertyAddress     string   `json:"propertyAddress"`
	UnitNumber          string   `json:"unitNumber,omitempty"`
	MonthlyRent         float64  `json:"monthlyRent"`
	Currency            Currency `json:"currency"`
	SecurityDeposit     float64  `json:"securityDeposit"`
	LeaseStartDate      Date     `json:"leaseStartDate"`
	LeaseDurationMonths int      `json:"leaseDuration"`
	LandlordName        string   `json:"landlordName"`
	LandlordPhone       string   `json:"landlordPhone"`
	IssuedAtEpochMs     int64    `json:"timestamp"`
	Signature           string   `json:"signature,omitempty"`
}

// IssuedAt returns the issuance instant.
func (o Offer) IssuedAt() time.Time {
	return time.UnixMilli(o.IssuedAtEpochMs).UTC()
}

// EndDate is the start date plus the lease duration in calendar months.
func (o Offer) EndDate() Date {
	return o.LeaseStartDate.AddMonths(o.LeaseDurationMonths)
}

// Terms is the accepted offer as stored on the tenant device.
type Terms struct {
	Offer
	LeaseEndDate Date `json:"leaseEndDate"`
}

// PayState is the rent status of the current billing cycle.
type PayState string

const (
	StatusPaid    PayState = "paid"
	StatusDue     PayState = "due"
	StatusOverdue PayState = "overdue"
)

// PaymentStatus tracks the most recent settlement and the next due date.
type PaymentStatus struct {
	LastPaymentDate   *Date    `json:"lastPaymentDate"`
	LastPaymentAmount float64  `json:"lastPaymentAmount"`
	NextDueDate       Date     `json:"nextDueDate"`
	Status            PayState `json:"status"`
	DaysUntilDue      int      `json:"daysUntilDue"`
}

// Record is the single lease record a tenant device persists.
type Record struct {
	Lease         Terms         `json:"lease"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
}

// NewRecord builds the record written when an offer is accepted and the first
// payment initiated. Rent is due on the lease start date, or today when the
// lease has already started.
func NewRecord(offer Offer, today Date) Record {
	next := offer.LeaseStartDate
	if next.IsZero() || next.Before(today) {
		next = today
	}
	return Record{
		Lease: Terms{Offer: offer, LeaseEndDate: offer.EndDate()},
		PaymentStatus: PaymentStatus{
			NextDueDate:  next,
			Status:       StatusDue,
			DaysUntilDue: today.DaysUntil(next),
		},
	}
}

// WithPayment returns a copy of r whose payment status reflects a monthly rent
// settlement on paidOn. Lease terms are untouched and the due date rolls one
// calendar month forward.
func (r Record) WithPayment(paidOn Date) Record {
	next := r.PaymentStatus.NextDueDate
	if next.IsZero() {
		next = paidOn
	}
	settled := paidOn
	r.PaymentStatus = PaymentStatus{
		LastPaymentDate:   &settled,
		LastPaymentAmount: r.Lease.MonthlyRent,
		NextDueDate:       next.AddMonths(1),
		Status:            StatusPaid,
		DaysUntilDue:      0,
	}
	return r
}

// CycleReference names the rent cycle awaiting payment, e.g.
// "lease-001-202508" for rent due in August 2025.
func (r Record) CycleReference() string {
	due := r.PaymentStatus.NextDueDate
	return fmt.Sprintf("%s-%04d%02d", r.Lease.LeaseID, due.Year(), int(due.Month()))
}

// View recomputes the display status against today. Stored status and
// daysUntilDue are only a snapshot of the last write.
func (r Record) View(today Date) PaymentStatus {
	view := r.PaymentStatus
	days := today.DaysUntil(view.NextDueDate)
	view.DaysUntilDue = days
	switch {
	case days < 0:
		view.Status = StatusOverdue
	case days > 0 && view.Status == StatusPaid && view.LastPaymentDate != nil:
		view.Status = StatusPaid
	default:
		view.Status = StatusDue
	}
	return view
}
