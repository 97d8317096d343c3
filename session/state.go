// Package session drives a tenant from camera permission through QR scan,
// lease preview and acceptance to an initiated rent payment.
package session

import (
	"errors"
	"fmt"
	"strings"
)

// State is a scan session state.
type State int

const (
	AwaitingPermission State = iota
	PermissionDenied
	Scanning
	Validating
	ScanError
	PreviewReady
	AwaitingPaymentMethod
	Submitting
	Settled
	Cancelled
)

var stateNames = map[State]string{
	AwaitingPermission:    "AwaitingPermission",
	PermissionDenied:      "PermissionDenied",
	Scanning:              "Scanning",
	Validating:            "Validating",
	ScanError:             "ScanError",
	PreviewReady:          "PreviewReady",
	AwaitingPaymentMethod: "AwaitingPaymentMethod",
	Submitting:            "Submitting",
	Settled:               "Settled",
	Cancelled:             "Cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further events other than RetrySave apply.
func (s State) Terminal() bool {
	return s == Settled || s == Cancelled
}

// Outcome qualifies the Settled state.
type Outcome string

const (
	OutcomeNone Outcome = ""
	// OutcomePendingConfirmation means a crypto intent was created and the
	// lease saved; the reconciler confirms settlement later.
	OutcomePendingConfirmation Outcome = "pending-confirmation"
	// OutcomeSucceeded means mobile money was collected and the lease saved.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeNotSaved means the payment went through but the lease write
	// failed. RetrySave repeats only the write.
	OutcomeNotSaved Outcome = "not-saved"
)

// Event names an input to the machine.
type Event string

const (
	EventGrant           Event = "grant"
	EventDeny            Event = "deny"
	EventUnavailable     Event = "unavailable"
	EventRetryPermission Event = "retry_permission"
	EventPayload         Event = "payload"
	EventValidated       Event = "validated"
	EventRescan          Event = "rescan"
	EventToggleTerms     Event = "toggle_terms"
	EventReject          Event = "reject"
	EventAccept          Event = "accept"
	EventSelectMethod    Event = "select_method"
	EventSubmitted       Event = "submitted"
	EventSubmitFailed    Event = "submit_failed"
	EventRetrySave       Event = "retry_save"
	EventCancel          Event = "cancel"
)

// Method is how the tenant pays the first month's rent.
type Method string

const (
	MethodMobileMoney Method = "mobile_money"
	MethodCrypto      Method = "crypto"
)

// ParseMethod resolves a payment method name. "momo" and "mobile" are
// accepted for mobile money.
func ParseMethod(raw string) (Method, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mobile_money", "mobile-money", "mobile", "momo":
		return MethodMobileMoney, true
	case "crypto":
		return MethodCrypto, true
	}
	return "", false
}

// Transition is delivered to observers after every state change.
type Transition struct {
	From  State
	To    State
	Event Event
	Err   error
}

// Observer receives transitions. Observers run outside the machine lock and
// may call Snapshot.
type Observer func(Transition)

// TransitionError reports an event that is not valid in the current state.
// The state is left unchanged.
type TransitionError struct {
	State State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: %s not allowed in state %s", e.Event, e.State)
}

var (
	// ErrBusy is returned for events received while a payment is in flight.
	ErrBusy = errors.New("session: payment submission in progress")
	// ErrTermsNotAccepted is returned by Accept before the terms checkbox is
	// ticked.
	ErrTermsNotAccepted = errors.New("session: lease terms must be accepted before continuing")
	// ErrUnknownMethod is returned by SelectMethod for an unsupported method.
	ErrUnknownMethod = errors.New("session: unknown payment method")
	// ErrCancelled is returned by SelectMethod when Cancel ends the session
	// while the payment is in flight. It also matches context.Canceled.
	ErrCancelled = errors.New("session: cancelled during payment submission")
)
