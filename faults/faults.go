// Package faults defines the error taxonomy shared by the codec, gateway,
// storage, session and reconciliation layers.
package faults

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind enumerates every failure the tenant flow can observe.
type Kind int

const (
	KindUnknown Kind = iota
	InvalidQRCode
	ExpiredQRCode
	PermissionDenied
	CameraUnavailable
	SimFailure
	NotFound
	BitnobAPIError
	MobileMoneyFailed
	PaymentFailed
	StorageIOError
	ReconcileNoLease
)

// Origin groups kinds by the layer that raises them.
type Origin string

const (
	OriginUnknown        Origin = "unknown"
	OriginCodec          Origin = "codec"
	OriginPermission     Origin = "permission"
	OriginGateway        Origin = "gateway"
	OriginPersistence    Origin = "persistence"
	OriginReconciliation Origin = "reconciliation"
)

var kindCodes = map[Kind]string{
	KindUnknown:       "UNKNOWN",
	InvalidQRCode:     "INVALID_QR_CODE",
	ExpiredQRCode:     "EXPIRED_QR_CODE",
	PermissionDenied:  "PERMISSION_DENIED",
	CameraUnavailable: "CAMERA_UNAVAILABLE",
	SimFailure:        "SIM_FAILURE",
	NotFound:          "NOT_FOUND",
	BitnobAPIError:    "BITNOB_API_ERROR",
	MobileMoneyFailed: "MOBILE_MONEY_FAILED",
	PaymentFailed:     "PAYMENT_FAILED",
	StorageIOError:    "STORAGE_IO_ERROR",
	ReconcileNoLease:  "RECONCILE_NO_LEASE",
}

// String returns the wire code for the kind.
func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindUnknown]
}

// ParseKind resolves a wire code back into a Kind. Unknown codes map to
// KindUnknown.
func ParseKind(code string) Kind {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	for kind, candidate := range kindCodes {
		if candidate == normalized {
			return kind
		}
	}
	return KindUnknown
}

// Origin reports which layer raises the kind.
func (k Kind) Origin() Origin {
	switch k {
	case InvalidQRCode, ExpiredQRCode:
		return OriginCodec
	case PermissionDenied, CameraUnavailable:
		return OriginPermission
	case SimFailure, NotFound, BitnobAPIError, MobileMoneyFailed, PaymentFailed:
		return OriginGateway
	case StorageIOError:
		return OriginPersistence
	case ReconcileNoLease:
		return OriginReconciliation
	default:
		return OriginUnknown
	}
}

// Retryable reports whether repeating the triggering user action can succeed.
// NotFound and ReconcileNoLease are fatal to the attempt that raised them.
func (k Kind) Retryable() bool {
	switch k {
	case NotFound, ReconcileNoLease, KindUnknown:
		return false
	default:
		return true
	}
}

// Error is a typed failure carrying its kind and the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind, so callers can compare against the
// package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Msg == "" && other.Err == nil
}

var (
	ErrInvalidQRCode     = &Error{Kind: InvalidQRCode}
	ErrExpiredQRCode     = &Error{Kind: ExpiredQRCode}
	ErrPermissionDenied  = &Error{Kind: PermissionDenied}
	ErrCameraUnavailable = &Error{Kind: CameraUnavailable}
	ErrSimFailure        = &Error{Kind: SimFailure}
	ErrNotFound          = &Error{Kind: NotFound}
	ErrBitnobAPI         = &Error{Kind: BitnobAPIError}
	ErrMobileMoneyFailed = &Error{Kind: MobileMoneyFailed}
	ErrPaymentFailed     = &Error{Kind: PaymentFailed}
	ErrStorageIO         = &Error{Kind: StorageIOError}
	ErrReconcileNoLease  = &Error{Kind: ReconcileNoLease}
)

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var typed *Error
	if stderrors.As(err, &typed) && typed != nil {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the supplied kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
