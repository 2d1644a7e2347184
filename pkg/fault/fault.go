// Package fault defines the error taxonomy shared by the pool, the payout engine and the
// access layer. Every rejected operation surfaces as a *Error carrying one Kind plus the
// context (policy, amounts, timestamps) a caller needs to diagnose it.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind names a distinct failure outcome.
type Kind string

const (
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindPoolPaused           Kind = "POOL_PAUSED"
	KindInvalidDates         Kind = "INVALID_DATES"
	KindPolicyStartInPast    Kind = "POLICY_START_IN_PAST"
	KindZeroPremium          Kind = "ZERO_PREMIUM"
	KindZeroLimit            Kind = "ZERO_LIMIT"
	KindTransferFailed       Kind = "TRANSFER_FAILED"
	KindInsufficientReserves Kind = "INSUFFICIENT_RESERVES"
	KindEngineNotConfigured  Kind = "ENGINE_NOT_CONFIGURED"
	KindPolicyInactive       Kind = "POLICY_INACTIVE"
	KindFutureEvent          Kind = "FUTURE_EVENT"
	KindEventNotCovered      Kind = "EVENT_NOT_COVERED"
	KindClaimWindowPassed    Kind = "CLAIM_WINDOW_PASSED"
	KindNoPayout             Kind = "NO_PAYOUT"
	KindAnnualCapExceeded    Kind = "ANNUAL_CAP_EXCEEDED"
	KindPayoutTransferFailed Kind = "PAYOUT_TRANSFER_FAILED"
	KindLegacyPayoutDisabled Kind = "LEGACY_PAYOUT_DISABLED"
	KindInvalidRole          Kind = "INVALID_ROLE"
	KindNotPendingRole       Kind = "NOT_PENDING_ROLE"
	KindInvalidConfig        Kind = "INVALID_CONFIG"

	// KindSettlementUnrecorded means a payout left custody but the settlement could not
	// be committed. The claim must be reconciled by hand before it is settled again.
	KindSettlementUnrecorded Kind = "SETTLEMENT_UNRECORDED"
)

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

type kindInfo struct {
	status         int
	classification string
}

var kinds = map[Kind]kindInfo{
	KindUnauthorized:         {http.StatusForbidden, ClassificationNonRetryable},
	KindPoolPaused:           {http.StatusServiceUnavailable, ClassificationRetryable},
	KindInvalidDates:         {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindPolicyStartInPast:    {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindZeroPremium:          {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindZeroLimit:            {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindTransferFailed:       {http.StatusPaymentRequired, ClassificationRetryable},
	KindInsufficientReserves: {http.StatusConflict, ClassificationRetryable},
	KindEngineNotConfigured:  {http.StatusConflict, ClassificationRetryable},
	KindPolicyInactive:       {http.StatusConflict, ClassificationNonRetryable},
	KindFutureEvent:          {http.StatusUnprocessableEntity, ClassificationRetryable},
	KindEventNotCovered:      {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindClaimWindowPassed:    {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindNoPayout:             {http.StatusUnprocessableEntity, ClassificationNonRetryable},
	KindAnnualCapExceeded:    {http.StatusConflict, ClassificationRetryable},
	KindPayoutTransferFailed: {http.StatusBadGateway, ClassificationRetryable},
	KindLegacyPayoutDisabled: {http.StatusGone, ClassificationNonRetryable},
	KindInvalidRole:          {http.StatusBadRequest, ClassificationNonRetryable},
	KindNotPendingRole:       {http.StatusForbidden, ClassificationNonRetryable},
	KindInvalidConfig:        {http.StatusBadRequest, ClassificationNonRetryable},
	KindSettlementUnrecorded: {http.StatusInternalServerError, ClassificationNonRetryable},
}

// Status returns the HTTP status the API layer reports for the kind.
func (k Kind) Status() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Classification reports whether a caller may reasonably retry later.
// The pool itself never retries.
func (k Kind) Classification() string {
	if info, ok := kinds[k]; ok {
		return info.classification
	}
	return ClassificationNonRetryable
}

// Title returns a human readable title, e.g. "Policy Inactive".
func (k Kind) Title() string {
	parts := strings.Split(strings.ToLower(string(k)), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// Error is a classified failure with diagnostic context.
type Error struct {
	Kind   Kind
	Op     string
	Detail string

	PolicyID  *uint64
	Amount    *int64
	Timestamp *int64

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.PolicyID != nil {
		fmt.Fprintf(&b, " (policy %d)", *e.PolicyID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, fault.ErrNoPayout) works
// regardless of the attached context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// WithPolicy attaches a policy id.
func (e *Error) WithPolicy(id uint64) *Error {
	e.PolicyID = &id
	return e
}

// WithAmount attaches the amount the failure is about.
func (e *Error) WithAmount(amount int64) *Error {
	e.Amount = &amount
	return e
}

// WithTimestamp attaches the timestamp the failure is about.
func (e *Error) WithTimestamp(ts int64) *Error {
	e.Timestamp = &ts
	return e
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Sentinels for errors.Is.
var (
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrPoolPaused           = &Error{Kind: KindPoolPaused}
	ErrInvalidDates         = &Error{Kind: KindInvalidDates}
	ErrPolicyStartInPast    = &Error{Kind: KindPolicyStartInPast}
	ErrZeroPremium          = &Error{Kind: KindZeroPremium}
	ErrZeroLimit            = &Error{Kind: KindZeroLimit}
	ErrTransferFailed       = &Error{Kind: KindTransferFailed}
	ErrInsufficientReserves = &Error{Kind: KindInsufficientReserves}
	ErrEngineNotConfigured  = &Error{Kind: KindEngineNotConfigured}
	ErrPolicyInactive       = &Error{Kind: KindPolicyInactive}
	ErrFutureEvent          = &Error{Kind: KindFutureEvent}
	ErrEventNotCovered      = &Error{Kind: KindEventNotCovered}
	ErrClaimWindowPassed    = &Error{Kind: KindClaimWindowPassed}
	ErrNoPayout             = &Error{Kind: KindNoPayout}
	ErrAnnualCapExceeded    = &Error{Kind: KindAnnualCapExceeded}
	ErrPayoutTransferFailed = &Error{Kind: KindPayoutTransferFailed}
	ErrLegacyPayoutDisabled = &Error{Kind: KindLegacyPayoutDisabled}
	ErrInvalidRole          = &Error{Kind: KindInvalidRole}
	ErrNotPendingRole       = &Error{Kind: KindNotPendingRole}
	ErrInvalidConfig        = &Error{Kind: KindInvalidConfig}
	ErrSettlementUnrecorded = &Error{Kind: KindSettlementUnrecorded}
)
