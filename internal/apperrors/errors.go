// Package apperrors holds the error taxonomy shared by the gateway adapter,
// the escrow state machine and the HTTP layer.
package apperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidAccount means the gateway rejected the provider's bank details.
	ErrInvalidAccount = errors.New("invalid bank account")
	// ErrGatewayUnavailable covers network failures, timeouts and 5xx answers.
	// The outcome of the call is unknown.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidRequest is a definitive 4xx rejection from the gateway.
	ErrInvalidRequest = errors.New("payment gateway rejected the request")

	ErrStaleTransition  = errors.New("stale transition")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrBreakdownMissing is self-healed by backfilling and never returned to users.
	ErrBreakdownMissing = errors.New("payment breakdown missing")

	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrBookingState       = errors.New("booking is not in a valid state for this action")
	ErrRecipientUntrusted = errors.New("provider has no validated bank recipient")
	ErrReleaseFailed      = errors.New("payout failed, funds remain in escrow")
	ErrAmountMismatch     = errors.New("gateway amount does not match payment total")
)

// StaleTransitionError names the state a rejected user action found.
type StaleTransitionError struct {
	Current string
	Action  string
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("cannot %s: payment is %s", e.Action, e.Current)
}

func (e *StaleTransitionError) Is(target error) bool {
	return target == ErrStaleTransition
}

// Guidance returns a short user-facing hint for err, or "" when none applies.
func Guidance(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAccount):
		return "check the bank code and account number, then save the bank details again"
	case errors.Is(err, ErrRecipientUntrusted):
		return "ask the provider to update their bank details before releasing payment"
	case errors.Is(err, ErrReleaseFailed):
		return "your payment is safe in escrow; contact the provider to update their bank details and try again"
	case errors.Is(err, ErrGatewayUnavailable):
		return "the payment gateway is busy; your request is processing and will complete automatically"
	}
	return ""
}
