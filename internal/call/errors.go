package call

import "errors"

var (
	// ErrBusy is returned when a command would start a second concurrent call.
	ErrBusy = errors.New("another call is already in progress")

	// ErrNoActiveCall is returned by commands that require a session.
	ErrNoActiveCall = errors.New("no active call")

	// ErrUnknownInvitation is returned when the referenced invitation does not exist.
	ErrUnknownInvitation = errors.New("unknown invitation")

	// ErrInvitationConsumed is returned when an invitation was already
	// accepted, rejected, or expired. An invitation is consumed exactly once.
	ErrInvitationConsumed = errors.New("invitation already consumed")

	// ErrNotRunning is returned by commands issued before Start or after Stop.
	ErrNotRunning = errors.New("coordinator is not running")

	// ErrInvalidMode is returned when a command names an unknown media mode.
	ErrInvalidMode = errors.New("invalid call mode")

	// ErrJoinExhausted marks a join that stayed invisible past the bounded
	// propagation-retry window.
	ErrJoinExhausted = errors.New("call object never became joinable")
)

// Error codes surfaced on the status stream. Transient errors are retried
// internally and never appear here individually; only terminal outcomes do.
const (
	CodeTransientNetwork       = "transient_network"
	CodeCallNotFound           = "call_not_found"
	CodePermissionDenied       = "permission_denied"
	CodeCounterpartyUnreachable = "counterparty_unreachable"
	CodeNotificationDelivery   = "notification_delivery"
)

// ErrorEvent is a terminal, human-readable failure surfaced to the
// presentation adapter.
type ErrorEvent struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}
