package domain

import "errors"

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrDuplicateMessage    = errors.New("duplicate message")
	ErrOutOfOrderMessage   = errors.New("out of order message")
	ErrInsufficientEscrow  = errors.New("insufficient escrow")
	ErrIneligible          = errors.New("ineligible")
	ErrWindowViolation     = errors.New("voting window violation")
	ErrReconciliationFault = errors.New("reconciliation fault")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCounterExhausted    = errors.New("job counter exhausted")
	ErrUnknownKind         = errors.New("unknown message kind")
)

// IsRejection reports whether err is a business rejection of a remote action,
// as opposed to an infrastructure failure that should be retried.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition,
		ErrInsufficientEscrow,
		ErrIneligible,
		ErrWindowViolation,
		ErrReconciliationFault,
		ErrNotFound,
		ErrInvalidInput,
		ErrCounterExhausted,
		ErrUnknownKind,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
