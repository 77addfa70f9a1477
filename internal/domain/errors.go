package domain

import "github.com/pkg/errors"

// Error taxonomy. Callers classify with errors.Is; anything a provider
// returns that does not match a sentinel is treated as transfer I/O
// failure and retried up to MaxRetries.
var (
	ErrNotFound           = errors.New("job not found")
	ErrDuplicateID        = errors.New("job id already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrValidation         = errors.New("invalid request")
	ErrInsufficientFunds  = errors.New("insufficient wallet balance")
)

// Terminal reports whether err must fail the job immediately, with no
// retry. Credentials and funds problems are not transient.
func Terminal(err error) bool {
	return errors.Is(err, ErrConnectionNotFound) || errors.Is(err, ErrInsufficientFunds)
}
