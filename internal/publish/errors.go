package publish

import (
	"errors"
	"fmt"
)

// ErrNoActiveAccounts means every selected platform resolved to zero
// active accounts, so there is nothing to dispatch.
var ErrNoActiveAccounts = errors.New("no active accounts for the selected platforms")

// ValidationError marks bad caller input. It is surfaced immediately and
// never enters the retry machinery.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is caller input rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
