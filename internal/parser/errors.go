package parser

import (
	"errors"
	"fmt"
)

// ErrMissingRequiredField marks a listing that cannot become a panel record.
// It is terminal: retrying the same response will not help.
var ErrMissingRequiredField = errors.New("missing required field")

// MissingFieldError names the hard-required field that was absent.
type MissingFieldError struct {
	Field string
	ASIN  string
}

func (e *MissingFieldError) Error() string {
	if e.ASIN != "" {
		return fmt.Sprintf("missing required field %q (asin %s)", e.Field, e.ASIN)
	}
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingRequiredField
}
