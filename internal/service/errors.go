package service

import (
	"errors"
	"fmt"
)

// ErrNoAvailableManager means no agent passed the eligibility filters.
var ErrNoAvailableManager = errors.New("no available manager")

// IntegrityError marks a record that cannot be tied to a consultation.
// Callers skip the record and keep going.
type IntegrityError struct {
	Entity string
	Key    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s %q: %s", e.Entity, e.Key, e.Reason)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
