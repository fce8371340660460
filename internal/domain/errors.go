package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateHash is returned by Store.Insert when another writer
	// committed the same (user, dedup hash) first. The engine re-routes
	// it through the exact-match path instead of failing the import.
	ErrDuplicateHash = errors.New("canonical activity already exists for dedup hash")

	// ErrActivityNotFound is returned when an activity cannot be located
	// by id.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrUnknownActivity is returned by stream attachment when an
	// external id does not resolve to a committed activity.
	ErrUnknownActivity = errors.New("stream payload references unknown activity")
)

// ValidationError marks input that cannot be evaluated. On the fuzzy
// path it only disqualifies the pair under comparison; it never aborts
// the whole item.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
