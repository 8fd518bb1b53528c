package snapshot

import "github.com/cockroachdb/errors"

// ErrValidation marks an entity that was rejected because required data was missing.
var ErrValidation = errors.New("validation error")

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}
