package notify

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDispatch marks a delivery that failed after its retry.
	ErrDispatch = errors.New("dispatch failed")
	// ErrConfiguration marks a channel whose settings cannot work. Such a
	// channel is treated as disabled.
	ErrConfiguration = errors.New("channel misconfigured")
)

// RecipientsError reports the recipients a transport could not reach, so a
// retry only goes to them.
type RecipientsError struct {
	Failed []string
	Err    error
}

func (e *RecipientsError) Error() string {
	return "recipients " + strings.Join(e.Failed, ", ") + ": " + e.Err.Error()
}

func (e *RecipientsError) Unwrap() error {
	return e.Err
}

func configurationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}
