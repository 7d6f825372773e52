package pipeline

import (
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
)

var (
	// ErrLostClaim means another task took the file over while this one ran.
	ErrLostClaim = errors.New("file claimed by another task")
)

// InputError marks a failure caused by the file itself. It fails the file
// without retry.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return "input error: " + e.Err.Error() }

func (e *InputError) Unwrap() error { return e.Err }

func inputErrorf(format string, args ...any) error {
	return &InputError{Err: fmt.Errorf(format, args...)}
}

// IsInputError reports whether err is, or wraps, an InputError or a parser
// error about the file's content.
func IsInputError(err error) bool {
	var ie *InputError
	if errors.As(err, &ie) {
		return true
	}
	return errors.Is(err, parser.ErrUnsupportedFormat) ||
		errors.Is(err, parser.ErrNoRecords) ||
		errors.Is(err, parser.ErrInvalidContainer)
}
