package prover

import (
	"errors"
	"strings"
)

// Failure kinds reported by the adapter. Match them with errors.Is.
var (
	ErrLaunch        = errors.New("prover could not be launched")
	ErrRejectedInput = errors.New("prover rejected input")
	ErrTimeout       = errors.New("prover timed out")
	ErrHandleClosed  = errors.New("prover handle closed")
)

const maxStderrInMessage = 512

// Error carries a failure kind together with the underlying cause and
// whatever the prover wrote to its error stream.
type Error struct {
	Kind   error
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if len(s) > maxStderrInMessage {
			s = s[:maxStderrInMessage] + "..."
		}
		b.WriteString(" (stderr: ")
		b.WriteString(s)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StderrOf returns the captured error stream of err, if it carries one.
func StderrOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stderr
	}
	return ""
}

func launchError(err error) error {
	return &Error{Kind: ErrLaunch, Err: err}
}
