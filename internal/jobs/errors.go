package jobs

import (
	"errors"
	"fmt"
)

// ErrUnknownJob is returned for a job name with no registered handler.
var ErrUnknownJob = errors.New("unknown job")

// PermanentError marks a failure that will not go away on retry, such as a
// malformed payload. The pool disables the job instead of rescheduling it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the pool does not retry it. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ErrorChain flattens err and everything it wraps into the ordered list of
// messages stored on the job exception.
func ErrorChain(err error) []string {
	var out []string
	seen := map[string]bool{}
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if msg == "" || seen[msg] {
			continue
		}
		seen[msg] = true
		out = append(out, msg)
	}
	if pe, ok := err.(*panicError); ok && pe.stack != "" {
		out = append(out, pe.stack)
	}
	return out
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}
