package pipeline

import "fmt"

// TransientError covers failures worth retrying: network I/O, provider rate
// limits, storage hiccups.
type TransientError struct {
	Stage Stage
	Err   error
}

func (e *TransientError) Error() string   { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Retryable() bool { return true }

// ContentError covers permanently malformed input: an unparseable file, empty
// extraction output. Retrying without new input cannot succeed.
type ContentError struct {
	Stage Stage
	Err   error
}

func (e *ContentError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *ContentError) Unwrap() error { return e.Err }

// IntegrityError covers invariant violations at stage boundaries: a missing
// document row, an illegal status transition. Fatal to the invocation.
type IntegrityError struct {
	Stage Stage
	Err   error
}

func (e *IntegrityError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *IntegrityError) Unwrap() error { return e.Err }

func transientf(stage Stage, format string, args ...any) error {
	return &TransientError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

func contentf(stage Stage, format string, args ...any) error {
	return &ContentError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

func integrityf(stage Stage, format string, args ...any) error {
	return &IntegrityError{Stage: stage, Err: fmt.Errorf(format, args...)}
}
