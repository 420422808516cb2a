package crostestutils

import "fmt"

// MissingPayloadError indicates the update cache has no entry for a required
// update identifier. This is a harness configuration bug (the payload
// generation step did not cover the identifier), so callers must treat it as
// fatal and never fall back to guessing a payload location.
type MissingPayloadError struct {
	ID UpdateID
}

func (e *MissingPayloadError) Error() string {
	return fmt.Sprintf("no payload found for %s", e.ID.Key())
}

// UpdateFailure is raised when the native update mechanism reports failure.
// Output carries the underlying tool's captured output verbatim so callers
// can match expected failures (e.g. corrupted payloads) by substring.
type UpdateFailure struct {
	Code   int
	Output string
}

func (e *UpdateFailure) Error() string {
	return fmt.Sprintf("update failed (exit %d): %s", e.Code, e.Output)
}

// PayloadGenerationError indicates one or more required payloads could not be
// generated. The whole BuildCache call fails; no partial cache is returned.
type PayloadGenerationError struct {
	Reason string
}

func (e *PayloadGenerationError) Error() string {
	return "payload generation failed: " + e.Reason
}

// ParallelJobTimeoutError is raised when a RunBounded batch exceeds its
// wall-clock deadline. All still-running jobs have been killed and partial
// results are discarded.
type ParallelJobTimeoutError struct {
	Timeout string
}

func (e *ParallelJobTimeoutError) Error() string {
	return "exceeded max time of " + e.Timeout + " to wait for job completion"
}

// ProxyBindError indicates the fault proxy's listening port was already in
// use, usually a leaked previous test run. Fatal, never retried.
type ProxyBindError struct {
	Port int
	Err  error
}

func (e *ProxyBindError) Error() string {
	return fmt.Sprintf("fault proxy failed to bind port %d: %v", e.Port, e.Err)
}

func (e *ProxyBindError) Unwrap() error { return e.Err }

// UnparsableTestOutput indicates the verification runner's output contained
// no recognizable pass-rate line. Distinct from "tests failed": it usually
// means the runner itself crashed.
type UnparsableTestOutput struct {
	Output string
}

func (e *UnparsableTestOutput) Error() string {
	return "no Total PASS line found in test runner output"
}
