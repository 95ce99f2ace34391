package domain

import "errors"

// Error taxonomy. Wrap with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrValidation marks malformed input; it never reaches the pipeline.
	ErrValidation = errors.New("validation failure")
	// ErrPolicyDenied marks input rejected by the intake policy.
	ErrPolicyDenied = errors.New("rejected by intake policy")
	// ErrNotFound marks a referenced session, snippet or feedback item that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUpstream marks an empty, malformed or unreachable reasoning service response.
	ErrUpstream = errors.New("upstream failure")
	// ErrPipeline marks a failure inside the analysis loop.
	ErrPipeline = errors.New("pipeline failure")
	// ErrPersistence marks a status write that could not be recorded after retries.
	ErrPersistence = errors.New("persistence failure")
	// ErrConflict marks an optimistic concurrency conflict.
	ErrConflict = errors.New("conflict")
	// ErrSuperseded marks an analysis attempt that no longer owns its session.
	ErrSuperseded = errors.New("attempt superseded")
)
