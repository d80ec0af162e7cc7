package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrSessionNotFound    = errors.New("session_not_found")
	ErrPairNotFound       = errors.New("pair_not_found")
	ErrOutsideThreshold   = errors.New("outside_threshold")
	ErrAlreadySent        = errors.New("already_sent")
	ErrSubmissionInFlight = errors.New("submission_in_flight")
	ErrSubmissionUnknown  = errors.New("submission_unknown")
	ErrSubmissionTimeout  = errors.New("submission_timeout")
	ErrSubmissionRejected = errors.New("submission_rejected")
	ErrUpstreamFailure    = errors.New("upstream_failure")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
