package domain

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Rate-limit backpressure is absorbed by the rate
// gates and has no error value.
var (
	// ErrSourceUnavailable is fatal to the job.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrExtractionMalformed is page-level; the page is skipped.
	ErrExtractionMalformed = errors.New("extraction malformed")
	// ErrDuplicateVariant is a diagnostic; the duplicate is discarded.
	ErrDuplicateVariant = errors.New("duplicate variant discarded")
	// ErrPublishValidationRejected is terminal for the record.
	ErrPublishValidationRejected = errors.New("publish validation rejected")
	// ErrPublishTransient is retried with backoff, then terminal.
	ErrPublishTransient = errors.New("publish transient failure")
	// ErrPublishAuth is terminal for the record.
	ErrPublishAuth = errors.New("publish authentication failed")
)

// Model capability failures.
var (
	ErrCapabilityTimeout  = errors.New("capability timeout")
	ErrCapabilityRejected = errors.New("capability rejected")
)

// Lookup and state errors.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobAlreadyActive   = errors.New("source already has an active job")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrProductNotFound    = errors.New("product not found")
	ErrRecordNotFound     = errors.New("publish record not found")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrInvalidJobRequest  = errors.New("invalid job request")
)

// PublishStepError carries the sub-step a publish failed in.
type PublishStepError struct {
	Step PublishStep
	Err  error
}

func (e *PublishStepError) Error() string {
	return fmt.Sprintf("publish step %s: %v", e.Step, e.Err)
}

func (e *PublishStepError) Unwrap() error {
	return e.Err
}

// IsTerminalPublishError reports whether err must not be retried.
func IsTerminalPublishError(err error) bool {
	return errors.Is(err, ErrPublishValidationRejected) || errors.Is(err, ErrPublishAuth)
}
