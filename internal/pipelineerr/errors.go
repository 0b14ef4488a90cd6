// Package pipelineerr defines the typed error taxonomy surfaced by the
// orchestrator and retry policy (spec §7).
package pipelineerr

import (
	"fmt"

	"github.com/reelforge/core/internal/model"
)

// InvalidTransitionError is returned when a caller attempts a transition
// that has no edge in the state machine (§4.1).
type InvalidTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// ValidationPhase distinguishes entry from exit validation (§4.2).
type ValidationPhase string

const (
	PhaseEntry ValidationPhase = "entry"
	PhaseExit  ValidationPhase = "exit"
)

// ValidationError lists the missing preconditions for a target or source
// status.
type ValidationError struct {
	Phase  ValidationPhase
	Status model.Status
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed for %s: %v", e.Phase, e.Status, e.Errors)
}

// ErrorKind classifies a failure by retry behavior (§4.3).
type ErrorKind string

const (
	KindNetworkTimeout    ErrorKind = "network_timeout"
	KindNetworkRefused    ErrorKind = "network_refused"
	KindRateLimited       ErrorKind = "rate_limited"
	KindAuthStale         ErrorKind = "auth_stale"
	KindNotFound          ErrorKind = "not_found"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindDownloadStalled   ErrorKind = "download_stalled"
	KindEncodingStalled   ErrorKind = "encoding_stalled"
	KindDiskFull          ErrorKind = "disk_full"
	KindEncoderUnavailable ErrorKind = "encoder_unavailable"
	KindValidation        ErrorKind = "validation"
	KindUnknown           ErrorKind = "unknown"
)

// ClassifiedError wraps an underlying error with the kind the retry policy
// should act on, and an optional service tag biasing toward skipUntil
// (§4.3, §7 propagation policy).
type ClassifiedError struct {
	Kind       ErrorKind
	Err        error
	ServiceTag string
	RetryAfter int // seconds, honored for rate_limited when > 0 (§4.3)
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// New wraps err with the given kind, no service tag.
func New(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// WithServiceTag attaches a service tag, biasing the retry policy toward
// skipUntil for the kinds that support it (§4.3, §7).
func (e *ClassifiedError) WithServiceTag(tag string) *ClassifiedError {
	e.ServiceTag = tag
	return e
}
