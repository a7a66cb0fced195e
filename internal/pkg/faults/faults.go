package faults

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InvalidTransitionError is returned when a stage-state move is not in the
// transition table and the course is not already at or past the target.
type InvalidTransitionError struct {
	CourseID uuid.UUID
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for course %s: %s -> %s", e.CourseID, e.From, e.To)
}

// GenerationError wraps a failed external provider call. Retried by the
// escalation policy; never a course-level failure on its own.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ValidationError carries a cascade rejection. It drives retry/escalation and
// must not propagate past the policy.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("artifact rejected: %v", e.Reasons)
}

// ExhaustedError means every retry on every model tier was spent. Terminal
// for the unit; surfaced as needs-human-review or stage failure.
type ExhaustedError struct {
	UnitID   uuid.UUID
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for unit %s after %d attempts", e.UnitID, e.Attempts)
}

// InfraError wraps queue/store unavailability. Retried at the transport
// layer with backoff; not business-logic visible.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure error during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

func IsInvalidTransition(err error) bool {
	var t *InvalidTransitionError
	return errors.As(err, &t)
}

func IsGeneration(err error) bool {
	var t *GenerationError
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

func IsExhausted(err error) bool {
	var t *ExhaustedError
	return errors.As(err, &t)
}

func IsInfra(err error) bool {
	var t *InfraError
	return errors.As(err, &t)
}
