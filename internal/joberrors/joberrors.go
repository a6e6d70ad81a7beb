package joberrors

import (
	"fmt"
	"time"

	"github.com/forgeml/orchestrator/internal/types"
)

// Admission was refused because reserving the requested memory would push a
// device past its usage cap.
type AdmissionRejectedError struct {
	DeviceID       string
	RequestedBytes int64
	AvailableBytes int64
}

func (e AdmissionRejectedError) Error() string {
	return fmt.Sprintf(
		"admission rejected on %s: requested %d bytes, %d available under cap",
		e.DeviceID,
		e.RequestedBytes,
		e.AvailableBytes,
	)
}

// Execution was abandoned because the wall-clock deadline elapsed first
type DeadlineExceededError struct {
	Deadline time.Duration
	Elapsed  time.Duration
}

func (e DeadlineExceededError) Error() string {
	return fmt.Sprintf("deadline of %s exceeded after %s", e.Deadline, e.Elapsed)
}

// The executor itself failed. Phase distinguishes where in the run it died.
type ExecutionFailureError struct {
	Err   error
	Phase string
	Rank  int
}

func (e ExecutionFailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution failed during %s on rank %d", e.Phase, e.Rank)
	}
	return fmt.Sprintf("execution failed during %s on rank %d: %s", e.Phase, e.Rank, e.Err.Error())
}

func (e ExecutionFailureError) Unwrap() error {
	return e.Err
}

// Wrap an executor error with the phase and rank it occurred on
func ExecutionFailureWrap(phase string, rank int, err error) error {
	return ExecutionFailureError{Phase: phase, Rank: rank, Err: err}
}

// A required compliance check did not pass and could not be remediated
type ComplianceViolationError struct {
	Results []types.ComplianceResult
}

func (e ComplianceViolationError) Error() string {
	for _, r := range e.Results {
		if !r.Clean() {
			return fmt.Sprintf("compliance violation: %s failed with score %.3f", r.Kind, r.Score)
		}
	}
	return "compliance violation"
}

// Failed returns the results that were neither passed nor remediated
func (e ComplianceViolationError) Failed() []types.ComplianceResult {
	var failed []types.ComplianceResult
	for _, r := range e.Results {
		if !r.Clean() {
			failed = append(failed, r)
		}
	}
	return failed
}

// A fatal performance threshold was breached
type ThresholdViolationError struct {
	Violation types.Violation
}

func (e ThresholdViolationError) Error() string {
	return fmt.Sprintf(
		"fatal threshold violation on %s: observed %.3f, limit %.3f",
		e.Violation.Metric,
		e.Violation.Observed,
		e.Violation.Limit,
	)
}

// The submitted spec or the server configuration is unusable
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
