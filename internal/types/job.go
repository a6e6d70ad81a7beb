package types

import "time"

type JobKind string

const (
	JobKindGeneration JobKind = "generation" // Produce output frames from a prompt/spec
	JobKindTraining   JobKind = "training"   // Fine-tune or train against a dataset
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // Submitted, not yet admitted against device memory
	JobStatusAdmitted   JobStatus = "admitted"   // Memory reserved, execution not started
	JobStatusRunning    JobStatus = "running"    // Executor invoked, racing the deadline
	JobStatusEvaluating JobStatus = "evaluating" // Executor finished, compliance and thresholds pending
	JobStatusCompleted  JobStatus = "completed"  // Terminal: compliant and within fatal thresholds
	JobStatusFailed     JobStatus = "failed"     // Terminal: deadline, executor error, compliance, or fatal threshold
	JobStatusCancelled  JobStatus = "cancelled"  // Terminal: external cancellation
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Reason strings recorded in audit detail for terminal FAILED states
type FailureReason string

const (
	ReasonAdmissionRejected   FailureReason = "admission_rejected"
	ReasonDeadlineExceeded    FailureReason = "deadline_exceeded"
	ReasonExecutionFailure    FailureReason = "execution_failure"
	ReasonComplianceViolation FailureReason = "compliance_violation"
	ReasonThresholdViolation  FailureReason = "threshold_violation"
)

// Architecture limits enforced at submission time
const (
	MaxFrameCount      int = 1024
	MaxResolutionEdge  int = 4096
	DefaultDeadlineMs  int64 = 600_000
	bytesPerPixel      int64 = 6 // fp16 latent + activation overhead per pixel per frame
	activationOverhead int64 = 2
)

type Resolution struct {
	Width  int `json:"width"  validate:"required,gt=0"`
	Height int `json:"height" validate:"required,gt=0"`
}

// Submission payload for one unit of generation or training work
type JobSpec struct {
	Kind             JobKind     `json:"kind"              validate:"required,eq=generation|eq=training"`
	Resolution       Resolution  `json:"resolution"        validate:"required"`
	FrameCount       int         `json:"frame_count"       validate:"required,gt=0"`
	DeviceCount      int         `json:"device_count"      validate:"required,gt=0"`
	DeadlineMs       int64       `json:"deadline_ms"`
	MemoryBytes      int64       `json:"memory_bytes"`
	ComplianceChecks []CheckSpec `json:"compliance_checks"`
	// Multi-worker runs fail as a whole when true; otherwise partial worker
	// failure is recorded as a violation, not a job failure.
	RequireFullSuccess bool `json:"require_full_success"`
	// Sharding flags reduce per-worker memory need, not world size
	UseShardedDDP bool `json:"use_sharded_ddp"`
	UseFSDP       bool `json:"use_fsdp"`
	// When true a rejected admission fails the job instead of leaving it pending
	NoRetry bool `json:"no_retry"`
}

// Deadline is zero when the spec leaves it unset; the runner then applies
// its configured default.
func (s JobSpec) Deadline() time.Duration {
	if s.DeadlineMs <= 0 {
		return 0
	}
	return time.Duration(s.DeadlineMs) * time.Millisecond
}

// Per-worker memory requirement. Explicit memory_bytes wins; otherwise
// estimated from the output geometry. Sharded strategies split the
// requirement across workers.
func (s JobSpec) MemoryPerWorker() int64 {
	mem := s.MemoryBytes
	if mem <= 0 {
		mem = int64(s.Resolution.Width) * int64(s.Resolution.Height) *
			int64(s.FrameCount) * bytesPerPixel * activationOverhead
	}

	if (s.UseShardedDDP || s.UseFSDP) && s.DeviceCount > 1 {
		return mem / int64(s.DeviceCount)
	}
	return mem
}

// ReplicationFactor is the number of full model replicas a run holds. Every
// device carries one replica unless a sharding strategy splits the model;
// sharding never changes the world size, only the replica count.
func (s JobSpec) ReplicationFactor() int {
	if (s.UseShardedDDP || s.UseFSDP) && s.DeviceCount > 1 {
		return 1
	}
	return s.DeviceCount
}

type RequestedResources struct {
	MemoryBytes int64         `json:"memory_bytes"`
	DeviceCount int           `json:"device_count"`
	Deadline    time.Duration `json:"deadline_ns"`
}

// Per-state job counts for the status surface
type StatusCounts struct {
	Pending    int32 `json:"pending"`
	Admitted   int32 `json:"admitted"`
	Running    int32 `json:"running"`
	Evaluating int32 `json:"evaluating"`
	Completed  int32 `json:"completed"`
	Failed     int32 `json:"failed"`
	Cancelled  int32 `json:"cancelled"`
}
