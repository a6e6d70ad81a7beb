package audit

import (
	"github.com/forgeml/orchestrator/internal/types"
)

var schemaVersion = "0.1.0"
var logContext = "audit"

type Disposition string

const (
	DispositionNeutral Disposition = "neutral"
	DispositionGood    Disposition = "good"
	DispositionBad     Disposition = "bad"
)

type EventType string

const (
	EvtJobSubmitted        EventType = "job_submitted"
	EvtAdmissionGranted    EventType = "admission_granted"
	EvtAdmissionRejected   EventType = "admission_rejected"
	EvtExecutionStarted    EventType = "execution_started"
	EvtExecutionFinished   EventType = "execution_finished"
	EvtDeadlineExceeded    EventType = "deadline_exceeded"
	EvtComplianceEvaluated EventType = "compliance_evaluated"
	EvtThresholdViolation  EventType = "threshold_violation"
	EvtDeviceCleanup       EventType = "device_cleanup"
	EvtJobCompleted        EventType = "job_completed"
	EvtJobFailed           EventType = "job_failed"
	EvtJobCancelled        EventType = "job_cancelled"
	EvtOutputArchived      EventType = "output_archived"
)

type Message struct {
	JobID         *string     `json:"job_id"`
	LogContext    string      `json:"log_context" validate:"required"`
	SchemaVersion string      `json:"version"     validate:"required"`
	ClusterID     string      `json:"cluster_id"  validate:"required"`
	Disposition   Disposition `json:"disposition" validate:"required"`
	Type          EventType   `json:"event_type"  validate:"required"`

	Timestamp types.UnixMilli `json:"timestamp" validate:"required"`
}

type JobSubmittedEvent struct {
	Kind        types.JobKind `json:"kind"         validate:"required"`
	Width       int           `json:"width"        validate:"required"`
	Height      int           `json:"height"       validate:"required"`
	FrameCount  int           `json:"frame_count"  validate:"required"`
	DeviceCount int           `json:"device_count" validate:"required"`
	MemoryBytes int64         `json:"memory_bytes"`
	DeadlineMs  int64         `json:"deadline_ms"`
}

type JobSubmitted struct {
	Event JobSubmittedEvent `json:"event" validate:"required"`
	Message
}

type AdmissionGrantedEvent struct {
	DeviceIDs     []string `json:"device_ids"     validate:"required"`
	ReservedBytes int64    `json:"reserved_bytes" validate:"required"`
}

type AdmissionGranted struct {
	Event AdmissionGrantedEvent `json:"event" validate:"required"`
	Message
}

type AdmissionRejectedEvent struct {
	RequestedBytes int64  `json:"requested_bytes" validate:"required"`
	AvailableBytes int64  `json:"available_bytes"`
	DeviceID       string `json:"device_id"`
}

type AdmissionRejected struct {
	Event AdmissionRejectedEvent `json:"event" validate:"required"`
	Message
}

type ExecutionStartedEvent struct {
	WorldSize  int   `json:"world_size" validate:"required"`
	DeadlineMs int64 `json:"deadline_ms"`
}

type ExecutionStarted struct {
	Event ExecutionStartedEvent `json:"event" validate:"required"`
	Message
}

type ExecutionFinishedEvent struct {
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
	Succeeded bool   `json:"succeeded"`
}

type ExecutionFinished struct {
	Event ExecutionFinishedEvent `json:"event" validate:"required"`
	Message
}

type DeadlineExceededEvent struct {
	DeadlineMs int64 `json:"deadline_ms" validate:"required"`
	ElapsedMs  int64 `json:"elapsed_ms"`
}

type DeadlineExceeded struct {
	Event DeadlineExceededEvent `json:"event" validate:"required"`
	Message
}

type ComplianceEvaluatedEvent struct {
	Results []types.ComplianceResult `json:"results"`
	Clean   bool                     `json:"clean"`
}

type ComplianceEvaluated struct {
	Event ComplianceEvaluatedEvent `json:"event" validate:"required"`
	Message
}

type ThresholdViolationEvent struct {
	Metric   types.ViolationMetric `json:"metric"   validate:"required"`
	Observed float64               `json:"observed"`
	Limit    float64               `json:"limit"`
	Fatal    bool                  `json:"fatal"`
}

type ThresholdViolation struct {
	Event ThresholdViolationEvent `json:"event" validate:"required"`
	Message
}

type DeviceCleanupEvent struct {
	DeviceID       string  `json:"device_id" validate:"required"`
	UsageRatio     float64 `json:"usage_ratio"`
	ReclaimedBytes int64   `json:"reclaimed_bytes"`
}

type DeviceCleanup struct {
	Event DeviceCleanupEvent `json:"event" validate:"required"`
	Message
}

type JobTerminalEvent struct {
	Reason    string `json:"reason,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type JobCompleted struct {
	Event JobTerminalEvent `json:"event"`
	Message
}

type JobFailed struct {
	Event JobTerminalEvent `json:"event"`
	Message
}

type JobCancelled struct {
	Event JobTerminalEvent `json:"event"`
	Message
}

type OutputArchivedEvent struct {
	BucketName string `json:"bucket_name" validate:"required"`
	ObjectName string `json:"object_name" validate:"required"`
	SHA256     string `json:"sha256"      validate:"required"`
	SizeBytes  int64  `json:"size_bytes"`
}

type OutputArchived struct {
	Event OutputArchivedEvent `json:"event" validate:"required"`
	Message
}
