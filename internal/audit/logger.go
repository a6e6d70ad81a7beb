package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/types"
)

type Context struct {
	JobID     *string
	ClusterID string
}

func (c Context) message(typ EventType, disp Disposition) Message {
	return Message{
		JobID:         c.JobID,
		LogContext:    logContext,
		SchemaVersion: schemaVersion,
		ClusterID:     c.ClusterID,
		Disposition:   disp,
		Type:          typ,
		Timestamp:     types.UnixMilli(time.Now().UTC().UnixMilli()),
	}
}

func emit(event any, name string, attrs ...any) {
	evtStr, err := json.Marshal(event)
	if err != nil {
		logger.Logger.Error("could not serialize "+name+" event", attrs...)
		return
	}

	// TODO: should this go to stderr?
	fmt.Println(string(evtStr))
}

func LogJobSubmitted(c Context, spec types.JobSpec) {
	event := JobSubmitted{}
	event.Message = c.message(EvtJobSubmitted, DispositionNeutral)

	event.Event.Kind = spec.Kind
	event.Event.Width = spec.Resolution.Width
	event.Event.Height = spec.Resolution.Height
	event.Event.FrameCount = spec.FrameCount
	event.Event.DeviceCount = spec.DeviceCount
	event.Event.MemoryBytes = spec.MemoryBytes
	event.Event.DeadlineMs = spec.DeadlineMs

	emit(event, "JobSubmitted", "kind", spec.Kind, "frameCount", spec.FrameCount)
}

func LogAdmissionGranted(c Context, deviceIDs []string, reservedBytes int64) {
	event := AdmissionGranted{}
	event.Message = c.message(EvtAdmissionGranted, DispositionNeutral)

	event.Event.DeviceIDs = deviceIDs
	event.Event.ReservedBytes = reservedBytes

	emit(event, "AdmissionGranted", "deviceIDs", deviceIDs, "reservedBytes", reservedBytes)
}

func LogAdmissionRejected(c Context, deviceID string, requestedBytes, availableBytes int64) {
	event := AdmissionRejected{}
	event.Message = c.message(EvtAdmissionRejected, DispositionBad)

	event.Event.DeviceID = deviceID
	event.Event.RequestedBytes = requestedBytes
	event.Event.AvailableBytes = availableBytes

	emit(
		event,
		"AdmissionRejected",
		"deviceID",
		deviceID,
		"requestedBytes",
		requestedBytes,
		"availableBytes",
		availableBytes,
	)
}

func LogExecutionStarted(c Context, worldSize int, deadline time.Duration) {
	event := ExecutionStarted{}
	event.Message = c.message(EvtExecutionStarted, DispositionNeutral)

	event.Event.WorldSize = worldSize
	event.Event.DeadlineMs = deadline.Milliseconds()

	emit(event, "ExecutionStarted", "worldSize", worldSize, "deadline", deadline)
}

func LogExecutionFinished(c Context, elapsed time.Duration, execErr error) {
	event := ExecutionFinished{}

	disp := DispositionGood
	if execErr != nil {
		disp = DispositionBad
		event.Event.Error = execErr.Error()
	}
	event.Message = c.message(EvtExecutionFinished, disp)

	event.Event.ElapsedMs = elapsed.Milliseconds()
	event.Event.Succeeded = execErr == nil

	emit(event, "ExecutionFinished", "elapsed", elapsed, "error", execErr)
}

func LogDeadlineExceeded(c Context, deadline, elapsed time.Duration) {
	event := DeadlineExceeded{}
	event.Message = c.message(EvtDeadlineExceeded, DispositionBad)

	event.Event.DeadlineMs = deadline.Milliseconds()
	event.Event.ElapsedMs = elapsed.Milliseconds()

	emit(event, "DeadlineExceeded", "deadline", deadline, "elapsed", elapsed)
}

func LogComplianceEvaluated(c Context, results []types.ComplianceResult, clean bool) {
	event := ComplianceEvaluated{}

	disp := DispositionGood
	if !clean {
		disp = DispositionBad
	}
	event.Message = c.message(EvtComplianceEvaluated, disp)

	event.Event.Results = results
	event.Event.Clean = clean

	emit(event, "ComplianceEvaluated", "resultCount", len(results), "clean", clean)
}

func LogThresholdViolation(c Context, v types.Violation) {
	event := ThresholdViolation{}

	disp := DispositionNeutral
	if v.Fatal {
		disp = DispositionBad
	}
	event.Message = c.message(EvtThresholdViolation, disp)

	event.Event.Metric = v.Metric
	event.Event.Observed = v.Observed
	event.Event.Limit = v.Limit
	event.Event.Fatal = v.Fatal

	emit(event, "ThresholdViolation", "metric", v.Metric, "observed", v.Observed, "limit", v.Limit)
}

func LogDeviceCleanup(c Context, deviceID string, usageRatio float64, reclaimedBytes int64) {
	event := DeviceCleanup{}
	event.Message = c.message(EvtDeviceCleanup, DispositionNeutral)

	event.Event.DeviceID = deviceID
	event.Event.UsageRatio = usageRatio
	event.Event.ReclaimedBytes = reclaimedBytes

	emit(event, "DeviceCleanup", "deviceID", deviceID, "usageRatio", usageRatio)
}

func LogJobCompleted(c Context, elapsed time.Duration) {
	event := JobCompleted{}
	event.Message = c.message(EvtJobCompleted, DispositionGood)

	event.Event.ElapsedMs = elapsed.Milliseconds()

	emit(event, "JobCompleted", "elapsed", elapsed)
}

func LogJobFailed(c Context, reason types.FailureReason, elapsed time.Duration) {
	event := JobFailed{}
	event.Message = c.message(EvtJobFailed, DispositionBad)

	event.Event.Reason = string(reason)
	event.Event.ElapsedMs = elapsed.Milliseconds()

	emit(event, "JobFailed", "reason", reason, "elapsed", elapsed)
}

func LogJobCancelled(c Context, elapsed time.Duration) {
	event := JobCancelled{}
	event.Message = c.message(EvtJobCancelled, DispositionNeutral)

	event.Event.ElapsedMs = elapsed.Milliseconds()

	emit(event, "JobCancelled", "elapsed", elapsed)
}

func LogOutputArchived(c Context, bucketName, objectName, sha256 string, sizeBytes int64) {
	event := OutputArchived{}
	event.Message = c.message(EvtOutputArchived, DispositionNeutral)

	event.Event.BucketName = bucketName
	event.Event.ObjectName = objectName
	event.Event.SHA256 = sha256
	event.Event.SizeBytes = sizeBytes

	emit(
		event,
		"OutputArchived",
		"bucketName",
		bucketName,
		"objectName",
		objectName,
		"sha256",
		sha256,
	)
}
