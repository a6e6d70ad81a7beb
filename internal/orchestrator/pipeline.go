package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeml/orchestrator/internal/archive"
	"github.com/forgeml/orchestrator/internal/audit"
	"github.com/forgeml/orchestrator/internal/compliance"
	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/repository"
	"github.com/forgeml/orchestrator/internal/resource"
	"github.com/forgeml/orchestrator/internal/types"
)

// process walks one job from pending to a terminal state. Reservation
// release is deferred, so no exit path can leak device memory.
func (o *Orchestrator) process(ctx context.Context, record *repository.JobRecord) {
	ctx, span := tracer.Start(ctx, "Orchestrator.process", trace.WithAttributes(
		attribute.String("job.id", record.ID.String()),
	))
	defer span.End()
	defer o.removeActive(record.ID)

	start := time.Now()
	spec := record.Spec

	res, err := o.admit(ctx, record)
	if err != nil {
		if o.wasCancelled(record.ID) {
			o.settleCancelled(ctx, record, span)
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		o.fail(ctx, record, types.ReasonAdmissionRejected, start)
		return
	}
	defer o.resources.Release(context.WithoutCancel(ctx), res.Token)

	record.Status = types.JobStatusAdmitted
	appendTrail(record, types.JobStatusAdmitted, strings.Join(res.DeviceIDs, ","))
	if err := o.repo.Save(ctx, record); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist admitted job", "error", err)
	}

	if o.wasCancelled(record.ID) {
		o.settleCancelled(ctx, record, span)
		return
	}

	record.Status = types.JobStatusRunning
	appendTrail(record, types.JobStatusRunning, "")
	if err := o.repo.Save(ctx, record); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist running job", "error", err)
	}
	audit.LogExecutionStarted(o.auditCtx(record.ID), spec.DeviceCount, spec.Deadline())

	output, run, elapsed, err := o.runner.Run(ctx, record.ID.String(), spec)
	record.DistributedRun = run
	if err != nil {
		if o.wasCancelled(record.ID) {
			o.settleCancelled(ctx, record, span)
			return
		}

		var deadline joberrors.DeadlineExceededError
		if errors.As(err, &deadline) {
			audit.LogDeadlineExceeded(o.auditCtx(record.ID), deadline.Deadline, deadline.Elapsed)
			span.RecordError(err)
			span.SetStatus(codes.Error, "deadline exceeded")
			o.fail(ctx, record, types.ReasonDeadlineExceeded, start)
			return
		}

		audit.LogExecutionFinished(o.auditCtx(record.ID), elapsed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		o.fail(ctx, record, types.ReasonExecutionFailure, start)
		return
	}
	audit.LogExecutionFinished(o.auditCtx(record.ID), elapsed, nil)

	record.Status = types.JobStatusEvaluating
	appendTrail(record, types.JobStatusEvaluating, "")
	if err := o.repo.Save(ctx, record); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist evaluating job", "error", err)
	}

	if run != nil && !run.AllSucceeded() {
		if spec.RequireFullSuccess {
			span.SetStatus(codes.Error, "rank failure with full success required")
			o.fail(ctx, record, types.ReasonExecutionFailure, start)
			return
		}

		v := types.Violation{
			Metric:   types.MetricWorkerFailure,
			Observed: float64(len(run.FailedRanks())),
			Limit:    0,
			Detail:   "partial rank failure tolerated",
		}
		record.Violations = append(record.Violations, v)
		audit.LogThresholdViolation(o.auditCtx(record.ID), v)
	}

	if fatal := o.evaluatePerformance(ctx, record, res, output, elapsed); fatal != nil {
		span.RecordError(joberrors.ThresholdViolationError{Violation: *fatal})
		span.SetStatus(codes.Error, "fatal threshold violation")
		o.fail(ctx, record, types.ReasonThresholdViolation, start)
		return
	}

	results, cerr := o.evaluator.Evaluate(ctx, output, spec.ComplianceChecks)
	record.ComplianceResults = results
	audit.LogComplianceEvaluated(o.auditCtx(record.ID), results, cerr == nil)
	if cerr != nil {
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "compliance violation")
		o.fail(ctx, record, types.ReasonComplianceViolation, start)
		return
	}

	// detection families get an independent recheck before completion; the
	// aggregate verdict alone never vouches for them
	if kinds := compliance.UnresolvedDetections(results); len(kinds) > 0 {
		err := joberrors.ComplianceViolationError{Results: results}
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection checks unresolved")
		o.fail(ctx, record, types.ReasonComplianceViolation, start)
		return
	}

	if o.wasCancelled(record.ID) {
		o.settleCancelled(ctx, record, span)
		return
	}

	// past this point the job completes even if a cancel lands; the terminal
	// save must not be lost to the cancelled job context
	ctx = context.WithoutCancel(ctx)

	o.archiveOutput(ctx, record, output)

	record.Status = types.JobStatusCompleted
	appendTrail(record, types.JobStatusCompleted, "")
	if err := o.repo.Save(ctx, record); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist completed job", "error", err)
	}
	audit.LogJobCompleted(o.auditCtx(record.ID), time.Since(start))
	span.SetStatus(codes.Ok, "job completed")
}

// admit reserves device memory, retrying rejected admissions on a backoff
// unless the spec opted out. The job stays pending for the whole retry
// window.
func (o *Orchestrator) admit(
	ctx context.Context,
	record *repository.JobRecord,
) (*resource.Reservation, error) {
	spec := record.Spec
	req := types.RequestedResources{
		MemoryBytes: spec.MemoryPerWorker(),
		DeviceCount: spec.DeviceCount,
		Deadline:    spec.Deadline(),
	}

	if spec.NoRetry {
		return o.resources.Reserve(ctx, record.ID.String(), req)
	}

	var res *resource.Reservation
	err := retry.Do(ctx, o.admissionBackoff(), func(ctx context.Context) error {
		var err error
		res, err = o.resources.Reserve(ctx, record.ID.String(), req)
		if err != nil {
			var rejected joberrors.AdmissionRejectedError
			if errors.As(err, &rejected) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// evaluatePerformance records the run's snapshot and applies thresholds.
// Returns the first fatal violation found, nil when the run is within limits.
func (o *Orchestrator) evaluatePerformance(
	ctx context.Context,
	record *repository.JobRecord,
	res *resource.Reservation,
	output *types.JobOutput,
	elapsed time.Duration,
) *types.Violation {
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(output.FrameCount) / elapsed.Seconds()
	}

	snap := types.PerformanceSnapshot{
		ElapsedMs:         elapsed.Milliseconds(),
		ResourceUsedBytes: output.PeakMemoryBytes,
		Throughput:        throughput,
		QualityScore:      output.QualityScore,
	}
	record.Performance = &snap
	o.perf.Record(ctx, snap)
	o.perf.RecordScaling(record.Spec.DeviceCount, throughput)

	var fatal *types.Violation
	for _, v := range o.perf.Check(ctx, snap, res.BytesPerDevice) {
		record.Violations = append(record.Violations, v)
		audit.LogThresholdViolation(o.auditCtx(record.ID), v)
		if v.Fatal && fatal == nil {
			fatal = &v
		}
	}
	return fatal
}

func (o *Orchestrator) archiveOutput(
	ctx context.Context,
	record *repository.JobRecord,
	output *types.JobOutput,
) {
	if o.uploader == nil || len(output.Data) == 0 {
		return
	}

	objectName, err := archive.ArchiveOutput(ctx, o.auditCtx(record.ID), o.uploader, output)
	if err != nil {
		// archiving is best effort, the job result stands without it
		logger.Logger.WarnContext(
			ctx,
			"failed to archive output",
			"jobID",
			record.ID,
			"error",
			err,
		)
		return
	}
	record.ArchiveObject = repository.NewNull(&objectName)
}

func (o *Orchestrator) fail(
	ctx context.Context,
	record *repository.JobRecord,
	reason types.FailureReason,
	start time.Time,
) {
	ctx = context.WithoutCancel(ctx)

	record.Status = types.JobStatusFailed
	r := string(reason)
	record.FailureReason = repository.NewNull(&r)
	appendTrail(record, types.JobStatusFailed, r)
	if err := o.repo.Save(ctx, record); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist failed job", "error", err)
	}
	audit.LogJobFailed(o.auditCtx(record.ID), reason, time.Since(start))
}

func (o *Orchestrator) finishCancelled(ctx context.Context, record *repository.JobRecord) error {
	ctx = context.WithoutCancel(ctx)

	record.Status = types.JobStatusCancelled
	appendTrail(record, types.JobStatusCancelled, "")
	if err := o.repo.Save(ctx, record); err != nil {
		return err
	}
	audit.LogJobCancelled(o.auditCtx(record.ID), time.Since(record.CreatedAt))
	return nil
}

func (o *Orchestrator) settleCancelled(
	ctx context.Context,
	record *repository.JobRecord,
	span trace.Span,
) {
	if err := o.finishCancelled(ctx, record); err != nil {
		logger.Logger.ErrorContext(ctx, "failed to persist cancelled job", "error", err)
	}
	span.SetStatus(codes.Ok, "job cancelled")
}

func (o *Orchestrator) wasCancelled(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.active[id]
	return ok && job.cancelled
}

func (o *Orchestrator) removeActive(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}
