// Package executor drives a job's workload under a wall clock deadline. The
// workload itself lives behind the Executor interface; this package owns the
// deadline race, the rank fan-out, and the concurrency cap.
package executor

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/forgeml/orchestrator/internal/distributed"
	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/types"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/executor")

// Executor performs one rank's share of the work. Rank 0's output is the
// canonical one. Implementations must honor context cancellation; the runner
// does not kill runaway work, it only stops waiting for it.
type Executor interface {
	Execute(
		ctx context.Context,
		spec types.JobSpec,
		rank, worldSize int,
	) (*types.JobOutput, error)
}

type Runner struct {
	exec            Executor
	coordinator     *distributed.Coordinator
	defaultDeadline time.Duration
	sem             *semaphore.Weighted
}

func NewRunner(
	exec Executor,
	coordinator *distributed.Coordinator,
	defaultDeadline time.Duration,
	maxConcurrent int,
) *Runner {
	return &Runner{
		exec:            exec,
		coordinator:     coordinator,
		defaultDeadline: defaultDeadline,
		sem:             semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

type result struct {
	output *types.JobOutput
	run    *types.DistributedRun
	err    error
}

// Run fans the spec out across its world size and races the whole run
// against the deadline. The returned duration is wall clock time spent
// executing, deadline included. The distributed run is non-nil whenever the
// ranks actually launched, errors included.
//
// A deadline loss yields DeadlineExceededError; a workload error comes back
// as an ExecutionFailureError.
func (r *Runner) Run(
	ctx context.Context,
	jobID string,
	spec types.JobSpec,
) (*types.JobOutput, *types.DistributedRun, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "Runner.Run", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.kind", string(spec.Kind)),
		attribute.Int("job.world_size", spec.DeviceCount),
	))
	defer span.End()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled while waiting for an execution slot")
		return nil, nil, 0, err
	}
	defer r.sem.Release(1)

	deadline := spec.Deadline()
	if deadline <= 0 {
		deadline = r.defaultDeadline
	}
	span.SetAttributes(attribute.Int64("job.deadline_ms", deadline.Milliseconds()))

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	// buffered so the launch goroutine can always deliver and exit, even
	// when the deadline branch wins the select and nobody receives
	results := make(chan result, 1)

	go func() {
		defer close(results)
		results <- r.launch(runCtx, spec)
	}()

	select {
	case <-runCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err := joberrors.DeadlineExceededError{Deadline: deadline, Elapsed: elapsed}
			span.RecordError(err)
			span.SetStatus(codes.Error, "deadline exceeded")
			return nil, nil, elapsed, err
		}
		span.SetStatus(codes.Error, "cancelled mid execution")
		return nil, nil, elapsed, runCtx.Err()
	case res := <-results:
		elapsed := time.Since(start)
		if res.err != nil {
			// the workload may have died because the deadline fired under it
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				err := joberrors.DeadlineExceededError{Deadline: deadline, Elapsed: elapsed}
				span.RecordError(err)
				span.SetStatus(codes.Error, "deadline exceeded")
				return nil, res.run, elapsed, err
			}

			err := res.err
			var failure joberrors.ExecutionFailureError
			var invalid joberrors.InvalidConfigurationError
			if !errors.As(err, &failure) && !errors.As(err, &invalid) {
				err = joberrors.ExecutionFailureWrap("execute", 0, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "execution failed")
			return nil, res.run, elapsed, err
		}

		span.SetStatus(codes.Ok, "executed")
		return res.output, res.run, elapsed, nil
	}
}

// Fans out one rank per device and keeps rank 0's output
func (r *Runner) launch(ctx context.Context, spec types.JobSpec) result {
	var canonical *types.JobOutput

	run, err := r.coordinator.Run(
		ctx,
		spec.DeviceCount,
		func(ctx context.Context, rank, worldSize int) (time.Duration, error) {
			rankStart := time.Now()
			output, err := r.exec.Execute(ctx, spec, rank, worldSize)
			if err != nil {
				return time.Since(rankStart), err
			}
			if rank == 0 {
				canonical = output
			}
			return time.Since(rankStart), nil
		},
	)
	if run != nil {
		run.ReplicationFactor = spec.ReplicationFactor()
	}
	if err != nil {
		return result{run: run, err: err}
	}

	if canonical == nil {
		// rank 0 failed; the run survives for the record but there is
		// nothing to evaluate
		return result{
			run: run,
			err: joberrors.ExecutionFailureWrap(
				"execute",
				0,
				errors.New("canonical rank produced no output"),
			),
		}
	}

	return result{output: canonical, run: run}
}
