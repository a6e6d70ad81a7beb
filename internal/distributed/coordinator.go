// Package distributed fans a workload out across worker ranks and reports
// per-rank outcomes. Partial failure is data, not an error: the caller
// decides whether a failed rank sinks the job.
package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/types"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/distributed")

// WorkerFunc runs one rank's share of the work and returns its compute time.
// Implementations must be safe to run concurrently with other ranks.
type WorkerFunc func(ctx context.Context, rank, worldSize int) (time.Duration, error)

type Coordinator struct {
	now func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{now: time.Now}
}

// Run launches worldSize ranks and waits for all of them, failed ones
// included. The returned run always carries one outcome per rank.
//
// The error is non-nil only when the request is malformed or every rank
// failed; partial failure is reported through the outcomes.
func (c *Coordinator) Run(
	ctx context.Context,
	worldSize int,
	fn WorkerFunc,
) (*types.DistributedRun, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Run", trace.WithAttributes(
		attribute.Int("world_size", worldSize),
	))
	defer span.End()

	if worldSize < 1 {
		err := joberrors.InvalidConfigurationError{
			Field:  "world_size",
			Reason: fmt.Sprintf("must be at least 1, got %d", worldSize),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid world size")
		return nil, err
	}

	outcomes := make([]types.WorkerOutcome, worldSize)
	start := c.now()

	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()

			outcome := types.WorkerOutcome{Rank: rank}
			defer func() {
				if r := recover(); r != nil {
					logger.Logger.ErrorContext(
						ctx,
						"rank panicked",
						"rank",
						rank,
						"panic",
						r,
					)
					outcome.Succeeded = false
					outcome.Error = fmt.Sprintf("panic: %v", r)
				}
				outcomes[rank] = outcome
			}()

			compute, err := fn(ctx, rank, worldSize)
			outcome.ComputeMs = compute.Milliseconds()
			if err != nil {
				outcome.Error = err.Error()
				return
			}
			outcome.Succeeded = true
		}()
	}
	wg.Wait()

	wall := c.now().Sub(start)
	run := &types.DistributedRun{
		WorldSize:    worldSize,
		Outcomes:     outcomes,
		WallMs:       wall.Milliseconds(),
		CommOverhead: commOverhead(wall, outcomes),
	}

	failed := run.FailedRanks()
	span.SetAttributes(attribute.IntSlice("failed_ranks", failed))

	if len(failed) == worldSize {
		err := joberrors.ExecutionFailureWrap(
			"distributed",
			failed[0],
			fmt.Errorf("all %d ranks failed", worldSize),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "total rank failure")
		return run, err
	}

	span.SetStatus(codes.Ok, "run finished")
	return run, nil
}

// Share of wall clock not explained by the slowest rank's compute. Zero when
// the wall measurement is degenerate.
func commOverhead(wall time.Duration, outcomes []types.WorkerOutcome) float64 {
	wallMs := wall.Milliseconds()
	if wallMs <= 0 {
		return 0
	}

	var maxCompute int64
	for _, o := range outcomes {
		maxCompute = max(maxCompute, o.ComputeMs)
	}

	overhead := float64(wallMs-maxCompute) / float64(wallMs)
	return max(0, overhead)
}
