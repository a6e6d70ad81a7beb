// Package orchestrator owns the job lifecycle: admission against device
// memory, execution under deadline, compliance and threshold evaluation, and
// the terminal bookkeeping. Every state transition lands in the audit log
// and the job record before anything else observes it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeml/orchestrator/internal/archive"
	"github.com/forgeml/orchestrator/internal/audit"
	"github.com/forgeml/orchestrator/internal/compliance"
	"github.com/forgeml/orchestrator/internal/executor"
	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/perf"
	"github.com/forgeml/orchestrator/internal/repository"
	"github.com/forgeml/orchestrator/internal/resource"
	"github.com/forgeml/orchestrator/internal/types"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/orchestrator")

var ErrJobTerminal = errors.New("job already reached a terminal state")

type activeJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

type Orchestrator struct {
	resources *resource.Manager
	runner    *executor.Runner
	evaluator *compliance.Evaluator
	registry  *compliance.Registry
	perf      *perf.Aggregator
	repo      repository.Repository
	uploader  archive.Uploader

	clusterID        string
	admissionBackoff func() retry.Backoff

	mu     sync.Mutex
	active map[uuid.UUID]*activeJob
	wg     sync.WaitGroup
}

type Option func(*Orchestrator)

// WithUploader enables output archiving for completed jobs
func WithUploader(u archive.Uploader) Option {
	return func(o *Orchestrator) {
		o.uploader = u
	}
}

// WithAdmissionBackoff overrides the retry schedule for rejected admissions
func WithAdmissionBackoff(backoff func() retry.Backoff) Option {
	return func(o *Orchestrator) {
		o.admissionBackoff = backoff
	}
}

func New(
	clusterID string,
	resources *resource.Manager,
	runner *executor.Runner,
	registry *compliance.Registry,
	aggregator *perf.Aggregator,
	repo repository.Repository,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		resources: resources,
		runner:    runner,
		evaluator: compliance.NewEvaluator(registry),
		registry:  registry,
		perf:      aggregator,
		repo:      repo,
		clusterID: clusterID,
		admissionBackoff: func() retry.Backoff {
			b := retry.NewFibonacci(500 * time.Millisecond)
			return retry.WithMaxRetries(3, b)
		},
		active: map[uuid.UUID]*activeJob{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates the spec, persists the job as pending and starts its
// pipeline. The returned id is immediately queryable through GetStatus.
func (o *Orchestrator) Submit(ctx context.Context, spec types.JobSpec) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Submit", trace.WithAttributes(
		attribute.String("job.kind", string(spec.Kind)),
		attribute.Int("job.device_count", spec.DeviceCount),
	))
	defer span.End()

	if err := o.validateSpec(spec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected spec")
		return uuid.Nil, err
	}

	record := &repository.JobRecord{
		Status: types.JobStatusPending,
		Model:  repository.Model{ID: uuid.New()},
		Spec:   spec,
	}
	appendTrail(record, types.JobStatusPending, "")
	if err := o.repo.Create(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return uuid.Nil, err
	}

	audit.LogJobSubmitted(o.auditCtx(record.ID), spec)

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.active[record.ID] = &activeJob{cancel: cancel}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(jobCtx, record)
	}()

	span.SetStatus(codes.Ok, "submitted")
	return record.ID, nil
}

// GetStatus returns the persisted record for a job
func (o *Orchestrator) GetStatus(
	ctx context.Context,
	id uuid.UUID,
) (*repository.JobRecord, error) {
	return o.repo.Get(ctx, id)
}

// Counts returns per-state job totals
func (o *Orchestrator) Counts(ctx context.Context) (types.StatusCounts, error) {
	return o.repo.Counts(ctx)
}

// Devices returns the current device accounting
func (o *Orchestrator) Devices() []types.DeviceState {
	return o.resources.Snapshot()
}

// Cancel stops a job. Terminal states are irrevocable; cancelling one
// returns ErrJobTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.Cancel", trace.WithAttributes(
		attribute.String("job.id", id.String()),
	))
	defer span.End()

	record, err := o.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load job")
		return err
	}

	if record.Status.Terminal() {
		span.SetStatus(codes.Error, "job already terminal")
		return fmt.Errorf("%w: %s", ErrJobTerminal, record.Status)
	}

	o.mu.Lock()
	job, ok := o.active[id]
	if ok {
		job.cancelled = true
		job.cancel()
	}
	o.mu.Unlock()

	if !ok {
		// no live pipeline. The pipeline may have settled between the load
		// and the lookup, so re-read before touching the record: a terminal
		// state must never be overwritten with a stale copy.
		record, err = o.repo.Get(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load job")
			return err
		}
		if record.Status.Terminal() {
			span.SetStatus(codes.Error, "job already terminal")
			return fmt.Errorf("%w: %s", ErrJobTerminal, record.Status)
		}

		if err := o.finishCancelled(ctx, record); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to settle cancelled job")
			return err
		}
	}

	span.SetStatus(codes.Ok, "cancelled")
	return nil
}

// Shutdown waits for in-flight pipelines to settle
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spec checks beyond struct tags: closed check registry, architecture limits
func (o *Orchestrator) validateSpec(spec types.JobSpec) error {
	if spec.Kind != types.JobKindGeneration && spec.Kind != types.JobKindTraining {
		return joberrors.InvalidConfigurationError{
			Field:  "kind",
			Reason: fmt.Sprintf("unknown kind %q", spec.Kind),
		}
	}
	if spec.FrameCount <= 0 || spec.FrameCount > types.MaxFrameCount {
		return joberrors.InvalidConfigurationError{
			Field:  "frame_count",
			Reason: fmt.Sprintf("must be in 1..%d", types.MaxFrameCount),
		}
	}
	if spec.Resolution.Width <= 0 || spec.Resolution.Height <= 0 ||
		spec.Resolution.Width > types.MaxResolutionEdge ||
		spec.Resolution.Height > types.MaxResolutionEdge {
		return joberrors.InvalidConfigurationError{
			Field:  "resolution",
			Reason: fmt.Sprintf("edges must be in 1..%d", types.MaxResolutionEdge),
		}
	}
	if spec.DeviceCount < 1 {
		return joberrors.InvalidConfigurationError{
			Field:  "device_count",
			Reason: "must be at least 1",
		}
	}
	return o.registry.Validate(spec.ComplianceChecks)
}

// Every state transition leaves exactly one trail entry on the record
func appendTrail(record *repository.JobRecord, status types.JobStatus, detail string) {
	record.AuditTrail = append(record.AuditTrail, types.AuditEntry{
		Action:    string(status),
		Timestamp: types.NowUnixMilli(),
		Detail:    detail,
	})
}

func (o *Orchestrator) auditCtx(id uuid.UUID) audit.Context {
	jobID := id.String()
	return audit.Context{JobID: &jobID, ClusterID: o.clusterID}
}
