package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/codes"

	"github.com/forgeml/orchestrator/internal/types"
)

// Ensure RetryRepository implements Repository interface.
var _ Repository = (*RetryRepository)(nil)

// Meta repository that wraps persistence in backoff loops. Losing a status
// transition to a transient database blip would corrupt the audit story, so
// writes get retried harder than reads.
type RetryRepository struct {
	inner   Repository
	backoff func() retry.Backoff
}

func NewRetryRepositoryBackoff(inner Repository, backoff func() retry.Backoff) *RetryRepository {
	return &RetryRepository{
		inner:   inner,
		backoff: backoff,
	}
}

func NewRetryRepository(inner Repository) *RetryRepository {
	return &RetryRepository{
		inner: inner,
		backoff: func() retry.Backoff {
			b := retry.NewFibonacci(100 * time.Millisecond)
			b = retry.WithMaxDuration(time.Second*30, b)
			return b
		},
	}
}

func (r *RetryRepository) Create(ctx context.Context, record *JobRecord) error {
	ctx, span := tracer.Start(ctx, "RetryRepository.Create")
	defer span.End()

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		if err := r.inner.Create(ctx, record); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create record")
		return err
	}

	span.SetStatus(codes.Ok, "created record")
	return nil
}

func (r *RetryRepository) Get(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	ctx, span := tracer.Start(ctx, "RetryRepository.Get")
	defer span.End()

	var record *JobRecord
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		record, err = r.inner.Get(ctx, id)
		if err != nil {
			// a missing record will not appear by retrying
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get record")
		return nil, err
	}

	span.SetStatus(codes.Ok, "got record")
	return record, nil
}

func (r *RetryRepository) Save(ctx context.Context, record *JobRecord) error {
	ctx, span := tracer.Start(ctx, "RetryRepository.Save")
	defer span.End()

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		if err := r.inner.Save(ctx, record); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save record")
		return err
	}

	span.SetStatus(codes.Ok, "saved record")
	return nil
}

func (r *RetryRepository) Counts(ctx context.Context) (types.StatusCounts, error) {
	ctx, span := tracer.Start(ctx, "RetryRepository.Counts")
	defer span.End()

	var counts types.StatusCounts
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		counts, err = r.inner.Counts(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count records")
		return types.StatusCounts{}, err
	}

	span.SetStatus(codes.Ok, "counted records")
	return counts, nil
}
