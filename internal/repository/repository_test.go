package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/types"
)

func record(status types.JobStatus) *JobRecord {
	return &JobRecord{
		Status: status,
		Model:  Model{ID: uuid.New()},
		Spec: types.JobSpec{
			Kind:        types.JobKindGeneration,
			Resolution:  types.Resolution{Width: 64, Height: 64},
			FrameCount:  1,
			DeviceCount: 1,
		},
	}
}

func TestMemoryRepositoryRoundTrip(t *testing.T) {
	r := NewMemoryRepository()
	rec := record(types.JobStatusPending)

	require.NoError(t, r.Create(context.Background(), rec))

	got, err := r.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, types.JobStatusPending, got.Status)

	got.Status = types.JobStatusCompleted
	reason := string(types.ReasonDeadlineExceeded)
	got.FailureReason = NewNull(&reason)
	require.NoError(t, r.Save(context.Background(), got))

	got, err = r.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.True(t, got.FailureReason.Valid)
}

func TestMemoryRepositoryNotFound(t *testing.T) {
	r := NewMemoryRepository()

	_, err := r.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryGetReturnsCopy(t *testing.T) {
	r := NewMemoryRepository()
	rec := record(types.JobStatusPending)
	require.NoError(t, r.Create(context.Background(), rec))

	got, err := r.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	got.Status = types.JobStatusFailed

	again, err := r.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, again.Status)
}

func TestMemoryRepositoryCounts(t *testing.T) {
	r := NewMemoryRepository()

	for _, s := range []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusRunning,
		types.JobStatusRunning,
		types.JobStatusCompleted,
	} {
		require.NoError(t, r.Create(context.Background(), record(s)))
	}

	counts, err := r.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusCounts{
		Pending:   1,
		Running:   2,
		Completed: 1,
	}, counts)
}

type flakyRepository struct {
	*MemoryRepository
	saveFails int
}

func (f *flakyRepository) Save(ctx context.Context, rec *JobRecord) error {
	if f.saveFails > 0 {
		f.saveFails--
		return errors.New("connection reset")
	}
	return f.MemoryRepository.Save(ctx, rec)
}

func immediateBackoff() retry.Backoff {
	return retry.WithMaxRetries(5, retry.NewConstant(time.Millisecond))
}

func TestRetryRepositorySaveRecovers(t *testing.T) {
	inner := &flakyRepository{MemoryRepository: NewMemoryRepository(), saveFails: 2}
	r := NewRetryRepositoryBackoff(inner, immediateBackoff)

	rec := record(types.JobStatusPending)
	require.NoError(t, r.Create(context.Background(), rec))
	require.NoError(t, r.Save(context.Background(), rec))
}

func TestRetryRepositoryDoesNotRetryNotFound(t *testing.T) {
	calls := 0
	inner := &countingRepository{inner: NewMemoryRepository(), calls: &calls}
	r := NewRetryRepositoryBackoff(inner, immediateBackoff)

	_, err := r.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

type countingRepository struct {
	inner Repository
	calls *int
}

func (c *countingRepository) Create(ctx context.Context, rec *JobRecord) error {
	return c.inner.Create(ctx, rec)
}

func (c *countingRepository) Get(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	*c.calls++
	return c.inner.Get(ctx, id)
}

func (c *countingRepository) Save(ctx context.Context, rec *JobRecord) error {
	return c.inner.Save(ctx, rec)
}

func (c *countingRepository) Counts(ctx context.Context) (types.StatusCounts, error) {
	return c.inner.Counts(ctx)
}
