package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/joberrors"
)

func TestRunAllRanksSucceed(t *testing.T) {
	c := NewCoordinator()

	run, err := c.Run(context.Background(), 4, func(_ context.Context, rank, worldSize int) (time.Duration, error) {
		assert.Equal(t, 4, worldSize)
		return 10 * time.Millisecond, nil
	})
	require.NoError(t, err)

	require.Len(t, run.Outcomes, 4)
	assert.True(t, run.AllSucceeded())
	for rank, o := range run.Outcomes {
		assert.Equal(t, rank, o.Rank)
		assert.True(t, o.Succeeded)
	}
}

func TestRunPartialFailureIsVisible(t *testing.T) {
	c := NewCoordinator()

	run, err := c.Run(context.Background(), 4, func(_ context.Context, rank, _ int) (time.Duration, error) {
		if rank == 2 {
			return 5 * time.Millisecond, errors.New("nccl timeout")
		}
		return 10 * time.Millisecond, nil
	})
	require.NoError(t, err, "partial failure must not be an error")

	require.Len(t, run.Outcomes, 4)
	assert.Equal(t, []int{2}, run.FailedRanks())
	assert.False(t, run.AllSucceeded())
	assert.Equal(t, "nccl timeout", run.Outcomes[2].Error)
}

func TestRunTotalFailure(t *testing.T) {
	c := NewCoordinator()

	run, err := c.Run(context.Background(), 2, func(_ context.Context, _, _ int) (time.Duration, error) {
		return 0, errors.New("device lost")
	})
	require.Error(t, err)

	var failure joberrors.ExecutionFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "distributed", failure.Phase)

	// outcomes still come back for the audit trail
	require.NotNil(t, run)
	assert.Len(t, run.FailedRanks(), 2)
}

func TestRunSingleWorker(t *testing.T) {
	c := NewCoordinator()

	run, err := c.Run(context.Background(), 1, func(_ context.Context, rank, worldSize int) (time.Duration, error) {
		assert.Zero(t, rank)
		assert.Equal(t, 1, worldSize)
		return time.Millisecond, nil
	})
	require.NoError(t, err)
	assert.True(t, run.AllSucceeded())
}

func TestRunInvalidWorldSize(t *testing.T) {
	c := NewCoordinator()

	_, err := c.Run(context.Background(), 0, func(_ context.Context, _, _ int) (time.Duration, error) {
		return 0, nil
	})
	require.Error(t, err)

	var invalid joberrors.InvalidConfigurationError
	require.ErrorAs(t, err, &invalid)
}

func TestRunPanickingRankRecorded(t *testing.T) {
	c := NewCoordinator()

	run, err := c.Run(context.Background(), 2, func(_ context.Context, rank, _ int) (time.Duration, error) {
		if rank == 1 {
			panic("segfault in kernel launch")
		}
		return time.Millisecond, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, run.FailedRanks())
	assert.Contains(t, run.Outcomes[1].Error, "segfault")
}

func TestCommOverhead(t *testing.T) {
	now := time.Now()
	c := &Coordinator{now: func() time.Time {
		// first call marks the start, second the end, 100ms apart
		defer func() { now = now.Add(100 * time.Millisecond) }()
		return now
	}}

	run, err := c.Run(context.Background(), 2, func(_ context.Context, _, _ int) (time.Duration, error) {
		return 80 * time.Millisecond, nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100), run.WallMs)
	assert.InDelta(t, 0.2, run.CommOverhead, 1e-9)
}

func TestCommOverheadNeverNegative(t *testing.T) {
	c := NewCoordinator()

	// rank reports more compute than wall clock, overhead clamps to zero
	run, err := c.Run(context.Background(), 1, func(_ context.Context, _, _ int) (time.Duration, error) {
		return time.Hour, nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, run.CommOverhead, 0.0)
}
