package executor

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/distributed"
	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/types"
)

type fakeExecutor struct {
	delay      time.Duration
	err        error
	failRank   int
	hasFail    bool
	output     *types.JobOutput
	running    atomic.Int32
	peak       atomic.Int32
}

func (f *fakeExecutor) Execute(
	ctx context.Context,
	_ types.JobSpec,
	rank, _ int,
) (*types.JobOutput, error) {
	cur := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if f.err != nil {
		return nil, f.err
	}
	if f.hasFail && rank == f.failRank {
		return nil, errors.New("nccl timeout")
	}
	if f.output != nil {
		return f.output, nil
	}
	return &types.JobOutput{FrameCount: 1}, nil
}

func newRunner(exec Executor, defaultDeadline time.Duration, maxConcurrent int) *Runner {
	return NewRunner(exec, distributed.NewCoordinator(), defaultDeadline, maxConcurrent)
}

func spec(deadlineMs int64, devices int) types.JobSpec {
	return types.JobSpec{
		Kind:        types.JobKindGeneration,
		Resolution:  types.Resolution{Width: 64, Height: 64},
		FrameCount:  1,
		DeviceCount: devices,
		DeadlineMs:  deadlineMs,
	}
}

func TestRunCompletesBeforeDeadline(t *testing.T) {
	exec := &fakeExecutor{delay: 10 * time.Millisecond}
	r := newRunner(exec, time.Second, 4)

	output, run, elapsed, err := r.Run(context.Background(), "job", spec(500, 1))
	require.NoError(t, err)
	require.NotNil(t, output)
	require.NotNil(t, run)
	assert.True(t, run.AllSucceeded())
	assert.Greater(t, elapsed, time.Duration(0))
}

func TestRunDeadlineExceeded(t *testing.T) {
	exec := &fakeExecutor{delay: 150 * time.Millisecond}
	r := newRunner(exec, time.Second, 4)

	output, _, elapsed, err := r.Run(context.Background(), "job", spec(100, 1))
	require.Error(t, err)
	assert.Nil(t, output)

	var deadline joberrors.DeadlineExceededError
	require.ErrorAs(t, err, &deadline)
	assert.Equal(t, 100*time.Millisecond, deadline.Deadline)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestRunDeadlineLossDrainsLaunchGoroutine(t *testing.T) {
	exec := &fakeExecutor{delay: 500 * time.Millisecond}
	r := newRunner(exec, time.Second, 32)

	before := runtime.NumGoroutine()
	for range 20 {
		_, _, _, err := r.Run(context.Background(), "job", spec(20, 1))
		var deadline joberrors.DeadlineExceededError
		require.ErrorAs(t, err, &deadline)
	}

	// workers honor cancellation, so every launch goroutine must exit
	// shortly after its Run returns
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond, "launch goroutines still running")
}

func TestRunExecutionFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("CUDA out of memory")}
	r := newRunner(exec, time.Second, 4)

	_, _, _, err := r.Run(context.Background(), "job", spec(500, 1))
	require.Error(t, err)

	var failure joberrors.ExecutionFailureError
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestRunUsesDefaultDeadline(t *testing.T) {
	exec := &fakeExecutor{delay: 100 * time.Millisecond}
	r := newRunner(exec, 30*time.Millisecond, 4)

	// a spec without a deadline inherits the runner default
	_, _, _, err := r.Run(context.Background(), "job", spec(0, 1))
	require.Error(t, err)

	var deadline joberrors.DeadlineExceededError
	require.ErrorAs(t, err, &deadline)
	assert.Equal(t, 30*time.Millisecond, deadline.Deadline)
}

func TestRunCancelledContext(t *testing.T) {
	exec := &fakeExecutor{delay: time.Second}
	r := newRunner(exec, time.Second, 4)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, _, err := r.Run(ctx, "job", spec(5000, 1))
	require.Error(t, err)

	var deadline joberrors.DeadlineExceededError
	assert.False(t, errors.As(err, &deadline), "cancellation is not a deadline loss")
}

func TestRunPartialRankFailureKeepsCanonicalOutput(t *testing.T) {
	exec := &fakeExecutor{hasFail: true, failRank: 2}
	r := newRunner(exec, time.Second, 8)

	output, run, _, err := r.Run(context.Background(), "job", spec(5000, 4))
	require.NoError(t, err)
	require.NotNil(t, output)

	require.NotNil(t, run)
	assert.Equal(t, []int{2}, run.FailedRanks())
}

func TestRunCanonicalRankFailure(t *testing.T) {
	exec := &fakeExecutor{hasFail: true, failRank: 0}
	r := newRunner(exec, time.Second, 8)

	output, run, _, err := r.Run(context.Background(), "job", spec(5000, 4))
	require.Error(t, err)
	assert.Nil(t, output)
	require.NotNil(t, run)
	assert.Equal(t, []int{0}, run.FailedRanks())

	var failure joberrors.ExecutionFailureError
	require.ErrorAs(t, err, &failure)
}

func TestRunRecordsReplicationFactor(t *testing.T) {
	exec := &fakeExecutor{}
	r := newRunner(exec, time.Second, 8)

	// full replica per device
	_, run, _, err := r.Run(context.Background(), "job", spec(5000, 4))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 4, run.WorldSize)
	assert.Equal(t, 4, run.ReplicationFactor)

	// sharding splits the model, world size is unchanged
	sharded := spec(5000, 4)
	sharded.UseFSDP = true
	_, run, _, err = r.Run(context.Background(), "job", sharded)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 4, run.WorldSize)
	assert.Equal(t, 1, run.ReplicationFactor)
}

func TestRunInvalidWorldSize(t *testing.T) {
	exec := &fakeExecutor{}
	r := newRunner(exec, time.Second, 4)

	_, _, _, err := r.Run(context.Background(), "job", spec(500, 0))
	require.Error(t, err)

	var invalid joberrors.InvalidConfigurationError
	require.ErrorAs(t, err, &invalid)
}

func TestRunConcurrencyCap(t *testing.T) {
	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	r := newRunner(exec, time.Second, 2)

	done := make(chan struct{}, 6)
	for range 6 {
		go func() {
			_, _, _, _ = r.Run(context.Background(), "job", spec(5000, 1))
			done <- struct{}{}
		}()
	}
	for range 6 {
		<-done
	}

	assert.LessOrEqual(t, exec.peak.Load(), int32(2))
}
