package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/types"
)

func simSpec() types.JobSpec {
	return types.JobSpec{
		Kind:        types.JobKindGeneration,
		Resolution:  types.Resolution{Width: 1280, Height: 720},
		FrameCount:  8,
		DeviceCount: 1,
	}
}

func TestSimulatedDeterministicPerSpec(t *testing.T) {
	sim := NewSimulated(time.Microsecond)

	first, err := sim.Execute(context.Background(), simSpec(), 0, 1)
	require.NoError(t, err)
	second, err := sim.Execute(context.Background(), simSpec(), 0, 1)
	require.NoError(t, err)

	assert.Equal(t, first.Scores, second.Scores)
	assert.Equal(t, first.QualityScore, second.QualityScore)
	assert.Equal(t, first.Data, second.Data)
}

func TestSimulatedScoreRanges(t *testing.T) {
	sim := NewSimulated(time.Microsecond)

	out, err := sim.Execute(context.Background(), simSpec(), 0, 1)
	require.NoError(t, err)

	assert.Len(t, out.Data, 8*8)
	assert.Equal(t, 8, out.FrameCount)
	assert.GreaterOrEqual(t, out.Scores[types.CheckContentSafety], 0.8)
	assert.Less(t, out.Scores[types.CheckFaceDetection], 0.4)
	assert.Less(t, out.Scores[types.CheckHarmfulContent], 0.3)
}

func TestSimulatedHonorsCancellation(t *testing.T) {
	sim := NewSimulated(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sim.Execute(ctx, simSpec(), 0, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
