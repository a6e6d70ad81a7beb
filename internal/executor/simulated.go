package executor

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/forgeml/orchestrator/internal/types"
)

// Simulated fakes a generation workload behind the real Executor contract.
// Useful for local runs and load tests where no devices exist: latency scales
// with the requested frame count, scores are deterministic per spec so a
// given submission always evaluates the same way.
type Simulated struct {
	// PerFrame is the simulated time to produce one frame on one worker
	PerFrame time.Duration
}

var _ Executor = (*Simulated)(nil)

func NewSimulated(perFrame time.Duration) *Simulated {
	if perFrame <= 0 {
		perFrame = 5 * time.Millisecond
	}
	return &Simulated{PerFrame: perFrame}
}

func (s *Simulated) Execute(
	ctx context.Context,
	spec types.JobSpec,
	rank, worldSize int,
) (*types.JobOutput, error) {
	work := time.Duration(spec.FrameCount) * s.PerFrame / time.Duration(worldSize)

	select {
	case <-time.After(work):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	seed := specSeed(spec, rank)
	return &types.JobOutput{
		Data:            synthFrames(spec, seed),
		FrameCount:      spec.FrameCount,
		QualityScore:    scoreIn(seed, 0, 0.7, 1.0),
		PeakMemoryBytes: spec.MemoryPerWorker() * 4 / 5,
		Scores: map[types.CheckKind]float64{
			types.CheckContentSafety:  scoreIn(seed, 1, 0.8, 1.0),
			types.CheckFaceDetection:  scoreIn(seed, 2, 0.0, 0.4),
			types.CheckHarmfulContent: scoreIn(seed, 3, 0.0, 0.3),
			types.CheckOutputQuality:  scoreIn(seed, 4, 0.7, 1.0),
			types.CheckWatermark:      scoreIn(seed, 5, 0.8, 1.0),
		},
	}, nil
}

func specSeed(spec types.JobSpec, rank int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(
		h,
		"%s/%dx%d/%d/%d",
		spec.Kind,
		spec.Resolution.Width,
		spec.Resolution.Height,
		spec.FrameCount,
		rank,
	)
	return h.Sum64()
}

// scoreIn maps the seed into [low, high) per score slot
func scoreIn(seed uint64, slot uint64, low, high float64) float64 {
	h := fnv.New64a()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seed)
	binary.BigEndian.PutUint64(buf[8:], slot)
	_, _ = h.Write(buf[:])
	frac := float64(h.Sum64()%10_000) / 10_000
	return low + frac*(high-low)
}

func synthFrames(spec types.JobSpec, seed uint64) []byte {
	// a token payload per frame, enough to exercise archiving
	data := make([]byte, spec.FrameCount*8)
	for i := 0; i < len(data); i += 8 {
		binary.BigEndian.PutUint64(data[i:], seed+uint64(i))
	}
	return data
}
