// Package perf keeps a rolling window of execution snapshots, enforces
// performance thresholds, and derives multi-device scaling efficiency.
package perf

import (
	"context"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/forgeml/orchestrator/internal/types"
)

var meter = otel.Meter("github.com/forgeml/orchestrator/internal/perf")

type Thresholds struct {
	MinThroughput   float64
	MaxGenerationMs int64
	MinQualityScore float64
}

type throughputSum struct {
	sum   float64
	count int
}

type Aggregator struct {
	mu      sync.Mutex
	window  []types.PerformanceSnapshot
	size    int
	scaling map[int]throughputSum

	thresholds Thresholds

	throughputHist metric.Float64Histogram
	generationHist metric.Int64Histogram
	violationCount metric.Int64Counter
	snapshotCount  metric.Int64Counter
}

func NewAggregator(thresholds Thresholds, windowSize int) (*Aggregator, error) {
	throughputHist, err := meter.Float64Histogram(
		"orchestrator.job.throughput",
		metric.WithDescription("Observed job throughput in units per second"),
	)
	if err != nil {
		return nil, err
	}

	generationHist, err := meter.Int64Histogram(
		"orchestrator.job.generation_ms",
		metric.WithDescription("Wall clock generation time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	violationCount, err := meter.Int64Counter(
		"orchestrator.threshold.violations",
		metric.WithDescription("Threshold violations by metric and severity"),
	)
	if err != nil {
		return nil, err
	}

	snapshotCount, err := meter.Int64Counter(
		"orchestrator.perf.snapshots",
		metric.WithDescription("Performance snapshots recorded"),
	)
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		size:           windowSize,
		scaling:        map[int]throughputSum{},
		thresholds:     thresholds,
		throughputHist: throughputHist,
		generationHist: generationHist,
		violationCount: violationCount,
		snapshotCount:  snapshotCount,
	}, nil
}

// Record adds a snapshot to the rolling window, evicting the oldest entry
// once the window is full
func (a *Aggregator) Record(ctx context.Context, snap types.PerformanceSnapshot) {
	a.mu.Lock()
	a.window = append(a.window, snap)
	if len(a.window) > a.size {
		a.window = a.window[len(a.window)-a.size:]
	}
	a.mu.Unlock()

	a.throughputHist.Record(ctx, snap.Throughput)
	a.generationHist.Record(ctx, snap.ElapsedMs)
	a.snapshotCount.Add(ctx, 1)
}

// RecordScaling tracks mean throughput per world size, feeding the scaling
// report on the status surface
func (a *Aggregator) RecordScaling(worldSize int, throughput float64) {
	if worldSize < 1 || throughput <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.scaling[worldSize]
	s.sum += throughput
	s.count++
	a.scaling[worldSize] = s
}

// ScalingSnapshot derives the current efficiency report from the recorded
// per-world-size means. Nil until a single-device baseline exists.
func (a *Aggregator) ScalingSnapshot() []ScalingPoint {
	a.mu.Lock()
	means := make(map[int]float64, len(a.scaling))
	for k, s := range a.scaling {
		means[k] = s.sum / float64(s.count)
	}
	a.mu.Unlock()

	return ScalingReport(means)
}

// Check evaluates one snapshot against the thresholds. Exceeding the memory
// limit is fatal; throughput, latency and quality breaches are warnings.
func (a *Aggregator) Check(
	ctx context.Context,
	snap types.PerformanceSnapshot,
	memoryLimitBytes int64,
) []types.Violation {
	var violations []types.Violation

	if memoryLimitBytes > 0 && snap.ResourceUsedBytes > memoryLimitBytes {
		violations = append(violations, types.Violation{
			Metric:   types.MetricResourceUsage,
			Observed: float64(snap.ResourceUsedBytes),
			Limit:    float64(memoryLimitBytes),
			Fatal:    true,
		})
	}

	if a.thresholds.MinThroughput > 0 && snap.Throughput < a.thresholds.MinThroughput {
		violations = append(violations, types.Violation{
			Metric:   types.MetricThroughput,
			Observed: snap.Throughput,
			Limit:    a.thresholds.MinThroughput,
		})
	}

	if a.thresholds.MaxGenerationMs > 0 && snap.ElapsedMs > a.thresholds.MaxGenerationMs {
		violations = append(violations, types.Violation{
			Metric:   types.MetricGenerationMs,
			Observed: float64(snap.ElapsedMs),
			Limit:    float64(a.thresholds.MaxGenerationMs),
		})
	}

	if a.thresholds.MinQualityScore > 0 && snap.QualityScore < a.thresholds.MinQualityScore {
		violations = append(violations, types.Violation{
			Metric:   types.MetricQualityScore,
			Observed: snap.QualityScore,
			Limit:    a.thresholds.MinQualityScore,
		})
	}

	for _, v := range violations {
		a.violationCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("metric", string(v.Metric)),
			attribute.Bool("fatal", v.Fatal),
		))
	}

	return violations
}

type WindowStats struct {
	Count          int     `json:"count"`
	MeanThroughput float64 `json:"mean_throughput"`
	MeanElapsedMs  float64 `json:"mean_elapsed_ms"`
	MeanQuality    float64 `json:"mean_quality"`
}

// WindowStats summarizes the current rolling window
func (a *Aggregator) WindowStats() WindowStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := WindowStats{Count: len(a.window)}
	if stats.Count == 0 {
		return stats
	}

	for _, s := range a.window {
		stats.MeanThroughput += s.Throughput
		stats.MeanElapsedMs += float64(s.ElapsedMs)
		stats.MeanQuality += s.QualityScore
	}
	n := float64(stats.Count)
	stats.MeanThroughput /= n
	stats.MeanElapsedMs /= n
	stats.MeanQuality /= n
	return stats
}

// ScalingEfficiency compares throughput at world size k against the single
// device baseline. Perfect linear scaling yields 1.0.
func ScalingEfficiency(baselineThroughput, scaledThroughput float64, worldSize int) float64 {
	if baselineThroughput <= 0 || worldSize <= 0 {
		return 0
	}
	return (scaledThroughput / baselineThroughput) / float64(worldSize)
}

type ScalingPoint struct {
	WorldSize  int     `json:"world_size"`
	Throughput float64 `json:"throughput"`
	Efficiency float64 `json:"efficiency"`
}

// ScalingReport derives efficiency for each measured world size. Requires a
// world size 1 baseline; returns nil without one.
func ScalingReport(throughputByWorldSize map[int]float64) []ScalingPoint {
	baseline, ok := throughputByWorldSize[1]
	if !ok || baseline <= 0 {
		return nil
	}

	sizes := make([]int, 0, len(throughputByWorldSize))
	for k := range throughputByWorldSize {
		sizes = append(sizes, k)
	}
	slices.Sort(sizes)

	points := make([]ScalingPoint, 0, len(sizes))
	for _, k := range sizes {
		tp := throughputByWorldSize[k]
		points = append(points, ScalingPoint{
			WorldSize:  k,
			Throughput: tp,
			Efficiency: ScalingEfficiency(baseline, tp, k),
		})
	}
	return points
}
