package types

// One run's measurements. ResourceUsedBytes is the peak device memory
// observed during the run and is judged against the job's reservation.
type PerformanceSnapshot struct {
	ElapsedMs         int64   `json:"elapsed_ms"`
	ResourceUsedBytes int64   `json:"resource_used_bytes"`
	Throughput        float64 `json:"throughput"` // units per second
	QualityScore      float64 `json:"quality_score"`
}

type ViolationMetric string

const (
	MetricThroughput    ViolationMetric = "throughput"
	MetricGenerationMs  ViolationMetric = "generation_ms"
	MetricQualityScore  ViolationMetric = "quality_score"
	MetricResourceUsage ViolationMetric = "resource_usage"
	MetricWorkerFailure ViolationMetric = "worker_failure"
)

// A threshold breach. Violations are signals; only fatal ones fail a job.
type Violation struct {
	Metric   ViolationMetric `json:"metric"`
	Observed float64         `json:"observed"`
	Limit    float64         `json:"limit"`
	Fatal    bool            `json:"fatal"`
	Detail   string          `json:"detail,omitempty"`
}
