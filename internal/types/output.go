package types

// What an executor hands back for evaluation. Model inference happens in the
// execution pipeline; scores arrive here precomputed, keyed by check kind.
type JobOutput struct {
	Data            []byte                `json:"-"`
	FrameCount      int                   `json:"frame_count"`
	QualityScore    float64               `json:"quality_score"`
	PeakMemoryBytes int64                 `json:"peak_memory_bytes"`
	Scores          map[CheckKind]float64 `json:"scores,omitempty"`
}
