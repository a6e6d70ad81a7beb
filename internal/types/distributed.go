package types

// Terminal outcome reported by one rank of a distributed run
type WorkerOutcome struct {
	Rank      int    `json:"rank"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	ComputeMs int64  `json:"compute_ms"`
}

// Record of one multi-worker execution. CommOverhead is the share of wall
// clock time not covered by the slowest rank's compute. ReplicationFactor
// counts full model replicas held across the run.
type DistributedRun struct {
	WorldSize         int             `json:"world_size"`
	ReplicationFactor int             `json:"replication_factor"`
	Outcomes          []WorkerOutcome `json:"outcomes"`
	WallMs            int64           `json:"wall_ms"`
	CommOverhead      float64         `json:"comm_overhead"`
}

func (r DistributedRun) FailedRanks() []int {
	var failed []int
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			failed = append(failed, o.Rank)
		}
	}
	return failed
}

func (r DistributedRun) AllSucceeded() bool {
	return len(r.FailedRanks()) == 0
}
