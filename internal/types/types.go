package types

import "time"

// UNIX timestamp at millisecond resolution
type UnixMilli int64

func NowUnixMilli() UnixMilli {
	return UnixMilli(time.Now().UTC().UnixMilli())
}

func (u UnixMilli) Time() time.Time {
	return time.UnixMilli(int64(u)).UTC()
}

// One entry of a job's append-only audit trail, written at every state
// transition
type AuditEntry struct {
	Action    string    `json:"action"`
	Timestamp UnixMilli `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}
