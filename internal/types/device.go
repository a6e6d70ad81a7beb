package types

import "time"

// Point-in-time view of one device's accounting
type DeviceState struct {
	ID            string     `json:"id"`
	CapacityBytes int64      `json:"capacity_bytes"`
	ReservedBytes int64      `json:"reserved_bytes"`
	UsageRatio    float64    `json:"usage_ratio"`
	LastCleanup   *time.Time `json:"last_cleanup,omitempty"`
}
