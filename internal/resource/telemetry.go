package resource

import (
	"context"
	"fmt"
)

// Ensure FlatTelemetry implements DeviceTelemetry interface.
var _ DeviceTelemetry = (*FlatTelemetry)(nil)

// FlatTelemetry reports a fixed residency fraction of each device's capacity,
// modelling the driver and runtime baseline. A stand-in for an NVML-backed
// source on deployments without a node agent.
type FlatTelemetry struct {
	capacities map[string]int64
	fraction   float64
}

func NewFlatTelemetry(devices []DeviceSpec, fraction float64) *FlatTelemetry {
	t := &FlatTelemetry{capacities: map[string]int64{}, fraction: fraction}
	for _, d := range devices {
		t.capacities[d.ID] = d.CapacityBytes
	}
	return t
}

func (t *FlatTelemetry) UsedBytes(_ context.Context, deviceID string) (int64, error) {
	capacity, ok := t.capacities[deviceID]
	if !ok {
		return 0, fmt.Errorf("unknown device %q", deviceID)
	}
	return int64(t.fraction * float64(capacity)), nil
}
