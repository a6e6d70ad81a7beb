package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/types"
)

const gib = int64(1) << 30

func singleDevice(capacity int64) []DeviceSpec {
	return []DeviceSpec{{ID: "gpu-0", CapacityBytes: capacity}}
}

func request(bytes int64, devices int) types.RequestedResources {
	return types.RequestedResources{MemoryBytes: bytes, DeviceCount: devices}
}

func TestReserveUnderCap(t *testing.T) {
	m := NewManager("test", singleDevice(80*gib), 0.9, 0.85, 5*time.Minute)

	for i, jobID := range []string{"a", "b", "c"} {
		res, err := m.Reserve(context.Background(), jobID, request(10*gib, 1))
		require.NoError(t, err, "job %d should admit", i)
		assert.Equal(t, []string{"gpu-0"}, res.DeviceIDs)
	}

	states := m.Snapshot()
	require.Len(t, states, 1)
	assert.Equal(t, 30*gib, states[0].ReservedBytes)
}

func TestReserveRejectsOverCap(t *testing.T) {
	m := NewManager("test", singleDevice(80*gib), 0.9, 0.85, 5*time.Minute)

	for _, jobID := range []string{"a", "b", "c"} {
		_, err := m.Reserve(context.Background(), jobID, request(10*gib, 1))
		require.NoError(t, err)
	}

	// 30GiB reserved, cap is 72GiB, 60GiB more would breach it
	_, err := m.Reserve(context.Background(), "d", request(60*gib, 1))
	require.Error(t, err)

	var rejected joberrors.AdmissionRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "gpu-0", rejected.DeviceID)
	assert.Equal(t, 60*gib, rejected.RequestedBytes)
	assert.Equal(t, 42*gib, rejected.AvailableBytes)

	// rejection must not leak a partial reservation
	states := m.Snapshot()
	assert.Equal(t, 30*gib, states[0].ReservedBytes)
}

func TestReserveExactCapBoundary(t *testing.T) {
	m := NewManager("test", singleDevice(100*gib), 0.9, 0.85, 5*time.Minute)

	_, err := m.Reserve(context.Background(), "a", request(90*gib, 1))
	require.NoError(t, err)

	_, err = m.Reserve(context.Background(), "b", request(1, 1))
	require.Error(t, err)
}

func TestReserveMultiDevice(t *testing.T) {
	m := NewManager("test", []DeviceSpec{
		{ID: "gpu-0", CapacityBytes: 80 * gib},
		{ID: "gpu-1", CapacityBytes: 80 * gib},
		{ID: "gpu-2", CapacityBytes: 80 * gib},
	}, 0.9, 0.85, 5*time.Minute)

	res, err := m.Reserve(context.Background(), "a", request(40*gib, 2))
	require.NoError(t, err)
	assert.Len(t, res.DeviceIDs, 2)

	// only one device has headroom left for 40GiB
	_, err = m.Reserve(context.Background(), "b", request(40*gib, 2))
	require.Error(t, err)
}

func TestReserveMalformedRequest(t *testing.T) {
	m := NewManager("test", singleDevice(80*gib), 0.9, 0.85, 5*time.Minute)

	_, err := m.Reserve(context.Background(), "a", request(0, 1))
	var invalid joberrors.InvalidConfigurationError
	require.ErrorAs(t, err, &invalid)

	_, err = m.Reserve(context.Background(), "a", request(gib, 0))
	require.ErrorAs(t, err, &invalid)
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager("test", singleDevice(80*gib), 0.9, 0.85, 5*time.Minute)

	res, err := m.Reserve(context.Background(), "a", request(10*gib, 1))
	require.NoError(t, err)

	assert.True(t, m.Release(context.Background(), res.Token))
	assert.False(t, m.Release(context.Background(), res.Token))
	assert.False(t, m.Release(context.Background(), res.Token))

	states := m.Snapshot()
	assert.Equal(t, int64(0), states[0].ReservedBytes)
}

func TestReleaseUnknownToken(t *testing.T) {
	m := NewManager("test", singleDevice(80*gib), 0.9, 0.85, 5*time.Minute)
	assert.False(t, m.Release(context.Background(), 42))
}

func TestStaleTokenCannotFreeNewReservation(t *testing.T) {
	m := NewManager("test", singleDevice(80*gib), 0.9, 0.85, 5*time.Minute)

	first, err := m.Reserve(context.Background(), "a", request(10*gib, 1))
	require.NoError(t, err)
	require.True(t, m.Release(context.Background(), first.Token))

	_, err = m.Reserve(context.Background(), "b", request(10*gib, 1))
	require.NoError(t, err)

	assert.False(t, m.Release(context.Background(), first.Token))
	states := m.Snapshot()
	assert.Equal(t, 10*gib, states[0].ReservedBytes)
}

func TestConcurrentReserveNeverBreachesCap(t *testing.T) {
	m := NewManager("test", singleDevice(100*gib), 0.9, 0.85, 5*time.Minute)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 32)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Reserve(context.Background(), "job", request(10*gib, 1))
			if err == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, 9, count)

	states := m.Snapshot()
	assert.LessOrEqual(t, float64(states[0].ReservedBytes), 0.9*float64(states[0].CapacityBytes))
}

type stubTelemetry struct {
	mu    sync.Mutex
	used  map[string]int64
	calls int
}

func (s *stubTelemetry) UsedBytes(_ context.Context, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.used[deviceID], nil
}

func TestCleanupReclaimsAndHonorsCooldown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	telemetry := &stubTelemetry{used: map[string]int64{"gpu-0": 0}}

	m := NewManager(
		"test",
		singleDevice(100*gib),
		0.9,
		0.85,
		5*time.Minute,
		WithTelemetry(telemetry),
		WithClock(clock),
	)

	// push reserved past the warning ratio
	_, err := m.Reserve(context.Background(), "a", request(86*gib, 1))
	require.NoError(t, err)

	// device sits above warning; telemetry says nothing is actually used,
	// so the next admission attempt triggers a reclaim and then succeeds
	_, err = m.Reserve(context.Background(), "b", request(10*gib, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, telemetry.calls)

	// back above warning, but still inside the cooldown window: no reclaim,
	// so this request has no headroom
	_, err = m.Reserve(context.Background(), "c", request(80*gib, 1))
	require.NoError(t, err)
	_, err = m.Reserve(context.Background(), "d", request(10*gib, 1))
	require.Error(t, err)
	assert.Equal(t, 1, telemetry.calls)

	// after the window the cleanup runs again and frees the device
	now = now.Add(6 * time.Minute)
	_, err = m.Reserve(context.Background(), "e", request(10*gib, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, telemetry.calls)
}

func TestFlatTelemetry(t *testing.T) {
	telemetry := NewFlatTelemetry([]DeviceSpec{
		{ID: "gpu-0", CapacityBytes: 100 * gib},
		{ID: "gpu-1", CapacityBytes: 40 * gib},
	}, 0.05)

	used, err := telemetry.UsedBytes(context.Background(), "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 5*gib, used)

	used, err = telemetry.UsedBytes(context.Background(), "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, 2*gib, used)

	_, err = telemetry.UsedBytes(context.Background(), "gpu-9")
	require.Error(t, err)
}

func TestObservedUsageWithFlatTelemetry(t *testing.T) {
	devices := singleDevice(100 * gib)
	m := NewManager(
		"test",
		devices,
		0.9,
		0.85,
		5*time.Minute,
		WithTelemetry(NewFlatTelemetry(devices, 0.05)),
	)

	observed := m.ObservedUsage(context.Background())
	require.Len(t, observed, 1)
	assert.Equal(t, 5*gib, observed["gpu-0"])
}
