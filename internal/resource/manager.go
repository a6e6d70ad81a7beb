package resource

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeml/orchestrator/internal/audit"
	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/types"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/resource")

// Reports live memory usage for a device. Implementations may reach out to
// NVML, a node agent, or a stub in tests.
type DeviceTelemetry interface {
	UsedBytes(ctx context.Context, deviceID string) (int64, error)
}

// Proof of an admission. Tokens are monotonic so a stale release can never
// free a newer job's reservation.
type Reservation struct {
	Token          uint64
	JobID          string
	DeviceIDs      []string
	BytesPerDevice int64
}

type device struct {
	id          string
	capacity    int64
	reserved    int64
	lastCleanup time.Time
}

func (d *device) ratio() float64 {
	return float64(d.reserved) / float64(d.capacity)
}

type Manager struct {
	mu        sync.Mutex
	devices   []*device
	live      map[uint64]*Reservation
	telemetry DeviceTelemetry

	maxRatio     float64
	warningRatio float64
	cooldown     time.Duration

	nextToken uint64
	clusterID string
	now       func() time.Time
}

type Option func(*Manager)

// WithTelemetry wires a live usage source consulted during cleanup
func WithTelemetry(t DeviceTelemetry) Option {
	return func(m *Manager) {
		m.telemetry = t
	}
}

// WithClock overrides time for cooldown tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

type DeviceSpec struct {
	ID            string
	CapacityBytes int64
}

func NewManager(
	clusterID string,
	devices []DeviceSpec,
	maxRatio, warningRatio float64,
	cooldown time.Duration,
	opts ...Option,
) *Manager {
	m := &Manager{
		live:         map[uint64]*Reservation{},
		maxRatio:     maxRatio,
		warningRatio: warningRatio,
		cooldown:     cooldown,
		clusterID:    clusterID,
		now:          time.Now,
	}
	for _, d := range devices {
		m.devices = append(m.devices, &device{id: d.ID, capacity: d.CapacityBytes})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve admits a job against the device pool or rejects it. Admission is
// pessimistic: the full requested amount counts against every chosen device
// until released, whether or not the job ever runs.
//
// Devices past the warning ratio get a cleanup pass before the headroom
// check, at most once per cooldown window per device.
func (m *Manager) Reserve(
	ctx context.Context,
	jobID string,
	req types.RequestedResources,
) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "Reserve", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int64("request.memory_bytes", req.MemoryBytes),
		attribute.Int("request.device_count", req.DeviceCount),
	))
	defer span.End()

	if req.MemoryBytes <= 0 || req.DeviceCount <= 0 {
		err := joberrors.InvalidConfigurationError{
			Field:  "resources",
			Reason: "memory and device count must be positive",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected malformed resource request")
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.ratio() >= m.warningRatio {
			m.maybeCleanupLocked(ctx, d)
		}
	}

	var chosen []*device
	var worst *device
	for _, d := range m.devices {
		if float64(d.reserved+req.MemoryBytes) <= m.maxRatio*float64(d.capacity) {
			chosen = append(chosen, d)
			if len(chosen) == req.DeviceCount {
				break
			}
			continue
		}
		if worst == nil || d.ratio() < worst.ratio() {
			worst = d
		}
	}

	if len(chosen) < req.DeviceCount {
		rejected := joberrors.AdmissionRejectedError{
			RequestedBytes: req.MemoryBytes,
		}
		if worst != nil {
			rejected.DeviceID = worst.id
			rejected.AvailableBytes = max(
				0,
				int64(m.maxRatio*float64(worst.capacity))-worst.reserved,
			)
		}

		audit.LogAdmissionRejected(
			m.auditCtx(jobID),
			rejected.DeviceID,
			rejected.RequestedBytes,
			rejected.AvailableBytes,
		)
		span.RecordError(rejected)
		span.SetStatus(codes.Error, "admission rejected")
		return nil, rejected
	}

	m.nextToken++
	res := &Reservation{
		Token:          m.nextToken,
		JobID:          jobID,
		BytesPerDevice: req.MemoryBytes,
	}
	for _, d := range chosen {
		d.reserved += req.MemoryBytes
		res.DeviceIDs = append(res.DeviceIDs, d.id)
	}
	m.live[res.Token] = res

	audit.LogAdmissionGranted(m.auditCtx(jobID), res.DeviceIDs, req.MemoryBytes)
	span.SetStatus(codes.Ok, "reserved")
	return res, nil
}

// Release frees a reservation. Safe to call any number of times with the
// same token; only the first call changes accounting.
func (m *Manager) Release(ctx context.Context, token uint64) bool {
	_, span := tracer.Start(ctx, "Release", trace.WithAttributes(
		attribute.Int64("reservation.token", int64(token)),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.live[token]
	if !ok {
		span.SetStatus(codes.Ok, "token already released or unknown")
		return false
	}
	delete(m.live, token)

	for _, d := range m.devices {
		if slices.Contains(res.DeviceIDs, d.id) {
			d.reserved = max(0, d.reserved-res.BytesPerDevice)
		}
	}

	span.SetStatus(codes.Ok, "released")
	return true
}

// Snapshot returns the current per-device accounting
func (m *Manager) Snapshot() []types.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.DeviceState, 0, len(m.devices))
	for _, d := range m.devices {
		state := types.DeviceState{
			ID:            d.id,
			CapacityBytes: d.capacity,
			ReservedBytes: d.reserved,
			UsageRatio:    d.ratio(),
		}
		if !d.lastCleanup.IsZero() {
			t := d.lastCleanup
			state.LastCleanup = &t
		}
		out = append(out, state)
	}
	return out
}

// ObservedUsage polls telemetry for every device. Used by the background
// poll loop to surface control-plane drift from what devices really hold.
func (m *Manager) ObservedUsage(ctx context.Context) map[string]int64 {
	ctx, span := tracer.Start(ctx, "ObservedUsage")
	defer span.End()

	if m.telemetry == nil {
		span.SetStatus(codes.Ok, "no telemetry source")
		return nil
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.devices))
	for _, d := range m.devices {
		ids = append(ids, d.id)
	}
	m.mu.Unlock()

	out := map[string]int64{}
	for _, id := range ids {
		used, err := m.telemetry.UsedBytes(ctx, id)
		if err != nil {
			span.RecordError(err)
			logger.Logger.WarnContext(ctx, "telemetry poll failed", "deviceID", id, "error", err)
			continue
		}
		out[id] = used
	}

	span.SetStatus(codes.Ok, "polled")
	return out
}

// Caller holds m.mu. Reconciles reserved bytes against telemetry when the
// cooldown allows, so stale external allocations do not starve admission.
func (m *Manager) maybeCleanupLocked(ctx context.Context, d *device) {
	if !d.lastCleanup.IsZero() && m.now().Sub(d.lastCleanup) < m.cooldown {
		return
	}
	d.lastCleanup = m.now()

	reclaimed := int64(0)
	if m.telemetry != nil {
		used, err := m.telemetry.UsedBytes(ctx, d.id)
		if err != nil {
			logger.Logger.WarnContext(
				ctx,
				"cleanup telemetry read failed",
				"deviceID",
				d.id,
				"error",
				err,
			)
		} else if used < d.reserved {
			reclaimed = d.reserved - used
			d.reserved = used
		}
	}

	audit.LogDeviceCleanup(m.auditCtx(""), d.id, d.ratio(), reclaimed)
}

func (m *Manager) auditCtx(jobID string) audit.Context {
	c := audit.Context{ClusterID: m.clusterID}
	if jobID != "" {
		c.JobID = &jobID
	}
	return c
}
