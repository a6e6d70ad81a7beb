package audit

import (
	"bytes"
	"errors"
	"io"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/types"
)

func ptr[T any](v T) *T {
	return &v
}

func captureStdout(fn func()) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w

	fn()

	if err := w.Close(); err != nil {
		return "", err
	}
	os.Stdout = orig

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, r); err != nil {
		return "", err
	}

	if err := r.Close(); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func TestLogJobSubmitted(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogJobSubmitted(ctx, types.JobSpec{
			Kind:        types.JobKindGeneration,
			Resolution:  types.Resolution{Width: 1280, Height: 720},
			FrameCount:  16,
			DeviceCount: 1,
			DeadlineMs:  1000,
		})
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"kind":"generation","width":1280,"height":720,"frame_count":16,"device_count":1,"memory_bytes":0,"deadline_ms":1000},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"neutral","event_type":"job_submitted","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogAdmissionGranted(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogAdmissionGranted(ctx, []string{"gpu-0", "gpu-1"}, 2048)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"device_ids":\["gpu-0","gpu-1"\],"reserved_bytes":2048},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"neutral","event_type":"admission_granted","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogAdmissionRejected(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogAdmissionRejected(ctx, "gpu-0", 4096, 1024)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"requested_bytes":4096,"available_bytes":1024,"device_id":"gpu-0"},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"bad","event_type":"admission_rejected","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogExecutionFinished(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}

	got, err := captureStdout(func() {
		LogExecutionFinished(ctx, 1500*time.Millisecond, nil)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"elapsed_ms":1500,"succeeded":true},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"good","event_type":"execution_finished","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)

	got, err = captureStdout(func() {
		LogExecutionFinished(ctx, 100*time.Millisecond, errors.New("oom"))
	})
	require.NoError(t, err)

	expect = regexp.MustCompile(
		`{"event":{"elapsed_ms":100,"error":"oom","succeeded":false},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"bad","event_type":"execution_finished","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogDeadlineExceeded(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogDeadlineExceeded(ctx, 100*time.Millisecond, 150*time.Millisecond)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"deadline_ms":100,"elapsed_ms":150},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"bad","event_type":"deadline_exceeded","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogComplianceEvaluated(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogComplianceEvaluated(ctx, []types.ComplianceResult{
			{Kind: types.CheckFaceDetection, Passed: false, Score: 0.2, RemediationApplied: true},
		}, true)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"results":\[{"check_type":"FACE_DETECTION","passed":false,"score":0\.2,"remediation_applied":true}\],"clean":true},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"good","event_type":"compliance_evaluated","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogThresholdViolation(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogThresholdViolation(ctx, types.Violation{
			Metric:   types.MetricThroughput,
			Observed: 1,
			Limit:    2,
			Fatal:    false,
		})
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"metric":"throughput","observed":1,"limit":2,"fatal":false},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"neutral","event_type":"threshold_violation","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogDeviceCleanup(t *testing.T) {
	ctx := Context{
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogDeviceCleanup(ctx, "gpu-0", 0.87, 512)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"device_id":"gpu-0","usage_ratio":0\.87,"reclaimed_bytes":512},"job_id":null,"log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"neutral","event_type":"device_cleanup","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}

func TestLogJobTerminal(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}

	got, err := captureStdout(func() {
		LogJobCompleted(ctx, 2*time.Second)
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(
		`{"event":{"elapsed_ms":2000},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"good","event_type":"job_completed","timestamp":\d+}`,
	), got)

	got, err = captureStdout(func() {
		LogJobFailed(ctx, types.ReasonDeadlineExceeded, time.Second)
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(
		`{"event":{"reason":"deadline_exceeded","elapsed_ms":1000},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"bad","event_type":"job_failed","timestamp":\d+}`,
	), got)

	got, err = captureStdout(func() {
		LogJobCancelled(ctx, time.Second)
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(
		`{"event":{"elapsed_ms":1000},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"neutral","event_type":"job_cancelled","timestamp":\d+}`,
	), got)
}

func TestLogOutputArchived(t *testing.T) {
	ctx := Context{
		JobID:     ptr("job"),
		ClusterID: "cluster",
	}
	got, err := captureStdout(func() {
		LogOutputArchived(ctx, "bucket", "object", "abc123", 64)
	})
	require.NoError(t, err)

	expect := regexp.MustCompile(
		`{"event":{"bucket_name":"bucket","object_name":"object","sha256":"abc123","size_bytes":64},"job_id":"job","log_context":"audit","version":"\d\.\d\.\d","cluster_id":"cluster","disposition":"neutral","event_type":"output_archived","timestamp":\d+}`,
	)
	assert.Regexp(t, expect, got)
}
