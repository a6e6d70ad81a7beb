package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/orchestrator/internal/audit"
	"github.com/forgeml/orchestrator/internal/hash"
	"github.com/forgeml/orchestrator/internal/types"
)

type fakeUploader struct {
	objects map[string][]byte

	uploadErrs int
	existsErrs int
	uploads    int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}}
}

func (f *fakeUploader) Upload(
	_ context.Context,
	reader io.ReadSeeker,
	_ int64,
	objectName string,
) error {
	if f.uploadErrs > 0 {
		f.uploadErrs--
		return errors.New("transient store error")
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return err
	}
	f.objects[objectName] = buf.Bytes()
	f.uploads++
	return nil
}

func (f *fakeUploader) Exists(_ context.Context, objectName string) (bool, error) {
	if f.existsErrs > 0 {
		f.existsErrs--
		return false, errors.New("transient stat error")
	}
	_, ok := f.objects[objectName]
	return ok, nil
}

func (f *fakeUploader) StoreIdentifier(_ context.Context) (string, error) {
	return "outputs", nil
}

func (f *fakeUploader) PresignedReadURL(
	_ context.Context,
	objectName string,
	_ time.Duration,
) (string, error) {
	return "https://store.invalid/outputs/" + objectName, nil
}

func immediateBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
}

func TestHashedStoresUnderContentHash(t *testing.T) {
	u := newFakeUploader()
	data := []byte("frames")

	name, err := Hashed(context.Background(), u, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, hash.Buffer(data), name)
	assert.Equal(t, data, u.objects[name])
}

func TestHashedSkipsExistingObject(t *testing.T) {
	u := newFakeUploader()
	data := []byte("frames")

	_, err := Hashed(context.Background(), u, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	_, err = Hashed(context.Background(), u, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	assert.Equal(t, 1, u.uploads)
}

func TestRetryUploaderRecoversFromTransientErrors(t *testing.T) {
	u := newFakeUploader()
	u.uploadErrs = 2
	u.existsErrs = 1
	r := NewRetryUploaderBackoff(u, immediateBackoff)

	data := []byte("frames")
	name, err := Hashed(context.Background(), r, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, u.objects[name])
}

func TestRetryUploaderGivesUp(t *testing.T) {
	u := newFakeUploader()
	u.uploadErrs = 100
	r := NewRetryUploaderBackoff(u, immediateBackoff)

	err := r.Upload(context.Background(), bytes.NewReader([]byte("x")), 1, "obj")
	require.Error(t, err)
}

func TestArchiveOutput(t *testing.T) {
	u := newFakeUploader()
	jobID := "job"
	output := &types.JobOutput{Data: []byte("frames"), FrameCount: 16}

	name, err := ArchiveOutput(
		context.Background(),
		audit.Context{JobID: &jobID, ClusterID: "cluster"},
		u,
		output,
	)
	require.NoError(t, err)
	assert.Equal(t, hash.Buffer(output.Data), name)
}

func TestArchiveOutputEmptyData(t *testing.T) {
	u := newFakeUploader()

	_, err := ArchiveOutput(
		context.Background(),
		audit.Context{ClusterID: "cluster"},
		u,
		&types.JobOutput{},
	)
	require.Error(t, err)
}
