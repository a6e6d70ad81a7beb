package archive

import (
	"context"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/codes"
)

// Ensure RetryUploader implements Uploader interface.
var _ Uploader = (*RetryUploader)(nil)

// Meta uploader that wraps store operations in backoff loops. Archiving
// happens after the job has already settled, so latency is cheap and a
// dropped output is not.
type RetryUploader struct {
	inner   Uploader
	backoff func() retry.Backoff
}

func NewRetryUploaderBackoff(inner Uploader, backoff func() retry.Backoff) *RetryUploader {
	return &RetryUploader{
		inner:   inner,
		backoff: backoff,
	}
}

func NewRetryUploader(inner Uploader) *RetryUploader {
	return &RetryUploader{
		inner: inner,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(time.Second)
			b = retry.WithMaxDuration(time.Second*120, b)
			return b
		},
	}
}

func (r *RetryUploader) Upload(
	ctx context.Context,
	reader io.ReadSeeker,
	length int64,
	objectName string,
) error {
	ctx, span := tracer.Start(ctx, "RetryUploader.Upload")
	defer span.End()

	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		// every attempt must see the whole buffer
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := r.inner.Upload(ctx, reader, length, objectName); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload object")
		return err
	}

	span.SetStatus(codes.Ok, "uploaded object")
	return nil
}

func (r *RetryUploader) Exists(ctx context.Context, objectName string) (bool, error) {
	ctx, span := tracer.Start(ctx, "RetryUploader.Exists")
	defer span.End()

	var exists bool
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		exists, err = r.inner.Exists(ctx, objectName)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check for object")
		return false, err
	}

	span.SetStatus(codes.Ok, "checked for object")
	return exists, nil
}

func (r *RetryUploader) StoreIdentifier(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "RetryUploader.StoreIdentifier")
	defer span.End()

	var ident string
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		ident, err = r.inner.StoreIdentifier(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get store identifier")
		return "", err
	}

	span.SetStatus(codes.Ok, "got store identifier")
	return ident, nil
}

func (r *RetryUploader) PresignedReadURL(
	ctx context.Context,
	objectName string,
	duration time.Duration,
) (string, error) {
	ctx, span := tracer.Start(ctx, "RetryUploader.PresignedReadURL")
	defer span.End()

	var presigned string
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		presigned, err = r.inner.PresignedReadURL(ctx, objectName, duration)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to presign download url")
		return "", err
	}

	span.SetStatus(codes.Ok, "presigned download url")
	return presigned, nil
}
