package archive

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/forgeml/orchestrator/internal/hash"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/archive")

// Uploader is the object-store surface the archiver needs. Outputs are
// stored content-addressed, so objectName is always a content hash.
type Uploader interface {
	// Upload creates or overwrites the object at objectName.
	Upload(ctx context.Context, reader io.ReadSeeker, length int64, objectName string) error
	// Exists is a dedup hint only, not an authoritative existence check.
	// Implementations may always return false.
	Exists(ctx context.Context, objectName string) (bool, error)
	// StoreIdentifier names the backing store for audit entries.
	StoreIdentifier(ctx context.Context) (string, error)
	// PresignedReadURL returns an anonymous, read-only download link for
	// the object, valid for the given duration.
	PresignedReadURL(ctx context.Context, objectName string, duration time.Duration) (string, error)
}

// Hashed uploads reader under the hash of its own contents, skipping the
// upload when an object with that hash is already present. The reader is
// consumed twice (hash pass, upload pass), so it must seek.
func Hashed(
	ctx context.Context,
	u Uploader,
	reader io.ReadSeeker,
	length int64,
) (string, error) {
	ctx, span := tracer.Start(ctx, "Hashed")
	defer span.End()

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to rewind reader")
		return "", err
	}

	objectName, err := hash.Reader(ctx, reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to hash contents")
		return "", err
	}

	exists, err := u.Exists(ctx, objectName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check for existing object")
		return "", err
	}
	if exists {
		span.SetStatus(codes.Ok, "object already stored")
		return objectName, nil
	}

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to rewind reader")
		return "", err
	}

	if err := u.Upload(ctx, reader, length, objectName); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload object")
		return "", err
	}

	span.SetStatus(codes.Ok, "uploaded object")
	return objectName, nil
}
