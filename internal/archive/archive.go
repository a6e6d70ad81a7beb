package archive

import (
	"bytes"
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeml/orchestrator/internal/audit"
	"github.com/forgeml/orchestrator/internal/types"
)

// ArchiveOutput stores a finished job's output under its content hash and
// emits the matching audit event. Returns the object name for the job record.
func ArchiveOutput(
	ctx context.Context,
	auditContext audit.Context,
	u Uploader,
	output *types.JobOutput,
) (string, error) {
	ctx, span := tracer.Start(ctx, "ArchiveOutput", trace.WithAttributes(
		attribute.Int("output.frame_count", output.FrameCount),
	))
	defer span.End()

	if len(output.Data) == 0 {
		err := errors.New("tried to archive an output with no data")
		span.RecordError(err)
		span.SetStatus(codes.Error, "can't archive an empty output")
		return "", err
	}

	size := int64(len(output.Data))
	objectName, err := Hashed(ctx, u, bytes.NewReader(output.Data), size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload output")
		return "", err
	}

	identifier, err := u.StoreIdentifier(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get identifier")
		return "", err
	}

	audit.LogOutputArchived(auditContext, identifier, objectName, objectName, size)

	span.SetStatus(codes.Ok, "archived output")
	return objectName, nil
}
