package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/forgeml/orchestrator/cmd/orchestrator/internal/response"
	"github.com/forgeml/orchestrator/internal/joberrors"
	"github.com/forgeml/orchestrator/internal/orchestrator"
	"github.com/forgeml/orchestrator/internal/repository"
	"github.com/forgeml/orchestrator/internal/types"
)

type submitResponse struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
}

type jobResponse struct {
	JobID             string                     `json:"job_id"`
	Status            types.JobStatus            `json:"status"`
	Spec              types.JobSpec              `json:"spec"`
	FailureReason     *string                    `json:"failure_reason,omitempty"`
	ComplianceResults []types.ComplianceResult   `json:"compliance_results,omitempty"`
	Performance       *types.PerformanceSnapshot `json:"performance,omitempty"`
	Violations        []types.Violation          `json:"violations,omitempty"`
	DistributedRun    *types.DistributedRun      `json:"distributed_run,omitempty"`
	AuditTrail        []types.AuditEntry         `json:"audit_trail,omitempty"`
	ArchiveObject     *string                    `json:"archive_object,omitempty"`
	ArchiveURL        *string                    `json:"archive_url,omitempty"`
}

// Archived outputs are content-addressed and immutable, so a short-lived
// link is enough; callers re-fetch status for a fresh one.
const archiveLinkTTL = 15 * time.Minute

func toJobResponse(record *repository.JobRecord) jobResponse {
	resp := jobResponse{
		JobID:             record.ID.String(),
		Status:            record.Status,
		Spec:              record.Spec,
		ComplianceResults: record.ComplianceResults,
		Performance:       record.Performance,
		Violations:        record.Violations,
		DistributedRun:    record.DistributedRun,
		AuditTrail:        record.AuditTrail,
	}
	if record.FailureReason.Valid {
		r := record.FailureReason.V
		resp.FailureReason = &r
	}
	if record.ArchiveObject.Valid {
		o := record.ArchiveObject.V
		resp.ArchiveObject = &o
	}
	return resp
}

func (h *Handler) SubmitJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SubmitJob")
	defer span.End()

	span.AddEvent("parsing request body")
	var spec types.JobSpec
	err := c.Bind(&spec)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	err = c.Validate(spec)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	span.AddEvent("submitting job")
	id, err := h.orch.Submit(ctx, spec)
	if err != nil {
		var invalid joberrors.InvalidConfigurationError
		if errors.As(err, &invalid) {
			span.SetStatus(codes.Ok, "rejected spec")
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusBadRequest, types.StringError(err.Error()))
		}

		span.SetStatus(codes.Error, "failed to submit job")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.SetAttributes(attribute.String("job.id", id.String()))
	span.SetStatus(codes.Ok, "")
	return c.JSON(
		http.StatusAccepted,
		submitResponse{JobID: id.String(), Status: types.JobStatusPending},
	)
}

func (h *Handler) JobStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "JobStatus")
	defer span.End()

	id, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		span.SetStatus(codes.Ok, "unparseable job id")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("job_id must be a uuid"),
		)
	}
	span.SetAttributes(attribute.String("job.id", id.String()))

	record, err := h.orch.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		}

		span.SetStatus(codes.Error, "failed to load job")
		span.RecordError(err)
		return response.InternalServerError
	}

	resp := toJobResponse(record)
	if h.uploader != nil && resp.ArchiveObject != nil {
		url, err := h.uploader.PresignedReadURL(ctx, *resp.ArchiveObject, archiveLinkTTL)
		if err != nil {
			// the record itself is still useful without a download link
			span.RecordError(err)
		} else {
			resp.ArchiveURL = &url
		}
	}

	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CancelJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CancelJob")
	defer span.End()

	id, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		span.SetStatus(codes.Ok, "unparseable job id")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("job_id must be a uuid"),
		)
	}
	span.SetAttributes(attribute.String("job.id", id.String()))

	err = h.orch.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		}
		if errors.Is(err, orchestrator.ErrJobTerminal) {
			span.SetStatus(codes.Ok, "job already terminal")
			return echo.NewHTTPError(
				http.StatusConflict,
				types.StringError("job already reached a terminal state"),
			)
		}

		span.SetStatus(codes.Error, "failed to cancel job")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.SetStatus(codes.Ok, "")
	return c.JSON(
		http.StatusOK,
		submitResponse{JobID: id.String(), Status: types.JobStatusCancelled},
	)
}
