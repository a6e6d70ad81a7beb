package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/forgeml/orchestrator/internal/types"
)

var tracer = otel.Tracer("github.com/forgeml/orchestrator/internal/repository")

// Ensure GormRepository implements Repository interface.
var _ Repository = (*GormRepository)(nil)

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate brings the schema up to date
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&JobRecord{})
}

func (r *GormRepository) Create(ctx context.Context, record *JobRecord) error {
	ctx, span := tracer.Start(ctx, "GormRepository.Create", trace.WithAttributes(
		attribute.String("job.id", record.ID.String()),
	))
	defer span.End()

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert job record")
		return err
	}

	span.SetStatus(codes.Ok, "inserted job record")
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	ctx, span := tracer.Start(ctx, "GormRepository.Get", trace.WithAttributes(
		attribute.String("job.id", id.String()),
	))
	defer span.End()

	var record JobRecord
	err := r.db.WithContext(ctx).First(&record, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Ok, "job record not found")
			return nil, ErrNotFound
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch job record")
		return nil, err
	}

	span.SetStatus(codes.Ok, "fetched job record")
	return &record, nil
}

func (r *GormRepository) Save(ctx context.Context, record *JobRecord) error {
	ctx, span := tracer.Start(ctx, "GormRepository.Save", trace.WithAttributes(
		attribute.String("job.id", record.ID.String()),
		attribute.String("job.status", string(record.Status)),
	))
	defer span.End()

	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save job record")
		return err
	}

	span.SetStatus(codes.Ok, "saved job record")
	return nil
}

func (r *GormRepository) Counts(ctx context.Context) (types.StatusCounts, error) {
	ctx, span := tracer.Start(ctx, "GormRepository.Counts")
	defer span.End()

	var rows []struct {
		Status types.JobStatus
		Count  int32
	}
	err := r.db.WithContext(ctx).
		Model(&JobRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count job records")
		return types.StatusCounts{}, err
	}

	var counts types.StatusCounts
	for _, row := range rows {
		applyCount(&counts, row.Status, row.Count)
	}

	span.SetStatus(codes.Ok, "counted job records")
	return counts, nil
}

func applyCount(counts *types.StatusCounts, status types.JobStatus, n int32) {
	switch status {
	case types.JobStatusPending:
		counts.Pending += n
	case types.JobStatusAdmitted:
		counts.Admitted += n
	case types.JobStatusRunning:
		counts.Running += n
	case types.JobStatusEvaluating:
		counts.Evaluating += n
	case types.JobStatusCompleted:
		counts.Completed += n
	case types.JobStatusFailed:
		counts.Failed += n
	case types.JobStatusCancelled:
		counts.Cancelled += n
	}
}
