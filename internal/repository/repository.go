// Package repository persists job records. The gorm implementation backs the
// server against postgres; the memory implementation backs tests and local
// single-process runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/forgeml/orchestrator/internal/types"
)

var ErrNotFound = errors.New("job not found")

// Derived from gorm.Model
type Model struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	ID        uuid.UUID `gorm:"primaryKey"`
}

// One row per submitted job. Everything the status surface serves comes from
// here; in-flight state never outlives the process without a record.
type JobRecord struct {
	Status types.JobStatus `gorm:"type:text;default:'pending'"`
	Model

	Spec              types.JobSpec              `gorm:"type:jsonb;serializer:json"`
	ComplianceResults []types.ComplianceResult   `gorm:"type:jsonb;serializer:json"`
	Performance       *types.PerformanceSnapshot `gorm:"type:jsonb;serializer:json"`
	Violations        []types.Violation          `gorm:"type:jsonb;serializer:json"`
	DistributedRun    *types.DistributedRun      `gorm:"type:jsonb;serializer:json"`
	AuditTrail        []types.AuditEntry         `gorm:"type:jsonb;serializer:json"`
	FailureReason     datatypes.Null[string]
	ArchiveObject     datatypes.Null[string]
}

func (JobRecord) TableName() string {
	return "job"
}

func (j JobRecord) GetID() uuid.UUID {
	return j.ID
}

// Transmutes a pointer into a [datatypes.Null]
func NewNull[T any](d *T) datatypes.Null[T] {
	if d != nil {
		return datatypes.NewNull(*d)
	}
	return datatypes.Null[T]{}
}

type Repository interface {
	Create(ctx context.Context, record *JobRecord) error
	// Get returns ErrNotFound for ids that were never created
	Get(ctx context.Context, id uuid.UUID) (*JobRecord, error)
	Save(ctx context.Context, record *JobRecord) error
	Counts(ctx context.Context) (types.StatusCounts, error)
}
