package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/platform/services/eventbus/internal/models"

	"gorm.io/gorm"
)

// ReplayJobRepository persists replay job state and progress.
type ReplayJobRepository interface {
	Create(ctx context.Context, job *models.ReplayJob) error
	UpdateProgress(ctx context.Context, jobID string, replayed int64) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	GetByJobID(ctx context.Context, jobID string) (*models.ReplayJob, error)
}

// GormReplayJobRepository implements ReplayJobRepository using GORM.
type GormReplayJobRepository struct {
	db *gorm.DB
}

// NewReplayJobRepository creates a GORM-backed replay job repository.
func NewReplayJobRepository(db *gorm.DB) *GormReplayJobRepository {
	return &GormReplayJobRepository{db: db}
}

func (r *GormReplayJobRepository) Create(ctx context.Context, job *models.ReplayJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create replay job: %w", err)
	}
	return nil
}

func (r *GormReplayJobRepository) UpdateProgress(ctx context.Context, jobID string, replayed int64) error {
	err := r.db.WithContext(ctx).
		Model(&models.ReplayJob{}).
		Where("job_id = ?", jobID).
		Update("replayed_count", replayed).Error
	if err != nil {
		return fmt.Errorf("failed to update replay job %s progress: %w", jobID, err)
	}
	return nil
}

func (r *GormReplayJobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.ReplayJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       models.ReplayCompleted,
			"completed_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark replay job %s completed: %w", jobID, err)
	}
	return nil
}

func (r *GormReplayJobRepository) MarkFailed(ctx context.Context, jobID, reason string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.ReplayJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       models.ReplayFailed,
			"last_error":   truncateError(reason),
			"completed_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark replay job %s failed: %w", jobID, err)
	}
	return nil
}

func (r *GormReplayJobRepository) GetByJobID(ctx context.Context, jobID string) (*models.ReplayJob, error) {
	var job models.ReplayJob
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replay job %s: %w", jobID, err)
	}
	return &job, nil
}
