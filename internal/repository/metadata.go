package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/platform/services/eventbus/internal/models"

	"gorm.io/gorm"
)

// maxErrorLen bounds stored failure messages so payload fragments inside
// error strings cannot bloat or leak through the tracking table.
const maxErrorLen = 512

// MetadataFilter selects metadata rows for replay and monitoring queries.
type MetadataFilter struct {
	From      time.Time
	To        time.Time
	EventType string
	TenantID  string
}

// MetadataRepository persists per-event tracking records.
type MetadataRepository interface {
	Create(ctx context.Context, meta *models.EventMetadata) error
	CreateBatch(ctx context.Context, metas []*models.EventMetadata) error

	// MarkProcessing records a delivery attempt and returns the new
	// attempt count. The row is created if the publish-time insert was
	// lost; metadata is best-effort, delivery is not.
	MarkProcessing(ctx context.Context, eventID string) (int, error)

	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, lastError string) error
	MarkDLQ(ctx context.Context, eventID, reason string) error

	// ResetForRetry returns a DLQ'd event to pending with zero attempts.
	ResetForRetry(ctx context.Context, eventID string) error

	GetByEventID(ctx context.Context, eventID string) (*models.EventMetadata, error)
	FindByFilter(ctx context.Context, f MetadataFilter, limit, offset int) ([]models.EventMetadata, error)
	CountByFilter(ctx context.Context, f MetadataFilter) (int64, error)
}

// GormMetadataRepository implements MetadataRepository using GORM.
type GormMetadataRepository struct {
	db *gorm.DB
}

// NewMetadataRepository creates a GORM-backed metadata repository.
func NewMetadataRepository(db *gorm.DB) *GormMetadataRepository {
	return &GormMetadataRepository{db: db}
}

func (r *GormMetadataRepository) Create(ctx context.Context, meta *models.EventMetadata) error {
	if err := r.db.WithContext(ctx).Create(meta).Error; err != nil {
		return fmt.Errorf("failed to create event metadata: %w", err)
	}
	return nil
}

func (r *GormMetadataRepository) CreateBatch(ctx context.Context, metas []*models.EventMetadata) error {
	if len(metas) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&metas).Error; err != nil {
		return fmt.Errorf("failed to create event metadata batch: %w", err)
	}
	return nil
}

func (r *GormMetadataRepository) MarkProcessing(ctx context.Context, eventID string) (int, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.EventMetadata{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"attempts": gorm.Expr("attempts + ?", 1),
			"status":   models.StatusProcessing,
		})
	if tx.Error != nil {
		return 0, fmt.Errorf("failed to mark event %s processing: %w", eventID, tx.Error)
	}

	if tx.RowsAffected == 0 {
		meta := &models.EventMetadata{
			EventID:  eventID,
			Status:   models.StatusProcessing,
			Attempts: 1,
		}
		if err := r.db.WithContext(ctx).Create(meta).Error; err != nil {
			return 0, fmt.Errorf("failed to create missing metadata for %s: %w", eventID, err)
		}
		return 1, nil
	}

	var meta models.EventMetadata
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&meta).Error; err != nil {
		return 0, fmt.Errorf("failed to reload metadata for %s: %w", eventID, err)
	}
	return meta.Attempts, nil
}

func (r *GormMetadataRepository) MarkCompleted(ctx context.Context, eventID string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).
		Model(&models.EventMetadata{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":       models.StatusCompleted,
			"processed_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark event %s completed: %w", eventID, err)
	}
	return nil
}

func (r *GormMetadataRepository) MarkFailed(ctx context.Context, eventID, lastError string) error {
	err := r.db.WithContext(ctx).
		Model(&models.EventMetadata{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":     models.StatusFailed,
			"last_error": truncateError(lastError),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark event %s failed: %w", eventID, err)
	}
	return nil
}

func (r *GormMetadataRepository) MarkDLQ(ctx context.Context, eventID, reason string) error {
	err := r.db.WithContext(ctx).
		Model(&models.EventMetadata{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":     models.StatusDLQ,
			"last_error": truncateError(reason),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark event %s dead-lettered: %w", eventID, err)
	}
	return nil
}

func (r *GormMetadataRepository) ResetForRetry(ctx context.Context, eventID string) error {
	err := r.db.WithContext(ctx).
		Model(&models.EventMetadata{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"attempts":   0,
			"last_error": "",
		}).Error
	if err != nil {
		return fmt.Errorf("failed to reset event %s for retry: %w", eventID, err)
	}
	return nil
}

func (r *GormMetadataRepository) GetByEventID(ctx context.Context, eventID string) (*models.EventMetadata, error) {
	var meta models.EventMetadata
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for %s: %w", eventID, err)
	}
	return &meta, nil
}

func (r *GormMetadataRepository) FindByFilter(ctx context.Context, f MetadataFilter, limit, offset int) ([]models.EventMetadata, error) {
	var metas []models.EventMetadata
	err := r.filtered(ctx, f).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&metas).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	return metas, nil
}

func (r *GormMetadataRepository) CountByFilter(ctx context.Context, f MetadataFilter) (int64, error) {
	var count int64
	if err := r.filtered(ctx, f).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count metadata: %w", err)
	}
	return count, nil
}

func (r *GormMetadataRepository) filtered(ctx context.Context, f MetadataFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.EventMetadata{})
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	return q
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
