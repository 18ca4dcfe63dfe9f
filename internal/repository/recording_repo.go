package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvrflow/nvrcore/internal/models"
	"gorm.io/gorm"
)

type recordingRepo struct {
	db *gorm.DB
}

// NewRecordingRepository constructs a RecordingRepository backed by db.
func NewRecordingRepository(db *gorm.DB) *recordingRepo {
	return &recordingRepo{db: db}
}

var _ RecordingRepository = (*recordingRepo)(nil)

func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	return nil
}

func (r *recordingRepo) GetByID(ctx context.Context, id models.ULID) (*models.Recording, error) {
	var rec models.Recording
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting recording by id: %w", err)
	}
	return &rec, nil
}

func (r *recordingRepo) Update(ctx context.Context, rec *models.Recording) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("updating recording: %w", err)
	}
	return nil
}

func (r *recordingRepo) ListByStream(ctx context.Context, streamName string) ([]models.Recording, error) {
	var recs []models.Recording
	err := r.db.WithContext(ctx).
		Where("stream_name = ?", streamName).
		Order("start_ts asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing recordings by stream: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) ListIncomplete(ctx context.Context) ([]models.Recording, error) {
	var recs []models.Recording
	err := r.db.WithContext(ctx).
		Where("completed = ?", false).
		Order("start_ts asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing incomplete recordings: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Recording, error) {
	var recs []models.Recording
	err := r.db.WithContext(ctx).
		Where("completed = ? AND start_ts < ?", true, cutoff).
		Order("start_ts asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing recordings older than cutoff: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) ListOldestCompleted(ctx context.Context, limit int) ([]models.Recording, error) {
	var recs []models.Recording
	q := r.db.WithContext(ctx).
		Where("completed = ? AND end_ts IS NOT NULL", true).
		Order("end_ts asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing oldest completed recordings: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) ListCompletedSince(ctx context.Context, since time.Time) ([]models.Recording, error) {
	var recs []models.Recording
	err := r.db.WithContext(ctx).
		Where("completed = ? AND end_ts >= ?", true, since).
		Order("end_ts asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing recently completed recordings: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) SumSizeBytes(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Recording{}).
		Where("completed = ?", true).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("summing recording sizes: %w", err)
	}
	return total, nil
}

func (r *recordingRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Recording{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting recording: %w", err)
	}
	return nil
}
