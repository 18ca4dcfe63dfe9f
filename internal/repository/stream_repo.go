package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/nvrflow/nvrcore/internal/models"
	"gorm.io/gorm"
)

type streamRepo struct {
	db *gorm.DB
}

// NewStreamRepository constructs a StreamRepository backed by db.
func NewStreamRepository(db *gorm.DB) *streamRepo {
	return &streamRepo{db: db}
}

var _ StreamRepository = (*streamRepo)(nil)

func (r *streamRepo) Create(ctx context.Context, s *models.Stream) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.BeforeSave()
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}
	return nil
}

func (r *streamRepo) GetByID(ctx context.Context, id models.ULID) (*models.Stream, error) {
	var s models.Stream
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting stream by id: %w", err)
	}
	return &s, nil
}

func (r *streamRepo) GetByName(ctx context.Context, name string) (*models.Stream, error) {
	var s models.Stream
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting stream by name: %w", err)
	}
	return &s, nil
}

func (r *streamRepo) GetAll(ctx context.Context) ([]models.Stream, error) {
	var streams []models.Stream
	if err := r.db.WithContext(ctx).Order("name").Find(&streams).Error; err != nil {
		return nil, fmt.Errorf("listing streams: %w", err)
	}
	return streams, nil
}

func (r *streamRepo) GetEnabled(ctx context.Context) ([]models.Stream, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]models.Stream, 0, len(all))
	for _, s := range all {
		if s.IsEnabled() {
			enabled = append(enabled, s)
		}
	}
	return enabled, nil
}

func (r *streamRepo) Update(ctx context.Context, s *models.Stream) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.BeforeSave()
	if err := r.db.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("updating stream: %w", err)
	}
	return nil
}

func (r *streamRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Stream{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting stream: %w", err)
	}
	return nil
}
