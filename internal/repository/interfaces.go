// Package repository provides GORM-backed persistence for nvrcore's
// configured streams and recording index.
package repository

import (
	"context"
	"time"

	"github.com/nvrflow/nvrcore/internal/models"
)

// StreamRepository persists configured streams.
type StreamRepository interface {
	Create(ctx context.Context, s *models.Stream) error
	GetByID(ctx context.Context, id models.ULID) (*models.Stream, error)
	GetByName(ctx context.Context, name string) (*models.Stream, error)
	GetAll(ctx context.Context) ([]models.Stream, error)
	GetEnabled(ctx context.Context) ([]models.Stream, error)
	Update(ctx context.Context, s *models.Stream) error
	Delete(ctx context.Context, id models.ULID) error
}

// RecordingRepository persists the recording index used by the retention
// sweeper and crash-recovery reconciler.
type RecordingRepository interface {
	Create(ctx context.Context, r *models.Recording) error
	GetByID(ctx context.Context, id models.ULID) (*models.Recording, error)
	Update(ctx context.Context, r *models.Recording) error

	// ListByStream returns recordings for a stream ordered by StartTS ascending.
	ListByStream(ctx context.Context, streamName string) ([]models.Recording, error)

	// ListIncomplete returns recordings with Completed=false, used by the
	// startup crash-recovery reconciler.
	ListIncomplete(ctx context.Context) ([]models.Recording, error)

	// ListOlderThan returns completed recordings whose StartTS is before cutoff,
	// ordered oldest-first. The per-stream TTL retention pass does not use it;
	// it filters ListByStream instead.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Recording, error)

	// ListOldestCompleted returns up to limit completed recordings ordered by
	// EndTS ascending across all streams, used by the global storage-pressure
	// retention sweep (spec.md §4.H: "select completed recordings ordered by
	// end_ts ASC across all streams").
	ListOldestCompleted(ctx context.Context, limit int) ([]models.Recording, error)

	// ListCompletedSince returns completed recordings whose EndTS is after
	// since, used by the periodic reconciler to re-stat recently-closed files
	// without rescanning the whole index.
	ListCompletedSince(ctx context.Context, since time.Time) ([]models.Recording, error)

	// SumSizeBytes returns the total size in bytes of all completed recordings.
	SumSizeBytes(ctx context.Context) (int64, error)

	// Delete removes the recording row. The caller is responsible for removing
	// the underlying file first.
	Delete(ctx context.Context, id models.ULID) error
}
