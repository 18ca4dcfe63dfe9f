package retention

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvrflow/nvrcore/internal/repository"
)

func TestReconciler_CorrectsIncompleteRecordingSizeDrift(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	repo := repository.NewRecordingRepository(db)

	rec := seedRecording(t, db, layout, "cam1", time.Now().Add(-time.Minute), 1024, false)

	// Simulate the writer having appended bytes without updating the row.
	require.NoError(t, layout.Sandbox().WriteFile(rec.Path, make([]byte, 4096)))

	reconciler := NewReconciler(repo, layout, slog.New(slog.DiscardHandler))
	corrected, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, corrected)

	got, err := repo.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4096, got.SizeBytes)
}

func TestReconciler_SkipsStaleCompletedRecordings(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	repo := repository.NewRecordingRepository(db)

	rec := seedRecording(t, db, layout, "cam1", time.Now().Add(-2*time.Hour), 1024, true)
	rec.EndTS = timePtr(time.Now().Add(-time.Hour)) // older than recentWindow
	require.NoError(t, repo.Update(context.Background(), &rec))

	// Drift the on-disk size; a stale completed recording should NOT be
	// re-stated (it was already finalized), so no correction happens.
	require.NoError(t, layout.Sandbox().WriteFile(rec.Path, make([]byte, 9999)))

	reconciler := NewReconciler(repo, layout, slog.New(slog.DiscardHandler))
	corrected, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, corrected)
}

func timePtr(t time.Time) *time.Time { return &t }
