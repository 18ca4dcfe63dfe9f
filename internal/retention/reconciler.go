package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/repository"
	"github.com/nvrflow/nvrcore/internal/storage"
)

// recentWindow bounds how far back a "recently closed" file is still worth
// re-stating; rows closed longer ago than this are assumed stable (their
// size was already reconciled on a prior sweep or at close time).
const recentWindow = 10 * time.Minute

// Reconciler is the periodic sweep from spec.md §4.H: "stats each
// not-yet-closed or recently-closed file and corrects size drift" since the
// index is authoritative but writers update SizeBytes in memory between
// flushes, not on every write.
type Reconciler struct {
	recordings repository.RecordingRepository
	layout     *storage.Layout
	log        *slog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(recordings repository.RecordingRepository, layout *storage.Layout, log *slog.Logger) *Reconciler {
	return &Reconciler{recordings: recordings, layout: layout, log: log}
}

// Reconcile stats every incomplete recording's file (it is actively being
// written) plus every completed recording closed within recentWindow, and
// corrects SizeBytes if it drifted from what's on disk.
func (r *Reconciler) Reconcile(ctx context.Context) (corrected int, err error) {
	incomplete, err := r.recordings.ListIncomplete(ctx)
	if err != nil {
		return 0, err
	}
	recent, err := r.recordings.ListCompletedSince(ctx, time.Now().Add(-recentWindow))
	if err != nil {
		return 0, err
	}

	for i := range incomplete {
		if r.reconcileOne(ctx, &incomplete[i]) {
			corrected++
		}
	}
	for i := range recent {
		if r.reconcileOne(ctx, &recent[i]) {
			corrected++
		}
	}
	return corrected, nil
}

// reconcileOne stats rec's file and, if its size differs from the row,
// updates the row. Returns true if a correction was made.
func (r *Reconciler) reconcileOne(ctx context.Context, rec *models.Recording) bool {
	onDisk, err := r.layout.Sandbox().Size(rec.Path)
	if err != nil {
		r.log.Warn("retention: reconcile stat failed",
			slog.String("stream", rec.StreamName), slog.String("path", rec.Path), slog.String("error", err.Error()))
		return false
	}
	if onDisk == rec.SizeBytes {
		return false
	}

	rec.SizeBytes = onDisk
	if err := r.recordings.Update(ctx, rec); err != nil {
		r.log.Error("retention: reconcile update failed",
			slog.String("stream", rec.StreamName), slog.String("error", err.Error()))
		return false
	}
	return true
}
