// Package startup provides one-shot tasks run once at process boot, before
// the Stream Manager starts any pipeline: orphaned temp-file cleanup and
// crash-recovery of recordings left incomplete by an unclean shutdown.
package startup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nvrflow/nvrcore/internal/repository"
	"github.com/nvrflow/nvrcore/internal/storage"
)

// TempFilePrefix is the name prefix of the staging files that
// CleanupOrphanedTempFiles removes. The HLS/MP4 writers do not use it: they
// write through Sandbox.AtomicWrite, whose temp files are named
// ".<name>.<random>.tmp" beside their target.
const TempFilePrefix = "nvrcore-tmp-"

// CleanupOrphanedTempFiles removes files in relDir whose names start with
// TempFilePrefix and that are older than maxAge, matching the teacher's
// CleanupOrphanedTempDirs idiom but sweeping files rather than directories.
// Subdirectories are not searched, and AtomicWrite temp files left by the
// HLS/MP4 writers are not matched.
func CleanupOrphanedTempFiles(log *slog.Logger, sandbox *storage.Sandbox, relDir string, maxAge time.Duration) (int, error) {
	exists, err := sandbox.Exists(relDir)
	if err != nil {
		return 0, err
	}
	if !exists {
		log.Debug("startup: temp dir does not exist, skipping cleanup", slog.String("dir", relDir))
		return 0, nil
	}

	entries, err := sandbox.List(relDir)
	if err != nil {
		log.Error("startup: failed to read temp dir for cleanup", slog.String("dir", relDir), slog.String("error", err.Error()))
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), TempFilePrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn("startup: failed to stat temp file", slog.String("name", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		relPath := relDir + "/" + entry.Name()
		if err := sandbox.Remove(relPath); err != nil {
			log.Warn("startup: failed to remove orphaned temp file", slog.String("path", relPath), slog.String("error", err.Error()))
			continue
		}
		log.Info("startup: removed orphaned temp file", slog.String("path", relPath), slog.Duration("age", time.Since(info.ModTime())))
		removed++
	}

	return removed, nil
}

// RecoverIncompleteRecordings closes any Recording row left with
// completed=false by a process that died mid-write, matching the teacher's
// RecoverStaleProxyStatuses idiom: the in-memory writer state that would
// have finalized the row is gone after a restart, so the row must be healed
// from what's actually on disk rather than left to strand the row forever.
// Per spec.md §6's supplemented crash-recovery feature, this only runs
// before any MP4 Writer reopens a file for the same stream, and it never
// deletes data — it only closes the row, consistent with "at-least-once,
// not exactly-once" recording semantics.
func RecoverIncompleteRecordings(ctx context.Context, log *slog.Logger, recordings repository.RecordingRepository, layout *storage.Layout) (int, error) {
	rows, err := recordings.ListIncomplete(ctx)
	if err != nil {
		log.Error("startup: failed to list incomplete recordings", slog.String("error", err.Error()))
		return 0, err
	}

	recovered := 0
	for i := range rows {
		rec := &rows[i]

		size, statErr := layout.Sandbox().Size(rec.Path)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				// The file never made it to disk (crashed before the first
				// fragment flushed); there is nothing to recover into, so
				// the row is healed with zero bytes rather than left stuck.
				size = 0
			} else {
				log.Warn("startup: failed to stat incomplete recording", slog.String("path", rec.Path), slog.String("error", statErr.Error()))
				continue
			}
		}

		log.Warn("startup: recovering incomplete recording left by unclean shutdown",
			slog.String("stream", rec.StreamName), slog.String("path", rec.Path), slog.Int64("size_bytes", size))

		rec.Close(time.Now(), size)
		if err := recordings.Update(ctx, rec); err != nil {
			log.Error("startup: failed to recover incomplete recording", slog.String("path", rec.Path), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}

	return recovered, nil
}
