package retention

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/repository"
	"github.com/nvrflow/nvrcore/internal/storage"
)

// Sweeper enforces Policy by deleting the oldest completed recordings first,
// per spec.md §4.H. File removal always precedes row removal; an ENOENT on
// unlink is tolerated (the row is still removed) but any other unlink error
// aborts the current sweep, per spec.md §4.H's safety rule.
type Sweeper struct {
	policy     Policy
	recordings repository.RecordingRepository
	layout     *storage.Layout
	log        *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(policy Policy, recordings repository.RecordingRepository, layout *storage.Layout, log *slog.Logger) *Sweeper {
	return &Sweeper{policy: policy, recordings: recordings, layout: layout, log: log}
}

// Result summarizes one sweep's effect.
type Result struct {
	DeletedFiles int
	FreedBytes   int64
	UsageBytes   int64
}

// Sweep runs the per-stream TTL pass unconditionally, then the global
// pressure pass only if usage currently exceeds the high-water mark,
// deleting oldest-by-EndTS first until usage falls to the low-water mark.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var result Result

	freed, err := s.sweepExpiredTTL(ctx)
	if err != nil {
		return result, err
	}
	result.DeletedFiles += freed.DeletedFiles
	result.FreedBytes += freed.FreedBytes

	usage, err := s.recordings.SumSizeBytes(ctx)
	if err != nil {
		return result, err
	}

	if usage > s.policy.HighWaterBytes() {
		pressure, err := s.sweepUnderPressure(ctx, usage)
		if err != nil {
			return result, err
		}
		result.DeletedFiles += pressure.DeletedFiles
		result.FreedBytes += pressure.FreedBytes
		usage = pressure.UsageBytes
	}

	result.UsageBytes = usage
	return result, nil
}

// sweepExpiredTTL deletes completed recordings for any stream with a
// configured per-stream TTL whose StartTS is older than now-TTL, regardless
// of global storage pressure.
func (s *Sweeper) sweepExpiredTTL(ctx context.Context) (Result, error) {
	var result Result
	now := time.Now()

	for streamName, days := range s.policy.StreamTTLDays {
		cutoff := now.AddDate(0, 0, -days)

		recs, err := s.recordings.ListByStream(ctx, streamName)
		if err != nil {
			return result, err
		}
		for _, rec := range recs {
			if !rec.Completed || rec.StartTS.After(cutoff) {
				continue
			}
			freed, err := s.deleteOne(ctx, rec)
			if err != nil {
				return result, err
			}
			result.DeletedFiles++
			result.FreedBytes += freed
		}
	}
	return result, nil
}

// sweepUnderPressure deletes oldest-by-EndTS completed recordings across all
// streams until usage falls to the low-water mark.
func (s *Sweeper) sweepUnderPressure(ctx context.Context, usage int64) (Result, error) {
	result := Result{UsageBytes: usage}
	lowWater := s.policy.LowWaterBytes()

	for result.UsageBytes > lowWater {
		candidates, err := s.recordings.ListOldestCompleted(ctx, 1)
		if err != nil {
			return result, err
		}
		if len(candidates) == 0 {
			break
		}

		freed, err := s.deleteOne(ctx, candidates[0])
		if err != nil {
			return result, err
		}
		result.DeletedFiles++
		result.FreedBytes += freed
		result.UsageBytes -= freed
	}
	return result, nil
}

// deleteOne unlinks rec's file (tolerating ENOENT) then removes its row.
// Per spec.md §4.H: "Retention never deletes a file whose recording row is
// marked not-completed" — callers only ever pass Completed rows.
func (s *Sweeper) deleteOne(ctx context.Context, rec models.Recording) (int64, error) {
	if !rec.Completed {
		return 0, nil
	}

	abs, err := s.layout.AbsPath(rec.Path)
	if err != nil {
		return 0, err
	}

	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Error("retention: unlink failed, aborting sweep",
			slog.String("path", rec.Path), slog.String("error", err.Error()))
		return 0, err
	}

	if err := s.recordings.Delete(ctx, rec.ID); err != nil {
		return 0, err
	}

	s.log.Info("retention: deleted recording",
		slog.String("stream", rec.StreamName), slog.String("path", rec.Path),
		slog.Int64("size_bytes", rec.SizeBytes))

	return rec.SizeBytes, nil
}
