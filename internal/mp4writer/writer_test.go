package mp4writer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nvrflow/nvrcore/internal/fanout"
	"github.com/nvrflow/nvrcore/internal/models"
	"github.com/nvrflow/nvrcore/internal/repository"
	"github.com/nvrflow/nvrcore/internal/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Stream{}, &models.Recording{}))
	return db
}

func newTestLayout(t *testing.T) *storage.Layout {
	t.Helper()
	sb, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)
	return storage.NewLayout(sb)
}

func keyframe(pts int64) *fanout.Packet {
	return fanout.NewPacket(fanout.CodecH264, 0, []byte{0x65, 0x01}, pts, pts, true, 0)
}

func interframe(pts int64) *fanout.Packet {
	return fanout.NewPacket(fanout.CodecH264, 0, []byte{0x41, 0x02}, pts, pts, false, 0)
}

func TestWriter_ContinuousTrigger_AutoOpensOnFirstKeyframe(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	w := New("cam1", DefaultRotationTriggers(), layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	fan := fanout.New()
	sink := fanout.NewSink("mp4", fanout.BlockBounded, 64, time.Second)
	fan.AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), sink, models.RecordingTriggerContinuous) }()

	fan.Publish(keyframe(0))
	fan.Publish(interframe(3000))
	fan.CloseAll()
	require.NoError(t, <-done)

	recs, err := repo.ListByStream(context.Background(), "cam1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Completed)
	require.Equal(t, models.RecordingTriggerContinuous, recs[0].Trigger)
}

func TestWriter_DetectionTrigger_NeverAutoOpensWithoutEvent(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	w := New("cam1", DefaultRotationTriggers(), layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	fan := fanout.New()
	sink := fanout.NewSink("mp4", fanout.BlockBounded, 64, time.Second)
	fan.AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), sink, models.RecordingTriggerDetection) }()

	fan.Publish(keyframe(0))
	fan.Publish(interframe(3000))
	fan.CloseAll()
	require.NoError(t, <-done)

	recs, err := repo.ListByStream(context.Background(), "cam1")
	require.NoError(t, err)
	require.Empty(t, recs, "a detection-gated stream must not record without a qualifying detection")
}

func TestWriter_ExtendEvent_OpensAndSeedsFromPreBuffer(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	triggers := DefaultRotationTriggers()
	triggers.PreBufferSeconds = 5
	triggers.PostBufferSeconds = 0 // disable quiet-close timer races in this test
	w := New("cam1", triggers, layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	fan := fanout.New()
	sink := fanout.NewSink("mp4", fanout.BlockBounded, 64, time.Second)
	fan.AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), sink, models.RecordingTriggerDetection) }()

	// Pre-roll frames accumulate while no event is open.
	fan.Publish(keyframe(0))
	fan.Publish(interframe(3000))

	require.NoError(t, w.ExtendEvent(context.Background()))
	require.True(t, w.open)

	fan.Publish(keyframe(6000))
	fan.CloseAll()
	require.NoError(t, <-done)

	recs, err := repo.ListByStream(context.Background(), "cam1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, models.RecordingTriggerDetection, recs[0].Trigger)
}

func TestWriter_ExtendEvent_KeepsAlreadyOpenEventOpen(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	triggers := DefaultRotationTriggers()
	triggers.PostBufferSeconds = 0
	w := New("cam1", triggers, layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	require.NoError(t, w.OpenEvent(context.Background()))
	require.True(t, w.open)

	require.NoError(t, w.ExtendEvent(context.Background()))
	require.True(t, w.open, "extending an already-open event must not close it")

	require.NoError(t, w.OpenEvent(context.Background()))
	require.True(t, w.open, "OpenEvent on an already-open event is a no-op, not an error")
}

func TestWriter_PostBufferQuietClose(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	triggers := DefaultRotationTriggers()
	triggers.PostBufferSeconds = 1
	w := New("cam1", triggers, layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	require.NoError(t, w.OpenEvent(context.Background()))
	require.True(t, w.open)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return !w.open
	}, 3*time.Second, 20*time.Millisecond, "event recording must close once the post-buffer quiet period elapses")
}

func TestWriter_PostBufferExtensionDelaysClose(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	triggers := DefaultRotationTriggers()
	triggers.PostBufferSeconds = 1
	w := New("cam1", triggers, layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	require.NoError(t, w.OpenEvent(context.Background()))

	// Extend shortly before the original deadline would fire.
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, w.ExtendEvent(context.Background()))

	time.Sleep(600 * time.Millisecond) // past the original 1s deadline, not the extended one
	w.mu.Lock()
	stillOpen := w.open
	w.mu.Unlock()
	require.True(t, stillOpen, "extension must push the close deadline out, not leave the original one armed")

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return !w.open
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWriter_DiscontinuityForcesRotation(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	triggers := DefaultRotationTriggers()
	triggers.SegmentDuration = time.Hour // effectively disable the duration trigger

	var seq uint64
	w := New("cam1", triggers, layout, repo, slog.New(slog.DiscardHandler), func() uint64 { return seq }, nil)

	fan := fanout.New()
	sink := fanout.NewSink("mp4", fanout.BlockBounded, 64, time.Second)
	fan.AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), sink, models.RecordingTriggerContinuous) }()

	fan.Publish(keyframe(0))
	fan.Publish(interframe(3000))
	seq = 1 // simulate a normalizer-observed reset
	fan.Publish(keyframe(6000))
	fan.Publish(interframe(9000))
	fan.CloseAll()
	require.NoError(t, <-done)

	recs, err := repo.ListByStream(context.Background(), "cam1")
	require.NoError(t, err)
	require.Len(t, recs, 2, "a discontinuity must force a second recording file")
}

// TestWriter_ConcurrentExtendEventAndHandlePacket exercises OpenEvent/
// ExtendEvent running concurrently (as they would from the Detection
// Reader's own goroutine) with handlePacket running on Run's goroutine,
// under the race detector.
func TestWriter_ConcurrentExtendEventAndHandlePacket(t *testing.T) {
	repo := repository.NewRecordingRepository(newTestDB(t))
	layout := newTestLayout(t)
	triggers := DefaultRotationTriggers()
	triggers.PostBufferSeconds = 0
	w := New("cam1", triggers, layout, repo, slog.New(slog.DiscardHandler), nil, nil)

	fan := fanout.New()
	sink := fanout.NewSink("mp4", fanout.BlockBounded, 256, time.Second)
	fan.AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), sink, models.RecordingTriggerDetection) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 200; i++ {
			if i%30 == 0 {
				fan.Publish(keyframe(i * 3000))
			} else {
				fan.Publish(interframe(i * 3000))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = w.ExtendEvent(context.Background())
		}
	}()
	wg.Wait()

	fan.CloseAll()
	require.NoError(t, <-done)
}
