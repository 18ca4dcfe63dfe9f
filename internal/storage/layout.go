package storage

import (
	"fmt"
	"path/filepath"
	"time"
)

// Layout computes the on-disk paths for a stream's HLS and MP4 artifacts
// within a Sandbox, matching the fixed directory conventions:
//
//	<storage>/hls/<stream>/...
//	<storage>/mp4/<stream>/<YYYY>/<MM>/<DD>/<HHMMSS>.mp4
type Layout struct {
	sandbox *Sandbox
}

// NewLayout wraps sb with the NVR directory-naming conventions.
func NewLayout(sb *Sandbox) *Layout {
	return &Layout{sandbox: sb}
}

// HLSDir returns the sandbox-relative directory holding a stream's live
// playlist and segment files.
func (l *Layout) HLSDir(streamName string) string {
	return filepath.Join("hls", streamName)
}

// HLSPlaylistPath returns the sandbox-relative path to a stream's playlist.
func (l *Layout) HLSPlaylistPath(streamName string) string {
	return filepath.Join(l.HLSDir(streamName), "playlist.m3u8")
}

// HLSSegmentPath returns the sandbox-relative path to a numbered TS segment.
func (l *Layout) HLSSegmentPath(streamName string, sequence uint64) string {
	return filepath.Join(l.HLSDir(streamName), fmt.Sprintf("segment%d.ts", sequence))
}

// MP4Dir returns the sandbox-relative directory for a stream's recordings on
// a given day.
func (l *Layout) MP4Dir(streamName string, day time.Time) string {
	return filepath.Join("mp4", streamName,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", day.Month()),
		fmt.Sprintf("%02d", day.Day()),
	)
}

// MP4Path returns the sandbox-relative path for a new recording starting at
// startTS, named by its HHMMSS start time as spec.md §5 requires.
func (l *Layout) MP4Path(streamName string, startTS time.Time) string {
	return filepath.Join(l.MP4Dir(streamName, startTS),
		fmt.Sprintf("%02d%02d%02d.mp4", startTS.Hour(), startTS.Minute(), startTS.Second()))
}

// AbsPath resolves a sandbox-relative path to an absolute filesystem path.
func (l *Layout) AbsPath(relativePath string) (string, error) {
	return l.sandbox.ResolvePath(relativePath)
}

// EnsureStreamDirs creates the hls and mp4-day directories for a stream so
// the writers can open files without racing MkdirAll on every segment.
func (l *Layout) EnsureStreamDirs(streamName string, day time.Time) error {
	if err := l.sandbox.MkdirAll(l.HLSDir(streamName)); err != nil {
		return err
	}
	return l.sandbox.MkdirAll(l.MP4Dir(streamName, day))
}

// Sandbox returns the underlying sandbox for components that need raw file
// access (AtomicWrite, OpenFile, etc).
func (l *Layout) Sandbox() *Sandbox {
	return l.sandbox
}
