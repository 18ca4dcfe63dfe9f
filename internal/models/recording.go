package models

import "time"

// Recording is one closed or in-progress MP4 segment produced by the MP4
// Writer for a stream. A row is created when the writer opens a new file and
// updated when that file is closed; EndTS/SizeBytes/Completed are only
// final once Completed is true.
type Recording struct {
	BaseModel

	StreamName string     `gorm:"index:idx_recordings_stream_start,priority:1;not null" json:"stream_name"`
	Path       string     `gorm:"not null" json:"path"`
	StartTS    time.Time  `gorm:"index:idx_recordings_stream_start,priority:2;not null" json:"start_ts"`
	EndTS      *time.Time `gorm:"index:idx_recordings_end_ts" json:"end_ts,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	SizeBytes  int64      `json:"size_bytes"`

	Trigger RecordingTrigger `gorm:"not null;default:continuous" json:"trigger"`

	Completed bool `gorm:"not null;default:false;index" json:"completed"`

	// EventMetadata is a JSON blob describing the detection(s) that triggered
	// this recording (empty for continuous recordings).
	EventMetadata *string `json:"event_metadata,omitempty"`
}

// TableName overrides GORM's pluralization so migrations stay stable.
func (Recording) TableName() string { return "recordings" }

// Close marks the recording finished, stamping its end time, duration and
// final size. Called by the MP4 Writer on rotation/explicit-close, and by
// the crash-recovery reconciler when a process-is-gone recording is healed.
func (r *Recording) Close(end time.Time, sizeBytes int64) {
	r.EndTS = &end
	r.SizeBytes = sizeBytes
	r.DurationMS = end.Sub(r.StartTS).Milliseconds()
	r.Completed = true
}
