package models

import (
	"fmt"
	"strings"
)

// Transport enumerates the RTSP transport protocols a stream source may be
// pinned to, or "auto" to let the orchestrator negotiate.
type Transport string

const (
	TransportAuto Transport = "auto"
	TransportTCP  Transport = "tcp"
	TransportUDP  Transport = "udp"
)

// RecordingTrigger enumerates why a Recording segment was opened.
type RecordingTrigger string

const (
	RecordingTriggerContinuous RecordingTrigger = "continuous"
	RecordingTriggerMotion     RecordingTrigger = "motion"
	RecordingTriggerDetection  RecordingTrigger = "detection"
)

// Stream is a configured camera/source the orchestrator supervises.
// Fields not set on creation inherit from the configured stream defaults
// (see config.StreamDefaultsConfig); the zero value of the pointer fields
// below means "not overridden".
type Stream struct {
	BaseModel

	Name     string    `gorm:"uniqueIndex;not null" json:"name"`
	SourceURL string   `gorm:"not null" json:"source_url"`
	Transport Transport `gorm:"not null;default:auto" json:"transport"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"` // never serialized; redacted in logs too

	Enabled          *bool `json:"enabled"`
	Record           bool  `gorm:"not null;default:true" json:"record"`
	StreamingEnabled bool  `gorm:"not null;default:true" json:"streaming_enabled"`
	DetectionEnabled bool  `gorm:"not null;default:false" json:"detection_enabled"`

	DetectionModel           string  `json:"detection_model,omitempty"`
	DetectionThreshold       float64 `json:"detection_threshold,omitempty"`
	DetectionIntervalSeconds int     `json:"detection_interval_seconds,omitempty"`
	PreBufferSeconds         int     `json:"pre_buffer_seconds,omitempty"`
	PostBufferSeconds        int     `json:"post_buffer_seconds,omitempty"`

	SegmentDurationSeconds *int `json:"segment_duration_seconds,omitempty"`
	RetentionDays          *int `json:"retention_days,omitempty"`
}

// TableName overrides GORM's pluralization so migrations stay stable.
func (Stream) TableName() string { return "streams" }

// IsEnabled reports whether the stream is active, defaulting to true like
// config.StreamCfg.
func (s *Stream) IsEnabled() bool {
	return BoolVal(s.Enabled)
}

// Sanitize trims whitespace from user-supplied fields before validation.
func (s *Stream) Sanitize() {
	s.Name = strings.TrimSpace(s.Name)
	s.SourceURL = strings.TrimSpace(s.SourceURL)
	s.DetectionModel = strings.TrimSpace(s.DetectionModel)
}

// Validate enforces the invariants spec.md §3 places on a stream source.
func (s *Stream) Validate() error {
	s.Sanitize()

	if s.Name == "" {
		return ErrStreamNameRequired
	}
	if s.SourceURL == "" {
		return ErrSourceURLRequired
	}
	switch s.Transport {
	case "", TransportAuto, TransportTCP, TransportUDP:
	default:
		return ErrInvalidTransport
	}
	if s.DetectionEnabled && (s.DetectionThreshold < 0 || s.DetectionThreshold > 1) {
		return ErrInvalidThreshold
	}
	return nil
}

// BeforeSave normalizes the transport default; called from repository Create/Update.
func (s *Stream) BeforeSave() {
	if s.Transport == "" {
		s.Transport = TransportAuto
	}
}

// String implements fmt.Stringer without leaking credentials.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream{Name:%s, Transport:%s, Record:%v}", s.Name, s.Transport, s.Record)
}
