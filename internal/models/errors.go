package models

import "errors"

// Sentinel errors returned by model validation and repository lookups.
var (
	ErrStreamNameRequired   = errors.New("stream name is required")
	ErrStreamNameTaken      = errors.New("stream name is already in use")
	ErrSourceURLRequired    = errors.New("stream source_url is required")
	ErrInvalidTransport     = errors.New("transport must be one of: auto, tcp, udp")
	ErrInvalidThreshold     = errors.New("detection_threshold must be between 0 and 1")
	ErrStreamNotFound       = errors.New("stream not found")
	ErrRecordingNotFound    = errors.New("recording not found")
	ErrRecordingNotFinished = errors.New("recording has no end time")
)
