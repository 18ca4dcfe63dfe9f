// Package retention implements the Recording Index & Retention component
// from spec.md §4.H: a periodic reconciler that corrects on-disk size drift,
// and a storage-pressure sweeper that deletes the oldest completed
// recordings until usage falls back under the low-water mark.
package retention

import "github.com/nvrflow/nvrcore/internal/config"

// Policy holds the storage budget the Sweeper enforces, mirroring
// config.StorageConfig and config.StreamCfg.RetentionDays.
type Policy struct {
	MaxStorageBytes  int64
	HighWaterPercent int
	LowWaterPercent  int

	// StreamTTLDays maps stream name to its per-stream retention override in
	// days; zero/absent means no per-stream TTL for that stream. Per spec.md
	// §4.H, "Per-stream TTL, if set, preempts global pressure" — it is
	// enforced every sweep regardless of whether global usage is over
	// high-water.
	StreamTTLDays map[string]int
}

// NewPolicy builds a Policy from the storage and stream configuration.
func NewPolicy(storageCfg config.StorageConfig, streams []config.StreamCfg) Policy {
	ttl := make(map[string]int, len(streams))
	for _, s := range streams {
		if s.RetentionDays > 0 {
			ttl[s.Name] = s.RetentionDays
		}
	}
	return Policy{
		MaxStorageBytes:  int64(storageCfg.MaxStorageBytes),
		HighWaterPercent: storageCfg.HighWaterPercent,
		LowWaterPercent:  storageCfg.LowWaterPercent,
		StreamTTLDays:    ttl,
	}
}

// HighWaterBytes returns the absolute byte threshold that triggers a sweep.
func (p Policy) HighWaterBytes() int64 {
	return p.MaxStorageBytes * int64(p.HighWaterPercent) / 100
}

// LowWaterBytes returns the absolute byte threshold a sweep stops at.
func (p Policy) LowWaterBytes() int64 {
	return p.MaxStorageBytes * int64(p.LowWaterPercent) / 100
}
