// Package fanout routes one stream's normalized packets to many independent
// consumers, each with its own bounded queue and drop policy.
package fanout

import "sync/atomic"

// Codec identifies the payload codec of a MediaPacket.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAAC  Codec = "aac"
)

// Packet is an immutable, reference-counted media packet. Payload must never
// be mutated after NewPacket returns it; consumers that need to retain it
// past their processing call Retain, and must call Release exactly once when
// done.
type Packet struct {
	Codec     Codec
	Track     int
	Payload   []byte
	PTS       int64
	DTS       int64
	KeyFrame  bool
	WallClock int64 // unix nanos at capture

	refs *int32
}

// NewPacket wraps payload as a ref-counted Packet with an initial refcount of 1.
func NewPacket(codec Codec, track int, payload []byte, pts, dts int64, keyFrame bool, wallClock int64) *Packet {
	refs := int32(1)
	return &Packet{
		Codec: codec, Track: track, Payload: payload,
		PTS: pts, DTS: dts, KeyFrame: keyFrame, WallClock: wallClock,
		refs: &refs,
	}
}

// Retain increments the packet's reference count. Call once per consumer
// that stores the packet beyond its immediate handler.
func (p *Packet) Retain() {
	atomic.AddInt32(p.refs, 1)
}

// Release decrements the reference count. Once it reaches zero the payload
// is eligible for reuse/GC; callers must not touch Payload afterwards.
func (p *Packet) Release() {
	atomic.AddInt32(p.refs, -1)
}
