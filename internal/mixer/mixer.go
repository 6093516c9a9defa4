// Package mixer implements the server-side audio mixer: one instance
// per conference in relay+forceComposite mode, holding a bounded audio
// ring per sender and summing the most recently ingested frame from
// every sender into a single mixed PCM frame on every ingest.
package mixer

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mixing defaults.
const (
	DefaultSampleRate     = 44100
	DefaultBufferDuration = 1 * time.Second
	DefaultFrameSize      = 1024 // samples per frame
)

// ringCapacity returns ceil(sampleRate*bufferDuration/frameSize), the
// bound on an audio ring's depth.
func ringCapacity(sampleRate int, bufferDuration time.Duration, frameSize int) int {
	samples := float64(sampleRate) * bufferDuration.Seconds()
	return int(math.Ceil(samples / float64(frameSize)))
}

type ringEntry struct {
	timestamp int64
	frame     []int16
}

// audioRing is a bounded queue of (timestamp, PCM frame) for one
// sender. Only the most recent entry participates in mixing; the bound
// caps memory for stalled conferences without acting as a jitter
// buffer.
type audioRing struct {
	capacity int
	entries  []ringEntry
}

func newAudioRing(capacity int) *audioRing {
	return &audioRing{capacity: capacity}
}

func (r *audioRing) push(ts int64, frame []int16) {
	r.entries = append(r.entries, ringEntry{timestamp: ts, frame: frame})
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

func (r *audioRing) latest() []int16 {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1].frame
}

// Mixer accumulates per-sender audio and produces a mixed frame on
// every ingest call.
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	frameSize  int
	capacity   int
	rings      map[uuid.UUID]*audioRing
}

// New constructs a Mixer with the stock parameters.
func New() *Mixer {
	return NewWithParams(DefaultSampleRate, DefaultBufferDuration, DefaultFrameSize)
}

// NewWithParams constructs a Mixer with explicit cadence parameters, for
// tests that want a small, deterministic ring capacity.
func NewWithParams(sampleRate int, bufferDuration time.Duration, frameSize int) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		capacity:   ringCapacity(sampleRate, bufferDuration, frameSize),
		rings:      make(map[uuid.UUID]*audioRing),
	}
}

// Ingest decodes one sender's raw int16 PCM payload, records it in that
// sender's ring, and returns the mixed frame summed across every
// sender's latest frame, clipped to int16 range.
func (m *Mixer) Ingest(senderID uuid.UUID, payload []byte, timestamp int64) []byte {
	frame := decodePCM(payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	ring, ok := m.rings[senderID]
	if !ok {
		ring = newAudioRing(m.capacity)
		m.rings[senderID] = ring
	}
	ring.push(timestamp, frame)

	return m.mixLocked()
}

// RemoveSender drops a sender's ring, e.g. when it leaves the conference.
func (m *Mixer) RemoveSender(senderID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, senderID)
}

func (m *Mixer) mixLocked() []byte {
	width := 0
	for _, r := range m.rings {
		if f := r.latest(); len(f) > width {
			width = len(f)
		}
	}
	if width == 0 {
		return nil
	}

	acc := make([]int32, width)
	for _, r := range m.rings {
		frame := r.latest()
		for i, s := range frame {
			acc[i] += int32(s)
		}
	}

	out := make([]int16, width)
	for i, v := range acc {
		out[i] = clipInt16(v)
	}
	return encodePCM(out)
}

func clipInt16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

func decodePCM(payload []byte) []int16 {
	n := len(payload) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}
	return out
}

func encodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
