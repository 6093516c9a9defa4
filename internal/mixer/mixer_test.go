package mixer

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
)

func encodeSamples(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

func decodeSamples(t *testing.T, payload []byte) []int16 {
	t.Helper()
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}
	return out
}

func TestIngestSingleSenderPassesThrough(t *testing.T) {
	m := New()
	a := uuid.New()

	out := m.Ingest(a, encodeSamples(100, -100, 200), 1)
	got := decodeSamples(t, out)
	want := []int16{100, -100, 200}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("sample %d = %d, want %d", i, got[i], v)
		}
	}
}

func TestIngestSumsMostRecentFramePerSender(t *testing.T) {
	m := New()
	a, b := uuid.New(), uuid.New()

	m.Ingest(a, encodeSamples(100, 100), 1)
	out := m.Ingest(b, encodeSamples(50, -50), 1)

	got := decodeSamples(t, out)
	if got[0] != 150 || got[1] != 50 {
		t.Fatalf("mixed = %v, want [150 50]", got)
	}
}

func TestIngestClipsOverflow(t *testing.T) {
	m := New()
	a, b := uuid.New(), uuid.New()

	m.Ingest(a, encodeSamples(30000), 1)
	out := m.Ingest(b, encodeSamples(30000), 1)

	got := decodeSamples(t, out)
	if got[0] != 32767 {
		t.Fatalf("clipped sample = %d, want 32767", got[0])
	}
}

func TestRemoveSenderDropsItsContribution(t *testing.T) {
	m := New()
	a, b := uuid.New(), uuid.New()

	m.Ingest(a, encodeSamples(100), 1)
	m.Ingest(b, encodeSamples(50), 1)
	m.RemoveSender(a)

	out := m.Ingest(b, encodeSamples(50), 2)
	got := decodeSamples(t, out)
	if got[0] != 50 {
		t.Fatalf("mixed after remove = %d, want 50", got[0])
	}
}

func TestRingCapacityBoundsBufferDuration(t *testing.T) {
	capacity := ringCapacity(44100, time.Second, 1024)
	if capacity <= 0 {
		t.Fatalf("ringCapacity = %d, want > 0", capacity)
	}

	m := NewWithParams(44100, time.Second, 1024)
	a := uuid.New()
	for i := 0; i < capacity*3; i++ {
		m.Ingest(a, encodeSamples(int16(i)), int64(i))
	}
	ring := m.rings[a]
	if len(ring.entries) > capacity {
		t.Fatalf("ring grew to %d entries, want <= %d", len(ring.entries), capacity)
	}
}
