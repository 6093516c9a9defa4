package reassembly

import (
	"log/slog"
	"sync"
	"time"
)

type streamKey struct {
	senderID     string
	conferenceID string
}

// Manager owns one Reassembler per (senderId, conferenceId) stream and
// sweeps all of them for TTL expiry on a shared ticker, so the relay does
// not need one goroutine per stream just to age out stale partials.
type Manager struct {
	mu       sync.Mutex
	streams  map[streamKey]*Reassembler
	log      *slog.Logger
	ttl      time.Duration
	onExpire func(senderID, conferenceID string)
}

// NewManager creates an empty Manager sweeping assemblies older than
// ttl (TTL when zero). onExpire, if non-nil, is invoked (outside the
// internal lock) once per expired assembly, so callers can count
// reassembly timeouts.
func NewManager(log *slog.Logger, ttl time.Duration, onExpire func(senderID, conferenceID string)) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = TTL
	}
	return &Manager{streams: make(map[streamKey]*Reassembler), log: log, ttl: ttl, onExpire: onExpire}
}

// Stream returns (creating if necessary) the Reassembler for one stream.
func (m *Manager) Stream(senderID, conferenceID string) *Reassembler {
	k := streamKey{senderID, conferenceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.streams[k]
	if !ok {
		r = New(senderID, conferenceID, m.log)
		m.streams[k] = r
	}
	return r
}

// RemoveStream drops reassembly state for a stream, e.g. when the sender
// leaves the conference.
func (m *Manager) RemoveStream(senderID, conferenceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, streamKey{senderID, conferenceID})
}

// SweepAll sweeps every owned stream for TTL expiry. Intended to be called
// from a single periodic ticker shared across the whole relay.
func (m *Manager) SweepAll(now time.Time) {
	m.mu.Lock()
	snapshot := make([]*Reassembler, 0, len(m.streams))
	keys := make([]streamKey, 0, len(m.streams))
	for k, r := range m.streams {
		snapshot = append(snapshot, r)
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for i, r := range snapshot {
		if r.Sweep(now, m.ttl) && m.onExpire != nil {
			m.onExpire(keys[i].senderID, keys[i].conferenceID)
		}
	}
}
