// Package reassembly turns a stream of media fragments for one sender into
// completed frames. One Reassembler instance owns the state for one
// (senderId, conferenceId) stream; no external synchronization is needed
// beyond calling Ingest from a single goroutine per stream.
package reassembly

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coderelay/meetrelay/internal/codec"
)

// TTL is the maximum age of a frame assembly before it is swept and
// dropped.
const TTL = 5 * time.Second

// partialDeliveryThreshold marks a superseded partial as nearly complete.
// Such partials are still discarded, but logged louder: they usually mean
// fragment loss just before frame completion.
const partialDeliveryThreshold = 0.8

// Outcome classifies the result of Ingest.
type Outcome int

const (
	// Rejected means the fragment violated the header-level contract.
	Rejected Outcome = iota
	// PartialAccepted means the fragment was stored; the frame is not yet complete.
	PartialAccepted
	// Complete means this fragment completed its frame; Frame holds the
	// concatenated payload in sequence order.
	Complete
)

// RejectCause names why a fragment was rejected.
type RejectCause string

const (
	CauseZeroTotal        RejectCause = "zero_total_fragments"
	CauseSeqExceedsTotal  RejectCause = "sequence_exceeds_total"
	CauseZeroSeqForVideo  RejectCause = "zero_sequence_video"
	CauseDuplicateMismatch RejectCause = "duplicate_length_mismatch"
)

// Result is returned by Ingest.
type Result struct {
	Outcome Outcome
	Frame   []byte // valid only when Outcome == Complete
	Cause   RejectCause
}

type fragment struct {
	payload []byte
}

type assembly struct {
	key            codec.FrameKey
	totalFragments uint16
	fragments      map[uint16]fragment
	createdAt      time.Time
}

func (a *assembly) fractionComplete() float64 {
	if a.totalFragments == 0 {
		return 0
	}
	return float64(len(a.fragments)) / float64(a.totalFragments)
}

// Reassembler reassembles fragments for one (senderId, conferenceId)
// stream. Ingest is expected to be called from a single ingress
// goroutine per stream, but the shared Manager sweeps every stream's
// TTL from its own ticker goroutine, so current is additionally guarded
// by mu to keep that sweep safe to run concurrently with Ingest.
type Reassembler struct {
	senderID     string
	conferenceID string
	log          *slog.Logger

	mu      sync.Mutex
	current *assembly
}

// New creates a Reassembler for one stream.
func New(senderID, conferenceID string, log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{senderID: senderID, conferenceID: conferenceID, log: log}
}

// Ingest feeds one fragment (header already validated by the codec and
// revalidated against the registry by the caller) into the reassembler.
func (r *Reassembler) Ingest(h codec.Header, payload []byte, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.TotalFragments == 0 {
		return Result{Outcome: Rejected, Cause: CauseZeroTotal}
	}
	if h.SequenceNumber > h.TotalFragments {
		return Result{Outcome: Rejected, Cause: CauseSeqExceedsTotal}
	}
	if h.PayloadType == codec.PayloadTypeVideo && h.SequenceNumber == 0 {
		return Result{Outcome: Rejected, Cause: CauseZeroSeqForVideo}
	}

	key := h.Key()

	if r.current != nil && r.current.key != key {
		r.finalizeOrDrop(r.current)
		r.current = nil
	}

	if r.current == nil {
		r.current = &assembly{
			key:            key,
			totalFragments: h.TotalFragments,
			fragments:      make(map[uint16]fragment),
			createdAt:      now,
		}
	}

	if existing, ok := r.current.fragments[h.SequenceNumber]; ok {
		if len(existing.payload) != len(payload) {
			return Result{Outcome: Rejected, Cause: CauseDuplicateMismatch}
		}
		// Idempotent duplicate: fragment already recorded, no state change.
		return Result{Outcome: PartialAccepted}
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.current.fragments[h.SequenceNumber] = fragment{payload: cp}

	if uint16(len(r.current.fragments)) < r.current.totalFragments {
		return Result{Outcome: PartialAccepted}
	}

	frame := concatenate(r.current)
	r.current = nil
	return Result{Outcome: Complete, Frame: frame}
}

// Sweep drops the in-flight assembly if it is older than ttl. Call this
// periodically (e.g. from a shared ticker across all streams) to bound
// memory for senders that stall mid-frame.
func (r *Reassembler) Sweep(now time.Time, ttl time.Duration) (expired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return false
	}
	if now.Sub(r.current.createdAt) < ttl {
		return false
	}
	r.log.Warn("reassembly TTL expired", "sender", r.senderID, "conference", r.conferenceID,
		"fragments_received", len(r.current.fragments), "total_fragments", r.current.totalFragments)
	r.current = nil
	return true
}

// finalizeOrDrop discards a partial superseded by a newer frame key.
// Padded delivery of mostly-complete partials is not attempted: the
// compositor and mixer do not tolerate zero-length filler frames.
func (r *Reassembler) finalizeOrDrop(a *assembly) {
	if a.fractionComplete() >= partialDeliveryThreshold {
		r.log.Warn("discarding nearly-complete superseded frame", "sender", r.senderID, "conference", r.conferenceID,
			"fraction_complete", a.fractionComplete())
		return
	}
	r.log.Debug("discarding superseded partial frame", "sender", r.senderID, "conference", r.conferenceID,
		"fraction_complete", a.fractionComplete())
}

// concatenate orders fragments by sequence number ascending. Video frames
// number fragments 1..totalFragments; audio frames are always the single
// fragment seq=0. Sorting by key handles both without a special case.
func concatenate(a *assembly) []byte {
	seqs := make([]uint16, 0, len(a.fragments))
	var total int
	for seq, f := range a.fragments {
		seqs = append(seqs, seq)
		total += len(f.payload)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make([]byte, 0, total)
	for _, seq := range seqs {
		out = append(out, a.fragments[seq].payload...)
	}
	return out
}
