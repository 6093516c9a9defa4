package relay

import (
	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/codec"
	"github.com/coderelay/meetrelay/internal/registry"
)

// fanOutExcluding forwards one completed frame to every participant of
// conf except senderID, re-fragmenting as needed and preserving the
// sender's identity in the re-emitted header. A forwarded datagram is
// never delivered back to its sender.
func (r *Relay) fanOutExcluding(conf *registry.Conference, senderID uuid.UUID, payloadType uint8, frame []byte) {
	for _, p := range conf.Participants() {
		if p.ClientID == senderID {
			continue
		}
		r.sendFragmented(p.ClientID, string(conf.ID), senderID, payloadType, frame)
	}
}

// fanOutFragmented forwards server-originated media (composited video,
// mixed audio) to every participant of the named conference, tagged
// with ServerSyntheticID.
func (r *Relay) fanOutFragmented(conferenceID registry.ConferenceID, fromID uuid.UUID, payloadType uint8, frame []byte) {
	conf := r.reg.Get(conferenceID)
	if conf == nil {
		return
	}
	for _, p := range conf.Participants() {
		r.sendFragmented(p.ClientID, string(conferenceID), fromID, payloadType, frame)
	}
}

// sendFragmented splits frame into <=MaxPayloadSize chunks, each sent as
// its own datagram via the recipient's egress socket. Sequence numbers
// restart at 1 per frame and are scoped to this recipient's fan-out.
func (r *Relay) sendFragmented(recipient uuid.UUID, conferenceID string, senderID uuid.UUID, payloadType uint8, frame []byte) {
	chunks := splitPayload(frame, codec.MaxPayloadSize)
	total := uint16(len(chunks))
	if total == 0 {
		total = 1
		chunks = [][]byte{nil}
	}

	now := nowMillis()
	for i, chunk := range chunks {
		seq := uint16(i + 1)
		if payloadType == codec.PayloadTypeAudio {
			seq = 0
			total = 1
		}
		h := codec.Header{
			PayloadType:    payloadType,
			PayloadLength:  uint16(len(chunk)),
			ClientID:       senderID,
			ConferenceID:   conferenceID,
			SequenceNumber: seq,
			TotalFragments: total,
			Timestamp:      now,
		}
		datagram, err := codec.Encode(h, chunk)
		if err != nil {
			r.log.Debug("relay: encode failed during fan-out", "err", err)
			continue
		}
		r.egress.send(recipient, datagram)
	}
}

func splitPayload(payload []byte, maxChunk int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := maxChunk
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
