// Package codec implements the fixed-layout media datagram header defined
// by the relay's wire protocol (big-endian, 36 bytes). It has no state:
// encode and decode are pure functions over byte slices.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Payload types carried by a media datagram.
const (
	PayloadTypeVideo uint8 = 0x01
	PayloadTypeAudio uint8 = 0x02
)

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 36

// MaxDatagramSize is the largest datagram the relay will send or accept.
// Callers must fragment payloads larger than MaxDatagramSize-HeaderSize.
const MaxDatagramSize = 1500

// MaxPayloadSize is the largest single-fragment payload that fits in one
// datagram alongside the header.
const MaxPayloadSize = MaxDatagramSize - HeaderSize

// ConferenceIDSize is the fixed wire width of the conference id field.
// Conference ids longer than this cannot be carried on the media plane;
// the registry mints ids that always fit.
const ConferenceIDSize = 4

// ErrMalformedHeader is returned when a buffer cannot be parsed as a valid
// header: too short, or a reserved-field misuse (oversized datagram).
var ErrMalformedHeader = errors.New("codec: malformed header")

// Header is the parsed form of the fixed 36-byte datagram header. The
// payload itself is carried separately by callers to avoid an extra
// copy in the hot path.
type Header struct {
	PayloadType    uint8
	PayloadLength  uint16
	ClientID       uuid.UUID
	ConferenceID   string // un-padded, trimmed of trailing zero bytes
	SequenceNumber uint16
	TotalFragments uint16
	Timestamp      int64 // sender wall-clock, ms since epoch
}

// FrameKey identifies one logical frame in flight: all fragments sharing
// (ClientID, ConferenceID, Timestamp) belong to the same frame.
type FrameKey struct {
	ClientID     uuid.UUID
	ConferenceID string
	Timestamp    int64
}

// Key returns the frame key this header's fragment belongs to.
func (h Header) Key() FrameKey {
	return FrameKey{ClientID: h.ClientID, ConferenceID: h.ConferenceID, Timestamp: h.Timestamp}
}

// Encode writes the header followed by payload into a single datagram
// buffer. It returns ErrMalformedHeader if the conference id does not fit
// in ConferenceIDSize bytes or the resulting datagram would exceed
// MaxDatagramSize.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(h.ConferenceID) > ConferenceIDSize {
		return nil, fmt.Errorf("%w: conference id %q exceeds %d bytes", ErrMalformedHeader, h.ConferenceID, ConferenceIDSize)
	}
	if HeaderSize+len(payload) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: datagram of %d bytes exceeds max %d", ErrMalformedHeader, HeaderSize+len(payload), MaxDatagramSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = h.PayloadType
	binary.BigEndian.PutUint16(buf[1:3], h.PayloadLength)
	copy(buf[3:19], h.ClientID[:])
	var cidBuf [ConferenceIDSize]byte
	copy(cidBuf[:], h.ConferenceID)
	copy(buf[19:23], cidBuf[:])
	binary.BigEndian.PutUint16(buf[23:25], h.SequenceNumber)
	binary.BigEndian.PutUint16(buf[25:27], h.TotalFragments)
	binary.BigEndian.PutUint64(buf[27:35], uint64(h.Timestamp))
	// byte 35 is reserved padding rounding the header to 36 bytes: the
	// fields sum to 35 (1+2+16+4+2+2+8), so the last byte carries no
	// field and is always zero on the wire.
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses the fixed header from the front of data and returns the
// header plus a view of the remaining payload bytes (no copy).
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: datagram of %d bytes shorter than header", ErrMalformedHeader, len(data))
	}
	if len(data) > MaxDatagramSize {
		return Header{}, nil, fmt.Errorf("%w: datagram of %d bytes exceeds max %d", ErrMalformedHeader, len(data), MaxDatagramSize)
	}

	var h Header
	h.PayloadType = data[0]
	h.PayloadLength = binary.BigEndian.Uint16(data[1:3])
	copy(h.ClientID[:], data[3:19])
	h.ConferenceID = trimTrailingZeros(data[19:23])
	h.SequenceNumber = binary.BigEndian.Uint16(data[23:25])
	h.TotalFragments = binary.BigEndian.Uint16(data[25:27])
	h.Timestamp = int64(binary.BigEndian.Uint64(data[27:35]))

	payload := data[HeaderSize:]
	if int(h.PayloadLength) != len(payload) {
		return Header{}, nil, fmt.Errorf("%w: payloadLength=%d but carried %d bytes", ErrMalformedHeader, h.PayloadLength, len(payload))
	}
	return h, payload, nil
}

func trimTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
