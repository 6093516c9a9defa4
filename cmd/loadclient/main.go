// Command loadclient is a synthetic conference participant: it dials the
// control session, joins or creates a meeting, registers a media
// endpoint, and streams a generated tone and test pattern so a relay
// can be exercised without a real browser.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/coderelay/meetrelay/internal/codec"
	"github.com/coderelay/meetrelay/internal/control"
)

const connectTimeout = 10 * time.Second

func main() {
	controlAddr := flag.String("control-addr", "localhost:8443", "control server host:port")
	mediaAddr := flag.String("media-addr", "localhost:5555", "relay UDP ingress host:port")
	meetingID := flag.String("meeting", "", "meeting id to join; created fresh if empty")
	username := flag.String("name", "loadbot", "display name")
	frameRate := flag.Int("fps", 15, "synthetic video frame rate")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	clientID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — self-signed relay cert
		QUICConfig: &quic.Config{
			EnableDatagrams: true,
		},
	}
	_, sess, err := d.Dial(dialCtx, "https://"+*controlAddr, http.Header{})
	if err != nil {
		logger.Error("dial failed", "err", err)
		os.Exit(1)
	}
	defer sess.CloseWithError(0, "loadclient exiting")

	stream, err := sess.OpenStream()
	if err != nil {
		logger.Error("open control stream failed", "err", err)
		os.Exit(1)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		logger.Error("open media socket failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	relayUDPAddr, err := net.ResolveUDPAddr("udp", *mediaAddr)
	if err != nil {
		logger.Error("resolve media addr failed", "err", err)
		os.Exit(1)
	}

	// The local UDP port we listen on is the RTP endpoint we register;
	// the relay learns it from REGISTER_RTP, not from the datagrams
	// themselves, so it is sent over the control channel once the join
	// ack tells us which meeting we're in.
	localAddr := conn.LocalAddr().(*net.UDPAddr)

	bot := &loadBot{
		log:       logger,
		clientID:  clientID,
		stream:    stream,
		enc:       json.NewEncoder(stream),
		mediaConn: conn,
		relayAddr: relayUDPAddr,
		rtpPort:   localAddr.Port,
	}

	if err := bot.send(control.Envelope{Action: control.ActionInit, ClientID: clientID.String()}); err != nil {
		logger.Error("send init failed", "err", err)
		os.Exit(1)
	}

	go bot.readLoop(ctx)

	if *meetingID == "" {
		if err := bot.send(control.Envelope{Action: control.ActionCreateMeeting, ClientID: clientID.String()}); err != nil {
			logger.Error("send create failed", "err", err)
			os.Exit(1)
		}
	} else {
		if err := bot.send(control.Envelope{Action: control.ActionJoinMeeting, ClientID: clientID.String(), MeetingID: *meetingID}); err != nil {
			logger.Error("send join failed", "err", err)
			os.Exit(1)
		}
	}

	logger.Info("loadclient connected", "client_id", clientID, "name", *username)
	bot.streamMedia(ctx, *frameRate)
}

// loadBot tracks the minimal session state a synthetic participant
// needs: its own id, which conference it last heard it's in, and the
// media socket it streams a tone and test pattern over.
type loadBot struct {
	log       *slog.Logger
	clientID  uuid.UUID
	stream    *webtransport.Stream
	enc       *json.Encoder
	mediaConn *net.UDPConn
	relayAddr *net.UDPAddr
	rtpPort   int

	mu        sync.Mutex // guards enc (written from two goroutines) and meetingID
	meetingID string
}

func (b *loadBot) send(e control.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enc.Encode(e)
}

func (b *loadBot) currentMeeting() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meetingID
}

func (b *loadBot) readLoop(ctx context.Context) {
	r := bufio.NewReader(b.stream)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn("control stream closed", "err", err)
			}
			return
		}
		var e control.Envelope
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		switch e.Action {
		case control.ActionCreateAck, control.ActionJoinAck:
			b.mu.Lock()
			b.meetingID = e.MeetingID
			b.mu.Unlock()
			b.log.Info("joined meeting", "meeting_id", e.MeetingID)
			if err := b.send(control.Envelope{
				Action:    control.ActionRegisterRTP,
				MeetingID: e.MeetingID,
				RTPIP:     "127.0.0.1",
				RTPPort:   b.rtpPort,
			}); err != nil {
				b.log.Warn("send register_rtp failed", "err", err)
			}
		case control.ActionError:
			b.log.Warn("server error", "message", e.Message)
		default:
			b.log.Debug("control message", "action", e.Action)
		}
	}
}

// streamMedia sends a 440Hz PCM tone on the audio track and a solid
// color test pattern on the video track, both framed with this
// protocol's datagram header, until ctx is cancelled.
func (b *loadBot) streamMedia(ctx context.Context, fps int) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	frame, err := testPatternJPEG()
	if err != nil {
		b.log.Error("failed to build test pattern", "err", err)
		return
	}

	var sampleIdx int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if b.currentMeeting() == "" {
			continue
		}
		ts := nowMillis()
		b.sendAudio(b.tone(&sampleIdx), ts)
		b.sendVideo(frame, ts)
	}
}

func (b *loadBot) tone(sampleIdx *int) []byte {
	const sampleRate = 44100
	const samples = sampleRate / 100 // 10ms of audio per tick: 882 bytes, fits one datagram
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(*sampleIdx+i) / sampleRate
		v := int16(math.Sin(2*math.Pi*440*t) * 8000)
		buf[2*i] = byte(v)
		buf[2*i+1] = byte(v >> 8)
	}
	*sampleIdx += samples
	return buf
}

func (b *loadBot) sendAudio(payload []byte, ts int64) {
	b.sendDatagram(codec.PayloadTypeAudio, payload, 0, 1, ts)
}

func (b *loadBot) sendVideo(frame []byte, ts int64) {
	chunks := splitPayload(frame, codec.MaxPayloadSize)
	for i, chunk := range chunks {
		b.sendDatagram(codec.PayloadTypeVideo, chunk, uint16(i+1), uint16(len(chunks)), ts)
	}
}

func (b *loadBot) sendDatagram(payloadType uint8, payload []byte, seq, total uint16, ts int64) {
	h := codec.Header{
		PayloadType:    payloadType,
		PayloadLength:  uint16(len(payload)),
		ClientID:       b.clientID,
		ConferenceID:   b.currentMeeting(),
		SequenceNumber: seq,
		TotalFragments: total,
		Timestamp:      ts,
	}
	data, err := codec.Encode(h, payload)
	if err != nil {
		b.log.Debug("encode failed", "err", err)
		return
	}
	if _, err := b.mediaConn.WriteToUDP(data, b.relayAddr); err != nil {
		b.log.Debug("media write failed", "err", err)
	}
}

func splitPayload(payload []byte, maxChunk int) [][]byte {
	if len(payload) <= maxChunk {
		return [][]byte{payload}
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

// testPatternJPEG renders a small solid-color frame so the relay's
// compositor has real JPEG bytes to decode.
func testPatternJPEG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 160, 90))
	fill := color.RGBA{R: 40, G: 160, B: 200, A: 255}
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, fmt.Errorf("loadclient: encode test pattern: %w", err)
	}
	return buf.Bytes(), nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
