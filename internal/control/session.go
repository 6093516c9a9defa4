package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sessionState is the session lifecycle: Unconnected -> Initialising ->
// Active -> Closed. A session is promoted to Active only after the
// handler replies INIT_ACK.
type sessionState int32

const (
	stateUnconnected sessionState = iota
	stateInitialising
	stateActive
	stateClosed
)

// Clients PING at most every 30s; missing three successive heartbeats
// closes the session. Overridable per Hub via SetHeartbeat.
const (
	defaultHeartbeatInterval   = 30 * time.Second
	defaultMaxMissedHeartbeats = 3
)

// outboxSize bounds the per-session push queue; overflow closes the
// session instead of blocking broadcast fan-out.
const outboxSize = 64

// stream is the minimal transport surface a Session needs: a reliable,
// message-framed, bidirectional byte stream. *webtransport.Stream
// satisfies it directly; tests inject an in-memory pipe.
type stream interface {
	io.ReadWriteCloser
}

// Session owns one persistent control connection. Outbound writes are
// serialized by a dedicated writer goroutine draining a bounded channel;
// inbound requests are processed one at a time off the read loop, so a
// session never has two in-flight registry mutations racing each other.
type Session struct {
	hub    *Hub
	stream stream
	log    *slog.Logger

	clientID uuid.UUID
	state    atomic.Int32

	outbox chan Envelope

	missedHeartbeats atomic.Int32
	lastSeen         atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(hub *Hub, s stream, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	sess := &Session{
		hub:    hub,
		stream: s,
		log:    log,
		outbox: make(chan Envelope, outboxSize),
		closed: make(chan struct{}),
	}
	sess.state.Store(int32(stateUnconnected))
	sess.lastSeen.Store(time.Now().UnixNano())
	return sess
}

// ClientID returns the session's assigned client id. Valid only once the
// session has left Unconnected.
func (s *Session) ClientID() uuid.UUID { return s.clientID }

// Push enqueues an outbound envelope. If the outbox is full the session
// is closed rather than blocking the caller, which may be a broadcast
// fan-out serving many other sessions.
func (s *Session) Push(e Envelope) {
	if s.state.Load() == int32(stateClosed) {
		return
	}
	select {
	case s.outbox <- e:
	default:
		s.log.Warn("control outbox overflow, closing session", "client_id", s.clientID)
		s.Close()
	}
}

// Close tears the session down exactly once, cascading registry and
// topology cleanup through the Hub.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.closed)
		_ = s.stream.Close()
		s.hub.onSessionClosed(s)
	})
}

// Serve runs the session to completion: a writer goroutine drains the
// outbox while the calling goroutine reads and dispatches requests. It
// returns once the stream closes or the session is otherwise torn down.
func (s *Session) Serve(ctx context.Context) {
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	defer wg.Wait()

	reader := bufio.NewReaderSize(s.stream, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("control read error", "client_id", s.clientID, "err", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		var req Envelope
		if err := json.Unmarshal(line, &req); err != nil {
			s.Push(Envelope{Action: ActionError, Message: "malformed control message"})
			continue
		}
		s.lastSeen.Store(time.Now().UnixNano())
		s.dispatch(req)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case e := <-s.outbox:
			data, err := Marshal(e)
			if err != nil {
				s.log.Error("control marshal error", "err", err)
				continue
			}
			if _, err := s.stream.Write(data); err != nil {
				s.log.Debug("control write error", "client_id", s.clientID, "err", err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) dispatch(req Envelope) {
	state := sessionState(s.state.Load())

	if state == stateUnconnected {
		if req.Action != ActionInit {
			s.Push(Envelope{Action: ActionError, Message: "first message must be INIT"})
			return
		}
		s.state.Store(int32(stateInitialising))
		s.hub.handleInit(s, req)
		s.state.Store(int32(stateActive))
		return
	}

	s.hub.handleRequest(s, req)
}

// heartbeatMonitor runs until the session closes, counting missed
// heartbeats on a periodic sweep rather than a per-message timer chain.
// Started by the Hub alongside Serve.
func (s *Session) heartbeatMonitor(ctx context.Context) {
	interval, strikes := s.hub.heartbeatPolicy()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastSeen.Load())
			if time.Since(last) < interval {
				s.missedHeartbeats.Store(0)
				continue
			}
			if s.missedHeartbeats.Add(1) >= strikes {
				s.log.Info("control session missed heartbeats, closing", "client_id", s.clientID)
				s.Close()
				return
			}
		}
	}
}
