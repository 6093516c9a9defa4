package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/registry"
)

// After circuitBreakerThreshold consecutive send failures the breaker
// opens and skips that recipient, letting one datagram through every
// circuitBreakerProbeInterval skips to probe for recovery.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

// egressQueueSize bounds the per-recipient send queue; a full queue
// drops the newest datagram rather than blocking the ingress loop.
const egressQueueSize = 256

// sendHealth tracks consecutive send failures for one recipient and
// implements the breaker's skip/probe decision.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() { h.failures.Add(1) }

func (h *sendHealth) recordSuccess() {
	if h.failures.Swap(0) >= circuitBreakerThreshold {
		h.skips.Store(0)
	}
}

// egressSocket is one recipient's dedicated UDP sending socket and
// queue, owned exclusively by one writer goroutine so a slow or
// unreachable recipient never head-of-line-blocks fan-out to anyone
// else.
type egressSocket struct {
	conn   *net.UDPConn
	queue  chan []byte
	health sendHealth
	done   chan struct{}
}

func (s *egressSocket) run(log *slog.Logger, clientID uuid.UUID) {
	for data := range s.queue {
		if s.health.shouldSkip() {
			continue
		}
		if _, err := s.conn.Write(data); err != nil {
			s.health.recordFailure()
			log.Debug("relay: egress send failed", "client_id", clientID, "err", err)
			continue
		}
		s.health.recordSuccess()
	}
	close(s.done)
}

func (s *egressSocket) enqueue(data []byte) {
	select {
	case s.queue <- data:
	default:
		// newest datagram dropped on overflow
	}
}

func (s *egressSocket) close() {
	close(s.queue)
	<-s.done
	s.conn.Close()
}

// egressPool owns one egressSocket per participant, binding local ports
// starting at startPort and incrementing past ports already in use.
type egressPool struct {
	mu       sync.Mutex
	sockets  map[uuid.UUID]*egressSocket
	nextPort int
	log      *slog.Logger
}

func newEgressPool(startPort int, log *slog.Logger) *egressPool {
	return &egressPool{sockets: make(map[uuid.UUID]*egressSocket), nextPort: startPort, log: log}
}

// bind creates (or replaces) the egress socket for clientID, dialing out
// to addr. It retries on successive local ports if one is already in
// use.
func (p *egressPool) bind(clientID uuid.UUID, addr registry.EndpointAddr) error {
	raddr := &net.UDPAddr{IP: net.ParseIP(addr.IP), Port: addr.Port}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, exists := p.sockets[clientID]; exists {
		delete(p.sockets, clientID)
		go old.close()
	}

	const maxAttempts = 32
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := p.nextPort
		p.nextPort++
		laddr := &net.UDPAddr{Port: port}
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err != nil {
			lastErr = err
			p.log.Debug("relay: egress port busy, retrying", "port", port, "err", err)
			continue
		}
		sock := &egressSocket{conn: conn, queue: make(chan []byte, egressQueueSize), done: make(chan struct{})}
		go sock.run(p.log, clientID)
		p.sockets[clientID] = sock
		return nil
	}
	return fmt.Errorf("relay: exhausted %d egress port attempts: %w", maxAttempts, lastErr)
}

func (p *egressPool) send(clientID uuid.UUID, data []byte) {
	p.mu.Lock()
	sock, ok := p.sockets[clientID]
	p.mu.Unlock()
	if !ok {
		return
	}
	sock.enqueue(data)
}

func (p *egressPool) remove(clientID uuid.UUID) {
	p.mu.Lock()
	sock, ok := p.sockets[clientID]
	delete(p.sockets, clientID)
	p.mu.Unlock()
	if ok {
		go sock.close()
	}
}
