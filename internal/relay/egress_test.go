package relay

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/registry"
)

func TestSendHealthOpensAfterThreshold(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		if h.shouldSkip() {
			t.Fatalf("shouldSkip opened early at failure %d", i)
		}
		h.recordFailure()
	}
	if !h.shouldSkip() {
		t.Fatal("shouldSkip = false once failures reached the threshold, want true")
	}
}

func TestSendHealthProbesPeriodically(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		h.recordFailure()
	}
	probed := false
	for i := uint32(0); i < circuitBreakerProbeInterval; i++ {
		if !h.shouldSkip() {
			probed = true
			break
		}
	}
	if !probed {
		t.Fatalf("breaker never let a probe through within %d skips", circuitBreakerProbeInterval)
	}
}

func TestSendHealthResetsOnSuccess(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		h.recordFailure()
	}
	h.recordSuccess()
	if h.shouldSkip() {
		t.Fatal("shouldSkip = true after a recorded success, want false")
	}
}

func TestEgressPoolBindSendRemove(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	pool := newEgressPool(17000, nil)
	clientID := uuid.New()
	addr := registry.EndpointAddr{IP: "127.0.0.1", Port: listener.LocalAddr().(*net.UDPAddr).Port}
	if err := pool.bind(clientID, addr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer pool.remove(clientID)

	pool.send(clientID, []byte("hello"))

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("received %q, want %q", buf[:n], "hello")
	}
}

func TestEgressPoolSendToUnknownClientIsNoop(t *testing.T) {
	pool := newEgressPool(17100, nil)
	pool.send(uuid.New(), []byte("nobody listens")) // must not panic or block
}
