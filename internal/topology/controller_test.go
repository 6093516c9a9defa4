package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/control"
	"github.com/coderelay/meetrelay/internal/registry"
)

type recordedDirective struct {
	clientID uuid.UUID
	envelope control.Envelope
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []recordedDirective
}

func (f *fakeDispatcher) SendDirective(clientID uuid.UUID, e control.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedDirective{clientID: clientID, envelope: e})
}

func (f *fakeDispatcher) count(action control.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.sent {
		if d.envelope.Action == action {
			n++
		}
	}
	return n
}

type fakeRelay struct {
	mu      sync.Mutex
	started []registry.ConferenceID
	stopped []registry.ConferenceID
	cleaned []uuid.UUID
}

func (f *fakeRelay) StartRelay(id registry.ConferenceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
}

func (f *fakeRelay) StopRelay(id registry.ConferenceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeRelay) Cleanup(id registry.ConferenceID, clientID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, clientID)
}

func newTestController(t *testing.T) (*Controller, *registry.Registry, *fakeDispatcher, *fakeRelay) {
	t.Helper()
	reg := registry.New(nil, 64)
	ctrl := New(reg, nil)
	disp := &fakeDispatcher{}
	rel := &fakeRelay{}
	ctrl.SetDispatcher(disp)
	ctrl.SetRelay(rel)
	return ctrl, reg, disp, rel
}

func attachBoth(t *testing.T, reg *registry.Registry, id registry.ConferenceID, a, b uuid.UUID) {
	t.Helper()
	if err := reg.AttachEndpoint(id, a, registry.EndpointAddr{IP: "127.0.0.1", Port: 1}); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if err := reg.AttachEndpoint(id, b, registry.EndpointAddr{IP: "127.0.0.1", Port: 2}); err != nil {
		t.Fatalf("attach b: %v", err)
	}
}

func TestRecomputeIdleToP2PRequiresBothEndpoints(t *testing.T) {
	ctrl, reg, disp, _ := newTestController(t)
	a := uuid.New()
	b := uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)

	ctrl.Recompute(id)
	if got := reg.Get(id).CurrentTopology(); got != registry.TopologyIdle {
		t.Fatalf("topology = %v, want idle before endpoints attach", got)
	}
	if n := disp.count(control.ActionP2PAddress); n != 0 {
		t.Fatalf("P2P_ADDRESS sent %d times before endpoints attached, want 0", n)
	}

	attachBoth(t, reg, id, a, b)
	ctrl.Recompute(id)

	if got := reg.Get(id).CurrentTopology(); got != registry.TopologyP2P {
		t.Fatalf("topology = %v, want p2p", got)
	}
	if n := disp.count(control.ActionP2PAddress); n != 2 {
		t.Fatalf("P2P_ADDRESS sent %d times, want 2 (one per endpoint)", n)
	}
}

func TestRecomputeToRelayStartsRelayAndStopsP2P(t *testing.T) {
	ctrl, reg, disp, rel := newTestController(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)
	attachBoth(t, reg, id, a, b)
	ctrl.Recompute(id)

	reg.Join(id, c)
	ctrl.Recompute(id)

	if got := reg.Get(id).CurrentTopology(); got != registry.TopologyRelay {
		t.Fatalf("topology = %v, want relay", got)
	}
	if len(rel.started) != 1 || rel.started[0] != id {
		t.Fatalf("StartRelay called with %v, want [%v]", rel.started, id)
	}
	if n := disp.count(control.ActionStopP2P); n != 3 {
		t.Fatalf("STOP_P2P sent %d times, want 3 (one per participant)", n)
	}
}

func TestRecomputeToIdleStopsRelay(t *testing.T) {
	ctrl, reg, _, rel := newTestController(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)
	reg.Join(id, c)
	ctrl.Recompute(id)
	if len(rel.started) != 1 {
		t.Fatalf("expected relay to start once, got %v", rel.started)
	}

	reg.Exit(id, b)
	reg.Exit(id, c)
	ctrl.Recompute(id)

	if len(rel.stopped) != 1 || rel.stopped[0] != id {
		t.Fatalf("StopRelay called with %v, want [%v]", rel.stopped, id)
	}
}

func TestForceCompositePromotesTwoPartyConference(t *testing.T) {
	ctrl, reg, _, rel := newTestController(t)
	a, b := uuid.New(), uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)
	attachBoth(t, reg, id, a, b)
	ctrl.Recompute(id)

	affected := reg.SetForceComposite(true)
	ctrl.RecomputeForceComposite(affected)

	if got := reg.Get(id).CurrentTopology(); got != registry.TopologyRelay {
		t.Fatalf("topology = %v, want relay once forceComposite flips a 2-party conference", got)
	}
	if len(rel.started) != 1 {
		t.Fatalf("StartRelay called %d times, want 1", len(rel.started))
	}
}

func TestForceCompositeReconcilesRelayConference(t *testing.T) {
	ctrl, reg, _, rel := newTestController(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)
	reg.Join(id, c)
	ctrl.Recompute(id)
	if len(rel.started) != 1 {
		t.Fatalf("expected relay to start once for the 3-party conference, got %v", rel.started)
	}

	// Flipping forceComposite under an already-relay conference causes no
	// topology transition, but StartRelay must be called again so the
	// relay can engage compositing for it.
	affected := reg.SetForceComposite(true)
	ctrl.RecomputeForceComposite(affected)

	if got := reg.Get(id).CurrentTopology(); got != registry.TopologyRelay {
		t.Fatalf("topology = %v, want relay", got)
	}
	if len(rel.started) != 2 {
		t.Fatalf("StartRelay called %d times, want 2 (initial + composite reconcile)", len(rel.started))
	}
}

func TestRunForwardsParticipantLeftToRelayCleanup(t *testing.T) {
	ctrl, reg, _, rel := newTestController(t)
	a, b := uuid.New(), uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	reg.Exit(id, b)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rel.mu.Lock()
		n := len(rel.cleaned)
		rel.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("relay.Cleanup was never called for the departing participant")
}
