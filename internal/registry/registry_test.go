package registry

import (
	"testing"

	"github.com/google/uuid"
)

func drainEvents(t *testing.T, r *Registry, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-r.Events():
			out = append(out, e)
		default:
			t.Fatalf("expected %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestCreateAndJoin(t *testing.T) {
	r := New(nil, 16)
	creator := uuid.New()
	member := uuid.New()

	confID := r.CreateConference(creator)
	drainEvents(t, r, 1) // participantJoined(creator)

	res, _ := r.Join(confID, member)
	if res != Joined {
		t.Fatalf("Join = %v, want Joined", res)
	}
	drainEvents(t, r, 1)

	conf := r.Get(confID)
	if conf.Count() != 2 {
		t.Fatalf("Count = %d, want 2", conf.Count())
	}
}

func TestJoinAlreadyIn(t *testing.T) {
	r := New(nil, 16)
	creator := uuid.New()
	confID := r.CreateConference(creator)
	drainEvents(t, r, 1)

	res, _ := r.Join(confID, creator)
	if res != AlreadyIn {
		t.Fatalf("Join = %v, want AlreadyIn", res)
	}
}

func TestJoinMovesFromPriorConference(t *testing.T) {
	r := New(nil, 16)
	a := uuid.New()
	client := uuid.New()

	confA := r.CreateConference(a)
	drainEvents(t, r, 1)
	res, _ := r.Join(confA, client)
	if res != Joined {
		t.Fatalf("Join confA = %v", res)
	}
	drainEvents(t, r, 1)

	confB := r.CreateConference(uuid.New())
	drainEvents(t, r, 1)

	res, prev := r.Join(confB, client)
	if res != MovedFromAnother || prev != confA {
		t.Fatalf("Join confB = %v, prev=%v, want MovedFromAnother/%v", res, prev, confA)
	}
	drainEvents(t, r, 2) // left confA, joined confB

	if r.Get(confA).Count() != 1 {
		t.Fatalf("confA should have lost the moved client")
	}
	current, ok := r.ConferenceOf(client)
	if !ok || current != confB {
		t.Fatalf("ConferenceOf(client) = %v,%v want %v,true", current, ok, confB)
	}
}

func TestJoinNotFound(t *testing.T) {
	r := New(nil, 16)
	res, _ := r.Join("9999", uuid.New())
	if res != NotFound {
		t.Fatalf("Join = %v, want NotFound", res)
	}
}

func TestExitIsIdempotentAndDestroysWhenEmpty(t *testing.T) {
	r := New(nil, 16)
	creator := uuid.New()
	confID := r.CreateConference(creator)
	drainEvents(t, r, 1)

	r.Exit(confID, creator)
	drainEvents(t, r, 1)
	if r.Get(confID) != nil {
		t.Fatal("conference should be destroyed once empty")
	}

	// Idempotent: exiting again (or a not-found conference) is a no-op, no event.
	r.Exit(confID, creator)
	select {
	case e := <-r.Events():
		t.Fatalf("unexpected event on idempotent exit: %+v", e)
	default:
	}
}

func TestCreatorLeavingDoesNotCancelOrPromote(t *testing.T) {
	r := New(nil, 16)
	creator := uuid.New()
	member := uuid.New()
	confID := r.CreateConference(creator)
	drainEvents(t, r, 1)
	r.Join(confID, member)
	drainEvents(t, r, 1)

	r.Exit(confID, creator)
	drainEvents(t, r, 1)

	conf := r.Get(confID)
	if conf == nil {
		t.Fatal("conference should survive creator leaving")
	}
	if conf.Creator != creator {
		t.Fatalf("creator identity must remain immutable, got %v", conf.Creator)
	}
}

func TestCancelRequiresCreator(t *testing.T) {
	r := New(nil, 16)
	creator := uuid.New()
	member := uuid.New()
	confID := r.CreateConference(creator)
	drainEvents(t, r, 1)
	r.Join(confID, member)
	drainEvents(t, r, 1)

	if res, _ := r.Cancel(confID, member); res != NotCreator {
		t.Fatalf("Cancel by non-creator = %v, want NotCreator", res)
	}

	res, participants := r.Cancel(confID, creator)
	if res != Cancelled {
		t.Fatalf("Cancel by creator = %v, want Cancelled", res)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants notified, got %d", len(participants))
	}
	if r.Get(confID) != nil {
		t.Fatal("conference should be destroyed after cancel")
	}
}

func TestTopologyFunction(t *testing.T) {
	cases := []struct {
		count          int
		forceComposite bool
		want           Topology
	}{
		{0, false, TopologyIdle},
		{1, false, TopologyIdle},
		{2, false, TopologyP2P},
		{2, true, TopologyRelay},
		{3, false, TopologyRelay},
		{3, true, TopologyRelay},
	}
	for _, c := range cases {
		if got := ComputeTopology(c.count, c.forceComposite); got != c.want {
			t.Errorf("ComputeTopology(%d,%v) = %v, want %v", c.count, c.forceComposite, got, c.want)
		}
	}
}

func TestAttachEndpointRequiresMembership(t *testing.T) {
	r := New(nil, 16)
	creator := uuid.New()
	confID := r.CreateConference(creator)
	drainEvents(t, r, 1)

	if err := r.AttachEndpoint(confID, uuid.New(), EndpointAddr{IP: "127.0.0.1", Port: 5000}); err == nil {
		t.Fatal("expected error attaching endpoint for non-participant")
	}
	if err := r.AttachEndpoint(confID, creator, EndpointAddr{IP: "127.0.0.1", Port: 5000}); err != nil {
		t.Fatalf("AttachEndpoint: %v", err)
	}
	conf := r.Get(confID)
	p := conf.Participants()[0]
	if p.Endpoint == nil || p.Endpoint.Port != 5000 {
		t.Fatalf("endpoint not recorded: %+v", p)
	}
}

func TestMembershipExclusivity(t *testing.T) {
	r := New(nil, 16)
	client := uuid.New()
	confA := r.CreateConference(uuid.New())
	drainEvents(t, r, 1)
	confB := r.CreateConference(uuid.New())
	drainEvents(t, r, 1)

	r.Join(confA, client)
	drainEvents(t, r, 1)
	r.Join(confB, client)
	drainEvents(t, r, 2)

	inA, inB := false, false
	for _, p := range r.Get(confA).Participants() {
		if p.ClientID == client {
			inA = true
		}
	}
	for _, p := range r.Get(confB).Participants() {
		if p.ClientID == client {
			inB = true
		}
	}
	if inA == inB {
		t.Fatalf("client must be in exactly one conference: inA=%v inB=%v", inA, inB)
	}
}
