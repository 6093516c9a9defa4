// Package registry is the authoritative conference membership store. It
// owns Conference and Participant state, is the exclusive mutator of
// Conference.topology, and emits membership-change events that the
// topology controller consumes. A global mutex protects the conference
// index and the per-client reverse index (creation, destruction, and the
// "at most one conference" invariant) and is held for every membership
// mutation; each Conference additionally has its own mutex guarding its
// member set and topology, so per-conference reads (Participants,
// Count, CurrentTopology) do not take the global lock.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ClientID is a 128-bit client identifier with UUID semantics.
type ClientID = uuid.UUID

// ConferenceID is a short printable string that fits the media header's
// 4-byte conference field.
type ConferenceID string

// Role distinguishes the conference creator from ordinary members.
type Role int

const (
	RoleMember Role = iota
	RoleCreator
)

// Topology is the relay's current media-plane mode for a conference.
type Topology int

const (
	TopologyIdle Topology = iota
	TopologyP2P
	TopologyRelay
)

func (t Topology) String() string {
	switch t {
	case TopologyIdle:
		return "idle"
	case TopologyP2P:
		return "p2p"
	case TopologyRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ComputeTopology derives a conference's media-plane mode from its
// participant count and the server-wide forceComposite override: 0–1
// participants idle, 2 p2p unless forceComposite, 3 or more relay.
func ComputeTopology(participantCount int, forceComposite bool) Topology {
	switch {
	case participantCount <= 1:
		return TopologyIdle
	case participantCount == 2:
		if forceComposite {
			return TopologyRelay
		}
		return TopologyP2P
	default:
		return TopologyRelay
	}
}

// EndpointAddr is a client's media-plane address, recorded by REGISTER_RTP.
type EndpointAddr struct {
	IP   string
	Port int
}

// Participant is one client enrolled in a conference.
type Participant struct {
	ClientID ClientID
	Role     Role
	Endpoint *EndpointAddr // nil until attachEndpoint
}

// Conference is a room identified by a short id, with one immutable
// creator and zero or more members.
type Conference struct {
	ID       ConferenceID
	Creator  ClientID
	Topology Topology

	mu      sync.RWMutex
	order   []ClientID // join order, for deterministic participant listings
	members map[ClientID]*Participant
}

// Participants returns a snapshot of the conference's current members in
// join order.
func (c *Conference) Participants() []Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Participant, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.members[id])
	}
	return out
}

// Count returns the current participant count.
func (c *Conference) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// CurrentTopology returns the conference's topology under the same lock
// SetTopology writes through, so concurrent readers (the topology
// controller, the media relay) never observe a torn value.
func (c *Conference) CurrentTopology() Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Topology
}

// JoinResult is the outcome of Registry.Join.
type JoinResult int

const (
	// Joined means clientID is now enrolled and was not previously in any
	// conference.
	Joined JoinResult = iota
	// AlreadyIn means clientID was already a member of this exact
	// conference; no state change occurred.
	AlreadyIn
	// MovedFromAnother means clientID was a member of a different
	// conference; a client belongs to at most one, so it was removed from
	// that one and is now enrolled here. The prior conference id is
	// returned alongside.
	MovedFromAnother
	NotFound
)

// CancelResult is the outcome of Registry.Cancel.
type CancelResult int

const (
	Cancelled CancelResult = iota
	NotCreator
	CancelNotFound
)

// EventKind discriminates Registry events.
type EventKind int

const (
	EventParticipantJoined EventKind = iota
	EventParticipantLeft
	EventConferenceCancelled
	EventTopologyChanged
)

// Event is a membership-change notification consumed by the topology
// controller.
type Event struct {
	Kind         EventKind
	ConferenceID ConferenceID
	ClientID     ClientID   // the participant that joined/left, where applicable
	Participants []ClientID // full membership snapshot after the change
	OldTopology  Topology
	NewTopology  Topology
}

var (
	// ErrConferenceNotFound is returned by operations on an unknown conference id.
	ErrConferenceNotFound = errors.New("registry: conference not found")
)

// Registry is the authoritative conference membership store.
type Registry struct {
	log *slog.Logger

	mu               sync.Mutex // global: conferences index + client->conference reverse index + id allocation
	conferences      map[ConferenceID]*Conference
	clientConference map[ClientID]ConferenceID
	nextSeq          atomic.Uint64

	events chan Event

	forceComposite atomic.Bool
}

// New constructs an empty Registry. eventBuffer sizes the channel
// returned by Events(). Emission blocks when the channel is full rather
// than dropping, and always happens outside the registry locks so a
// slow consumer can never deadlock a mutation; a generous buffer keeps
// the block from mattering in practice.
func New(log *slog.Logger, eventBuffer int) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Registry{
		log:              log,
		conferences:      make(map[ConferenceID]*Conference),
		clientConference: make(map[ClientID]ConferenceID),
		events:           make(chan Event, eventBuffer),
	}
}

// Events returns the channel of membership-change events. There is
// exactly one reader expected (the topology controller); fan the events
// out yourself if more consumers are needed.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// SetForceComposite sets the server-wide forceComposite flag (driven by
// CHANGE_CS_MODE_TO_SAME) and returns the conference ids the flip
// affects: two-party conferences change topology outright, and larger
// ones stay in relay but must engage or disengage server-side
// compositing. The caller recomputes exactly those conferences.
func (r *Registry) SetForceComposite(v bool) []ConferenceID {
	old := r.forceComposite.Swap(v)
	if old == v {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []ConferenceID
	for id, c := range r.conferences {
		if c.Count() >= 2 {
			affected = append(affected, id)
		}
	}
	return affected
}

// ForceComposite reports the current server-wide override.
func (r *Registry) ForceComposite() bool {
	return r.forceComposite.Load()
}

// mintID allocates the next auto-numbered conference id. Ids must fit
// the media header's 4-byte conference field, so the counter wraps at
// "m-99"; CreateConference skips ids still in use after a wrap.
func (r *Registry) mintID() ConferenceID {
	n := r.nextSeq.Add(1)
	return ConferenceID(fmt.Sprintf("m-%d", n%100))
}

// CreateConference allocates a new conference with creatorID enrolled as
// its creator and returns the new conference id.
func (r *Registry) CreateConference(creatorID ClientID) ConferenceID {
	r.mu.Lock()
	// A creator already in another conference is moved, same as any join.
	prevConf := r.removeFromCurrentLocked(creatorID)

	var id ConferenceID
	for {
		id = r.mintID()
		if _, exists := r.conferences[id]; !exists {
			break
		}
	}
	c := &Conference{
		ID:      id,
		Creator: creatorID,
		members: make(map[ClientID]*Participant),
	}
	c.order = append(c.order, creatorID)
	c.members[creatorID] = &Participant{ClientID: creatorID, Role: RoleCreator}
	c.Topology = ComputeTopology(1, r.forceComposite.Load())
	r.conferences[id] = c
	r.clientConference[creatorID] = id
	r.mu.Unlock()

	r.log.Info("conference created", "conference_id", id, "creator", creatorID)
	r.emitMembership(prevConf, EventParticipantLeft, creatorID)
	r.emitMembership(c, EventParticipantJoined, creatorID)
	return id
}

// Join enrolls clientID into conferenceID as a member. If the client is
// already enrolled elsewhere, it is first removed from that conference
// (a client belongs to at most one) and MovedFromAnother is returned
// along with the prior conference id.
func (r *Registry) Join(conferenceID ConferenceID, clientID ClientID) (JoinResult, ConferenceID) {
	r.mu.Lock()
	c, ok := r.conferences[conferenceID]
	if !ok {
		r.mu.Unlock()
		return NotFound, ""
	}

	var result JoinResult
	var prev ConferenceID
	var prevConf *Conference
	if prevID, already := r.clientConference[clientID]; already {
		if prevID == conferenceID {
			r.mu.Unlock()
			return AlreadyIn, ""
		}
		// Joining a second conference first removes it from the prior one.
		prevConf = r.removeFromCurrentLocked(clientID)
		result, prev = MovedFromAnother, prevID
	} else {
		result = Joined
	}

	c.mu.Lock()
	c.order = append(c.order, clientID)
	c.members[clientID] = &Participant{ClientID: clientID, Role: RoleMember}
	c.mu.Unlock()

	r.clientConference[clientID] = conferenceID
	r.mu.Unlock()

	r.log.Info("participant joined", "conference_id", conferenceID, "client_id", clientID, "result", result)
	r.emitMembership(prevConf, EventParticipantLeft, clientID)
	r.emitMembership(c, EventParticipantJoined, clientID)
	return result, prev
}

// Exit idempotently removes clientID from conferenceID. If the conference
// becomes empty it is destroyed.
func (r *Registry) Exit(conferenceID ConferenceID, clientID ClientID) {
	r.mu.Lock()
	c, ok := r.conferences[conferenceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if cur, inIt := r.clientConference[clientID]; !inIt || cur != conferenceID {
		r.mu.Unlock()
		return // idempotent: not a member, nothing to do
	}
	empty := r.removeParticipantLocked(c, clientID)
	delete(r.clientConference, clientID)
	if empty {
		delete(r.conferences, conferenceID)
	}
	r.mu.Unlock()

	r.log.Info("participant exited", "conference_id", conferenceID, "client_id", clientID, "destroyed", empty)
	r.emitMembership(c, EventParticipantLeft, clientID)
}

// Cancel destroys conferenceID if byClientID is its creator, returning the
// full participant list (including the creator) so the caller can
// broadcast MEETING_CANCELED to everyone.
func (r *Registry) Cancel(conferenceID ConferenceID, byClientID ClientID) (CancelResult, []ClientID) {
	r.mu.Lock()
	c, ok := r.conferences[conferenceID]
	if !ok {
		r.mu.Unlock()
		return CancelNotFound, nil
	}
	if c.Creator != byClientID {
		r.mu.Unlock()
		return NotCreator, nil
	}

	participants := c.Participants()
	ids := make([]ClientID, len(participants))
	for i, p := range participants {
		ids[i] = p.ClientID
		delete(r.clientConference, p.ClientID)
	}
	delete(r.conferences, conferenceID)
	r.mu.Unlock()

	r.log.Info("conference cancelled", "conference_id", conferenceID, "by", byClientID, "participants", len(ids))
	r.events <- Event{Kind: EventConferenceCancelled, ConferenceID: conferenceID, ClientID: byClientID, Participants: ids}
	return Cancelled, ids
}

// AttachEndpoint records clientID's media-plane address for conferenceID.
// Required before that client may participate on the media plane.
func (r *Registry) AttachEndpoint(conferenceID ConferenceID, clientID ClientID, addr EndpointAddr) error {
	r.mu.Lock()
	c, ok := r.conferences[conferenceID]
	if !ok {
		r.mu.Unlock()
		return ErrConferenceNotFound
	}
	r.mu.Unlock()

	c.mu.Lock()
	p, member := c.members[clientID]
	if member {
		p.Endpoint = &addr
	}
	c.mu.Unlock()
	if !member {
		return fmt.Errorf("registry: client %s is not a participant of %s", clientID, conferenceID)
	}
	return nil
}

// RemoveClient removes clientID from whatever conference it currently
// occupies, if any. Used on control-session close.
func (r *Registry) RemoveClient(clientID ClientID) {
	r.mu.Lock()
	conferenceID, ok := r.clientConference[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c := r.conferences[conferenceID]
	empty := r.removeParticipantLocked(c, clientID)
	delete(r.clientConference, clientID)
	if empty {
		delete(r.conferences, conferenceID)
	}
	r.mu.Unlock()

	r.emitMembership(c, EventParticipantLeft, clientID)
}

// Get returns the conference by id, or nil if not found.
func (r *Registry) Get(conferenceID ConferenceID) *Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conferences[conferenceID]
}

// ConferenceOf returns the conference clientID currently occupies, if any.
func (r *Registry) ConferenceOf(clientID ClientID) (ConferenceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clientConference[clientID]
	return id, ok
}

// List returns every live conference id in stable sorted order, for
// CHECK_MEETING_ALL.
func (r *Registry) List() []ConferenceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ConferenceID, 0, len(r.conferences))
	for id := range r.conferences {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetTopology is the exclusive mutator of Conference.topology, called
// by the topology controller after it computes the new value. It emits
// EventTopologyChanged when the value actually changes.
func (r *Registry) SetTopology(conferenceID ConferenceID, newTopology Topology) {
	r.mu.Lock()
	c, ok := r.conferences[conferenceID]
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	old := c.Topology
	if old == newTopology {
		c.mu.Unlock()
		return
	}
	c.Topology = newTopology
	c.mu.Unlock()

	r.log.Info("topology changed", "conference_id", conferenceID, "old", old, "new", newTopology)
	r.events <- Event{Kind: EventTopologyChanged, ConferenceID: conferenceID, OldTopology: old, NewTopology: newTopology}
}

// removeFromCurrentLocked removes clientID from whatever conference it is
// currently in, if any, and returns that conference so the caller can
// emit the participantLeft event once r.mu is released. Caller holds
// r.mu; emitting under it would let a blocked event channel deadlock
// against a consumer calling back into the registry.
func (r *Registry) removeFromCurrentLocked(clientID ClientID) *Conference {
	prevID, ok := r.clientConference[clientID]
	if !ok {
		return nil
	}
	c := r.conferences[prevID]
	empty := r.removeParticipantLocked(c, clientID)
	delete(r.clientConference, clientID)
	if empty {
		delete(r.conferences, prevID)
	}
	return c
}

// removeParticipantLocked removes clientID from c's member set. Caller
// holds r.mu; this additionally takes c.mu for the member mutation.
// Returns whether c is now empty.
func (r *Registry) removeParticipantLocked(c *Conference, clientID ClientID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[clientID]; !ok {
		return len(c.members) == 0
	}
	delete(c.members, clientID)
	for i, id := range c.order {
		if id == clientID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return len(c.members) == 0
}

func (r *Registry) emitMembership(c *Conference, kind EventKind, clientID ClientID) {
	if c == nil {
		return
	}
	participants := c.Participants()
	ids := make([]ClientID, len(participants))
	for i, p := range participants {
		ids[i] = p.ClientID
	}
	r.events <- Event{Kind: kind, ConferenceID: c.ID, ClientID: clientID, Participants: ids}
}
