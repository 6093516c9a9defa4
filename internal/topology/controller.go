// Package topology decides each conference's media-plane mode: it
// subscribes to Registry membership events and, after every change,
// recomputes the topology for the affected conference and issues
// directives (P2P_ADDRESS, STOP_P2P) to endpoints, plus relay
// lifecycle calls to start/stop server-side compositing and mixing.
package topology

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/control"
	"github.com/coderelay/meetrelay/internal/registry"
)

// Dispatcher delivers a control-plane envelope to one client's session.
// *control.Hub satisfies this structurally.
type Dispatcher interface {
	SendDirective(clientID uuid.UUID, e control.Envelope)
}

// RelayLifecycle starts and stops the per-conference compositing/mixing
// tasks that only run while a conference is in relay topology, and is
// told when a participant leaves so it can drop that participant's
// egress socket, reassembly state, and video/audio slots. StartRelay is
// idempotent: calling it on a running conference reconciles its
// compositing with the current forceComposite flag. *relay.Relay
// satisfies this structurally.
type RelayLifecycle interface {
	StartRelay(conferenceID registry.ConferenceID)
	StopRelay(conferenceID registry.ConferenceID)
	Cleanup(conferenceID registry.ConferenceID, clientID uuid.UUID)
}

// Controller recomputes conference topology in response to Registry
// events and the forceComposite override.
type Controller struct {
	log      *slog.Logger
	reg      *registry.Registry
	dispatch Dispatcher
	relay    RelayLifecycle
}

// New constructs a Controller. dispatch and relay may be nil at
// construction time and wired later via SetDispatcher/SetRelay, since
// cmd/relayd builds these collaborators in a cycle (Hub needs the
// Controller for CHANGE_CS_MODE_TO_SAME, the Controller needs the Hub to
// push directives).
func New(reg *registry.Registry, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{reg: reg, log: log}
}

// SetDispatcher wires the control-plane push target.
func (c *Controller) SetDispatcher(d Dispatcher) { c.dispatch = d }

// SetRelay wires the media relay's compositing/mixing lifecycle hooks.
func (c *Controller) SetRelay(r RelayLifecycle) { c.relay = r }

// Run consumes Registry events until ctx is cancelled. Events are
// linearized per conference by the Registry itself: one event channel,
// one reader here.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.reg.Events():
			if !ok {
				return
			}
			c.handleCleanup(ev)
			c.Recompute(ev.ConferenceID)
		}
	}
}

// handleCleanup tells the relay to drop any per-participant media-plane
// state for participants that just left or whose conference was
// cancelled, regardless of whether the resulting topology changed.
func (c *Controller) handleCleanup(ev registry.Event) {
	if c.relay == nil {
		return
	}
	switch ev.Kind {
	case registry.EventParticipantLeft:
		c.relay.Cleanup(ev.ConferenceID, ev.ClientID)
	case registry.EventConferenceCancelled:
		for _, id := range ev.Participants {
			c.relay.Cleanup(ev.ConferenceID, id)
		}
	}
}

// Recompute re-derives and applies the topology for one conference,
// issuing whatever directives the transition requires. It is exported so
// REGISTER_RTP (which changes endpoint attachment, not membership, and
// so emits no Registry event) can trigger a catch-up recomputation.
func (c *Controller) Recompute(conferenceID registry.ConferenceID) {
	conf := c.reg.Get(conferenceID)
	if conf == nil {
		return // conference was destroyed concurrently; nothing to do
	}

	participants := conf.Participants()
	newTopology := registry.ComputeTopology(len(participants), c.reg.ForceComposite())
	oldTopology := conf.CurrentTopology()

	if newTopology == registry.TopologyP2P && !bothEndpointsAttached(participants) {
		// p2p requires both endpoints attached. Until then the
		// conference stays at its current topology; REGISTER_RTP will
		// trigger another Recompute once the second endpoint arrives.
		return
	}

	if newTopology == oldTopology {
		return
	}

	c.reg.SetTopology(conferenceID, newTopology)
	c.log.Info("topology transition", "conference_id", conferenceID, "from", oldTopology, "to", newTopology)

	switch {
	case oldTopology == registry.TopologyIdle && newTopology == registry.TopologyP2P:
		c.sendP2PAddresses(participants)

	case newTopology == registry.TopologyRelay:
		c.sendStopP2P(participants)
		if c.relay != nil {
			c.relay.StartRelay(conferenceID)
		}

	case oldTopology == registry.TopologyRelay && newTopology == registry.TopologyP2P:
		if c.relay != nil {
			c.relay.StopRelay(conferenceID)
		}
		c.sendP2PAddresses(participants)

	case newTopology == registry.TopologyIdle:
		if oldTopology == registry.TopologyRelay && c.relay != nil {
			c.relay.StopRelay(conferenceID)
		}
		if len(participants) == 1 {
			c.sendTo(participants[0].ClientID, control.Envelope{Action: control.ActionStopP2P})
		}
	}
}

// RecomputeForceComposite re-derives topology for every conference the
// forceComposite flip affects. Two-party conferences get a real
// transition out of Recompute; conferences already in relay topology
// see no transition but still need their compositing engaged or
// disengaged, which StartRelay reconciles against the flag.
func (c *Controller) RecomputeForceComposite(affected []registry.ConferenceID) {
	for _, id := range affected {
		conf := c.reg.Get(id)
		if conf == nil {
			continue
		}
		wasRelay := conf.CurrentTopology() == registry.TopologyRelay
		c.Recompute(id)
		if wasRelay && c.relay != nil {
			c.relay.StartRelay(id)
		}
	}
}

func bothEndpointsAttached(participants []registry.Participant) bool {
	if len(participants) != 2 {
		return false
	}
	return participants[0].Endpoint != nil && participants[1].Endpoint != nil
}

// sendP2PAddresses emits P2P_ADDRESS asymmetrically: each of the two
// participants learns the other's address.
func (c *Controller) sendP2PAddresses(participants []registry.Participant) {
	if len(participants) != 2 {
		return
	}
	a, b := participants[0], participants[1]
	if a.Endpoint == nil || b.Endpoint == nil {
		return
	}
	c.sendTo(a.ClientID, control.Envelope{Action: control.ActionP2PAddress, ClientID: b.ClientID.String(), IP: b.Endpoint.IP, Port: b.Endpoint.Port})
	c.sendTo(b.ClientID, control.Envelope{Action: control.ActionP2PAddress, ClientID: a.ClientID.String(), IP: a.Endpoint.IP, Port: a.Endpoint.Port})
}

func (c *Controller) sendStopP2P(participants []registry.Participant) {
	for _, p := range participants {
		c.sendTo(p.ClientID, control.Envelope{Action: control.ActionStopP2P})
	}
}

func (c *Controller) sendTo(clientID uuid.UUID, e control.Envelope) {
	if c.dispatch == nil {
		return
	}
	c.dispatch.SendDirective(clientID, e)
}
