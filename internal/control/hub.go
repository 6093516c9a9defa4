package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/registry"
)

// EndpointBinder is notified when a participant's media address is
// recorded (REGISTER_RTP), so the media relay can bind or rebind that
// participant's egress socket once the address is known.
type EndpointBinder interface {
	BindEndpoint(conferenceID registry.ConferenceID, clientID uuid.UUID, addr registry.EndpointAddr)
}

// TopologyNotifier lets the Hub push the forceComposite override through
// to the topology controller without routing it via a Registry event,
// since SetForceComposite does not itself mutate any one conference.
type TopologyNotifier interface {
	RecomputeForceComposite(affected []registry.ConferenceID)
	Recompute(conferenceID registry.ConferenceID)
}

// Hub is the shared control-plane state every Session dispatches through:
// the Registry mutator, the session directory used for broadcast
// fan-out, and the collaborators that need to react to control actions.
type Hub struct {
	log      *slog.Logger
	registry *registry.Registry

	heartbeatInterval time.Duration
	heartbeatStrikes  int32

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	binder   EndpointBinder
	topology TopologyNotifier
}

// NewHub constructs a Hub bound to reg. SetBinder/SetTopologyNotifier
// wire the remaining collaborators once they exist, since cmd/relayd
// constructs the Hub before the relay and topology controller that
// depend on it.
func NewHub(reg *registry.Registry, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:               log,
		registry:          reg,
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatStrikes:  defaultMaxMissedHeartbeats,
		sessions:          make(map[uuid.UUID]*Session),
	}
}

// SetHeartbeat overrides the heartbeat interval and strike count for
// sessions accepted after the call. Zero or negative values keep the
// current setting.
func (h *Hub) SetHeartbeat(interval time.Duration, strikes int) {
	if interval > 0 {
		h.heartbeatInterval = interval
	}
	if strikes > 0 {
		h.heartbeatStrikes = int32(strikes)
	}
}

func (h *Hub) heartbeatPolicy() (time.Duration, int32) {
	return h.heartbeatInterval, h.heartbeatStrikes
}

// SetBinder wires the media relay's endpoint binder.
func (h *Hub) SetBinder(b EndpointBinder) { h.binder = b }

// SetTopologyNotifier wires the topology controller's forceComposite hook.
func (h *Hub) SetTopologyNotifier(t TopologyNotifier) { h.topology = t }

// SendDirective implements topology.Dispatcher: push a server-initiated
// envelope to one client's session, if it is currently connected. A
// client with no live session (e.g. it raced a disconnect) simply misses
// the directive, matching the best-effort nature of the media plane it
// controls.
func (h *Hub) SendDirective(clientID uuid.UUID, e Envelope) {
	h.mu.RLock()
	sess, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if ok {
		sess.Push(e)
	}
}

// Accept starts serving a newly-connected stream as a Session. It blocks
// until the session ends.
func (h *Hub) Accept(ctx context.Context, s stream) {
	sess := newSession(h, s, h.log)
	go sess.heartbeatMonitor(ctx)
	sess.Serve(ctx)
}

func (h *Hub) handleInit(s *Session, req Envelope) {
	id := uuid.New()
	if req.ClientID != "" {
		if parsed, err := uuid.Parse(req.ClientID); err == nil {
			id = parsed
		}
	}
	s.clientID = id

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	h.log.Info("control session initialised", "client_id", id)
	s.Push(Envelope{Action: ActionInitAck, ClientID: id.String()})
}

func (h *Hub) onSessionClosed(s *Session) {
	if s.clientID == uuid.Nil {
		return
	}
	h.mu.Lock()
	delete(h.sessions, s.clientID)
	h.mu.Unlock()

	// Session-close cascade: the Registry removes membership, which in
	// turn emits the events the topology controller reacts to.
	h.registry.RemoveClient(s.clientID)
}

func (h *Hub) handleRequest(s *Session, req Envelope) {
	switch req.Action {
	case ActionCreateMeeting:
		h.handleCreate(s)
	case ActionJoinMeeting:
		h.handleJoin(s, req)
	case ActionExitMeeting:
		h.handleExit(s, req)
	case ActionCancelMeeting:
		h.handleCancel(s, req)
	case ActionRegisterRTP:
		h.handleRegisterRTP(s, req)
	case ActionSendMessage:
		h.handleSendMessage(s, req)
	case ActionChangeCSModeToSame:
		h.handleForceComposite(s)
	case ActionCheckMeetingAll:
		h.handleCheckAll(s)
	case ActionPing:
		s.Push(Envelope{Action: ActionPong})
	default:
		s.Push(Envelope{Action: ActionError, Message: "unknown action"})
	}
}

func (h *Hub) handleCreate(s *Session) {
	id := h.registry.CreateConference(s.clientID)
	s.Push(Envelope{Action: ActionCreateAck, MeetingID: string(id)})
}

func (h *Hub) handleJoin(s *Session, req Envelope) {
	meetingID := registry.ConferenceID(req.MeetingID)
	result, _ := h.registry.Join(meetingID, s.clientID)

	switch result {
	case registry.NotFound:
		s.Push(Envelope{Action: ActionError, Message: "meeting not found"})
		return
	case registry.AlreadyIn:
		// Rejoining the same conference is a membership conflict: reply
		// ERROR, keep the session. A move to a *different* conference is
		// the normal path and not an error.
		s.Push(Envelope{Action: ActionError, Message: "already in this meeting"})
		return
	}

	conf := h.registry.Get(meetingID)
	if conf == nil {
		s.Push(Envelope{Action: ActionError, Message: "meeting not found"})
		return
	}
	s.Push(Envelope{Action: ActionJoinAck, MeetingID: string(meetingID), Participants: participantIDs(conf)})
}

func (h *Hub) handleExit(s *Session, req Envelope) {
	meetingID := registry.ConferenceID(req.MeetingID)
	h.registry.Exit(meetingID, s.clientID)
	s.Push(Envelope{Action: ActionExitAck, MeetingID: string(meetingID)})
}

func (h *Hub) handleCancel(s *Session, req Envelope) {
	meetingID := registry.ConferenceID(req.MeetingID)
	result, participants := h.registry.Cancel(meetingID, s.clientID)
	switch result {
	case registry.NotCreator:
		s.Push(Envelope{Action: ActionError, Message: "only the creator may cancel this meeting"})
	case registry.CancelNotFound:
		s.Push(Envelope{Action: ActionError, Message: "meeting not found"})
	case registry.Cancelled:
		// Broadcast to every participant including the initiator.
		out := Envelope{Action: ActionMeetingCanceled, MeetingID: string(meetingID)}
		for _, id := range participants {
			h.SendDirective(id, out)
		}
	}
}

func (h *Hub) handleRegisterRTP(s *Session, req Envelope) {
	meetingID := registry.ConferenceID(req.MeetingID)
	addr := registry.EndpointAddr{IP: req.RTPIP, Port: req.RTPPort}
	if err := h.registry.AttachEndpoint(meetingID, s.clientID, addr); err != nil {
		s.Push(Envelope{Action: ActionError, Message: err.Error()})
		return
	}
	if h.binder != nil {
		h.binder.BindEndpoint(meetingID, s.clientID, addr)
	}
	if h.topology != nil {
		// Endpoint attachment doesn't itself emit a Registry event, so
		// the topology controller needs an explicit nudge to notice a
		// conference can now move idle -> p2p.
		h.topology.Recompute(meetingID)
	}
	s.Push(Envelope{Action: ActionRegisterRTPAck, Message: "registered"})
}

func (h *Hub) handleSendMessage(s *Session, req Envelope) {
	meetingID := registry.ConferenceID(req.MeetingID)
	conf := h.registry.Get(meetingID)
	if conf == nil {
		s.Push(Envelope{Action: ActionError, Message: "meeting not found"})
		return
	}
	ids := participantIDs(conf)
	isMember := false
	for _, id := range ids {
		if id == s.clientID.String() {
			isMember = true
			break
		}
	}
	if !isMember {
		s.Push(Envelope{Action: ActionError, Message: "not a participant of this meeting"})
		return
	}

	out := Envelope{Action: ActionNewMessage, MeetingID: string(meetingID), Sender: s.clientID.String(), Message: req.Message}
	for _, p := range conf.Participants() {
		h.SendDirective(p.ClientID, out)
	}
}

func (h *Hub) handleForceComposite(s *Session) {
	affected := h.registry.SetForceComposite(true)
	if h.topology != nil {
		h.topology.RecomputeForceComposite(affected)
	}
}

func (h *Hub) handleCheckAll(s *Session) {
	ids := h.registry.List()
	summaries := make([]MeetingSummary, 0, len(ids))
	for _, id := range ids {
		conf := h.registry.Get(id)
		if conf == nil {
			continue
		}
		summaries = append(summaries, MeetingSummary{
			MeetingID:    string(id),
			Creator:      conf.Creator.String(),
			Participants: participantIDs(conf),
			Topology:     conf.CurrentTopology().String(),
		})
	}
	s.Push(Envelope{Action: ActionMeetingList, Meetings: summaries})
}

func participantIDs(conf *registry.Conference) []string {
	parts := conf.Participants()
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.ClientID.String()
	}
	return ids
}
