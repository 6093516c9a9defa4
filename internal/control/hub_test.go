package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/registry"
)

// testClient drives one side of a net.Pipe as a control-session peer,
// an in-memory duplex transport standing in for a real WebTransport
// stream.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestClient(t *testing.T, hub *Hub) *testClient {
	t.Helper()
	server, client := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Accept(ctx, server)

	return &testClient{t: t, conn: client, r: bufio.NewReader(client)}
}

func (c *testClient) send(e Envelope) {
	c.t.Helper()
	data, err := Marshal(e)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		c.t.Fatalf("unmarshal %q: %v", line, err)
	}
	return e
}

func TestInitHandshakeAssignsClientID(t *testing.T) {
	hub := NewHub(registry.New(nil, 16), nil)
	c := newTestClient(t, hub)
	defer c.conn.Close()

	id := uuid.New()
	c.send(Envelope{Action: ActionInit, ClientID: id.String()})

	ack := c.recv()
	if ack.Action != ActionInitAck {
		t.Fatalf("action = %v, want INIT_ACK", ack.Action)
	}
	if ack.ClientID != id.String() {
		t.Fatalf("client_id = %q, want %q", ack.ClientID, id.String())
	}
}

func TestFirstMessageMustBeInit(t *testing.T) {
	hub := NewHub(registry.New(nil, 16), nil)
	c := newTestClient(t, hub)
	defer c.conn.Close()

	c.send(Envelope{Action: ActionPing})

	reply := c.recv()
	if reply.Action != ActionError {
		t.Fatalf("action = %v, want ERROR", reply.Action)
	}
}

func TestCreateThenJoinThenCheckAll(t *testing.T) {
	hub := NewHub(registry.New(nil, 16), nil)
	creator := newTestClient(t, hub)
	defer creator.conn.Close()
	creatorID := uuid.New()
	creator.send(Envelope{Action: ActionInit, ClientID: creatorID.String()})
	creator.recv() // INIT_ACK

	creator.send(Envelope{Action: ActionCreateMeeting})
	createAck := creator.recv()
	if createAck.Action != ActionCreateAck || createAck.MeetingID == "" {
		t.Fatalf("CREATE_MEETING_ACK = %+v", createAck)
	}

	member := newTestClient(t, hub)
	defer member.conn.Close()
	memberID := uuid.New()
	member.send(Envelope{Action: ActionInit, ClientID: memberID.String()})
	member.recv() // INIT_ACK

	member.send(Envelope{Action: ActionJoinMeeting, MeetingID: createAck.MeetingID})
	joinAck := member.recv()
	if joinAck.Action != ActionJoinAck {
		t.Fatalf("action = %v, want JOIN_MEETING_ACK", joinAck.Action)
	}
	if len(joinAck.Participants) != 2 {
		t.Fatalf("participants = %v, want 2", joinAck.Participants)
	}

	creator.send(Envelope{Action: ActionCheckMeetingAll})
	list := creator.recv()
	if list.Action != ActionMeetingList || len(list.Meetings) != 1 {
		t.Fatalf("MEETING_LIST = %+v", list)
	}
	// No topology.Controller is wired into this test, and even with one
	// running, promotion to p2p requires both participants' media
	// endpoints to be attached via REGISTER_RTP, which hasn't happened
	// here: the conference stays at its creation-time topology.
	if list.Meetings[0].Topology != registry.TopologyIdle.String() {
		t.Fatalf("topology = %q, want %q", list.Meetings[0].Topology, registry.TopologyIdle.String())
	}
}

func TestJoinSameMeetingTwiceIsError(t *testing.T) {
	hub := NewHub(registry.New(nil, 16), nil)
	c := newTestClient(t, hub)
	defer c.conn.Close()
	c.send(Envelope{Action: ActionInit})
	c.recv()

	c.send(Envelope{Action: ActionCreateMeeting})
	createAck := c.recv()

	c.send(Envelope{Action: ActionJoinMeeting, MeetingID: createAck.MeetingID})
	reply := c.recv()
	if reply.Action != ActionError {
		t.Fatalf("action = %v, want ERROR for rejoining the same meeting", reply.Action)
	}
}

func TestCancelRequiresCreator(t *testing.T) {
	hub := NewHub(registry.New(nil, 16), nil)
	creator := newTestClient(t, hub)
	defer creator.conn.Close()
	creator.send(Envelope{Action: ActionInit})
	creator.recv()
	creator.send(Envelope{Action: ActionCreateMeeting})
	createAck := creator.recv()

	member := newTestClient(t, hub)
	defer member.conn.Close()
	member.send(Envelope{Action: ActionInit})
	member.recv()
	member.send(Envelope{Action: ActionJoinMeeting, MeetingID: createAck.MeetingID})
	member.recv()

	member.send(Envelope{Action: ActionCancelMeeting, MeetingID: createAck.MeetingID})
	reply := member.recv()
	if reply.Action != ActionError {
		t.Fatalf("action = %v, want ERROR when a non-creator cancels", reply.Action)
	}

	creator.send(Envelope{Action: ActionCancelMeeting, MeetingID: createAck.MeetingID})
	cancelMsg := creator.recv()
	if cancelMsg.Action != ActionMeetingCanceled {
		t.Fatalf("action = %v, want MEETING_CANCELED broadcast to the creator too", cancelMsg.Action)
	}
}
