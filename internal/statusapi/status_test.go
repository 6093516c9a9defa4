package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/coderelay/meetrelay/internal/registry"
)

func TestHandleStatusReportsMeetingsAndTopology(t *testing.T) {
	reg := registry.New(nil, 16)
	a, b := uuid.New(), uuid.New()
	id := reg.CreateConference(a)
	reg.Join(id, b)
	reg.SetTopology(id, registry.TopologyP2P)

	s := New(reg, func() RelayStats {
		return RelayStats{DroppedMalformed: 3}
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Meetings) != 1 {
		t.Fatalf("meetings = %d, want 1", len(resp.Meetings))
	}
	if resp.Meetings[0].Topology != registry.TopologyP2P.String() {
		t.Fatalf("topology = %q, want %q", resp.Meetings[0].Topology, registry.TopologyP2P.String())
	}
	if len(resp.Meetings[0].Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(resp.Meetings[0].Participants))
	}
	if resp.Relay.DroppedMalformed != 3 {
		t.Fatalf("relay.dropped_malformed = %d, want 3", resp.Relay.DroppedMalformed)
	}
}

func TestHandleRootIsLive(t *testing.T) {
	reg := registry.New(nil, 16)
	s := New(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleStatusWithoutRelayFn(t *testing.T) {
	reg := registry.New(nil, 16)
	s := New(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
