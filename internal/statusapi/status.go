// Package statusapi exposes a minimal read-only Echo HTTP surface for
// operators: a liveness root route and a JSON snapshot of conference
// and relay counters. The control protocol itself lives on the
// WebTransport/QUIC listener in internal/control.
package statusapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coderelay/meetrelay/internal/registry"
)

// RelayStats is the subset of *relay.Relay's counters the status page
// reports. Defined here rather than importing internal/relay so this
// package stays a leaf: its only real dependency is the registry.
type RelayStats struct {
	DroppedMalformed   int64
	DroppedUnknown     int64
	DroppedP2P         int64
	ReassemblyTimeouts int64
}

// Server is the Echo application serving the status surface.
type Server struct {
	echo    *echo.Echo
	reg     *registry.Registry
	relayFn func() RelayStats
}

// New constructs a status Server. relayFn adapts the relay's counter
// snapshot (a different concrete type) into RelayStats; cmd/relayd
// wires the conversion closure so this package needn't import
// internal/relay.
func New(reg *registry.Registry, relayFn func() RelayStats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Use(middleware.Recover())

	s := &Server{echo: e, reg: reg, relayFn: relayFn}
	e.GET("/", s.handleRoot)
	e.GET("/status", s.handleStatus)
	return s
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "meetrelay status")
}

type meetingStatus struct {
	MeetingID    string   `json:"meeting_id"`
	Topology     string   `json:"topology"`
	Participants []string `json:"participants"`
}

type statusResponse struct {
	ForceComposite bool            `json:"force_composite"`
	Meetings       []meetingStatus `json:"meetings"`
	Relay          RelayStats      `json:"relay"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{ForceComposite: s.reg.ForceComposite()}
	for _, id := range s.reg.List() {
		conf := s.reg.Get(id)
		if conf == nil {
			continue
		}
		parts := conf.Participants()
		ids := make([]string, len(parts))
		for i, p := range parts {
			ids[i] = p.ClientID.String()
		}
		resp.Meetings = append(resp.Meetings, meetingStatus{
			MeetingID:    string(id),
			Topology:     conf.CurrentTopology().String(),
			Participants: ids,
		})
	}
	if s.relayFn != nil {
		resp.Relay = s.relayFn()
	}
	return c.JSON(http.StatusOK, resp)
}

// Run starts the HTTP listener and blocks until Shutdown closes it.
func (s *Server) Run(addr string) error {
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener started by Run.
func (s *Server) Shutdown() error {
	return s.echo.Close()
}
