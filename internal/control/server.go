package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// path is the single HTTP/3 endpoint upgraded to a WebTransport
// session; clients dial bare "https://"+addr with no path suffix.
const path = "/"

// Server accepts WebTransport sessions over HTTP/3 and hands each one
// to a Hub.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	hub       *Hub
	wt        webtransport.Server
}

// NewServer constructs a control Server listening on addr.
func NewServer(addr string, tlsConfig *tls.Config, hub *Hub) *Server {
	s := &Server{addr: addr, tlsConfig: tlsConfig, hub: hub}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)
	s.wt = webtransport.Server{
		H3: &http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
	}
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	session, err := s.wt.Upgrade(w, r)
	if err != nil {
		http.Error(w, "webtransport upgrade failed", http.StatusInternalServerError)
		return
	}
	go s.serveSession(r.Context(), session)
}

func (s *Server) serveSession(ctx context.Context, session *webtransport.Session) {
	defer session.CloseWithError(0, "bye")

	ctrl, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}
	defer ctrl.Close()

	s.hub.Accept(ctx, ctrl)
}

// Run starts the HTTP/3 listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("control: listen on %s: %w", s.addr, err)
}
