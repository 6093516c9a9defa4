// Command relayd runs the conference coordinator: the control session
// listener, the topology controller, and the media relay.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coderelay/meetrelay/internal/compositor"
	"github.com/coderelay/meetrelay/internal/control"
	"github.com/coderelay/meetrelay/internal/reassembly"
	"github.com/coderelay/meetrelay/internal/registry"
	"github.com/coderelay/meetrelay/internal/relay"
	"github.com/coderelay/meetrelay/internal/statusapi"
	"github.com/coderelay/meetrelay/internal/topology"
)

func main() {
	controlAddr := flag.String("control-addr", ":8443", "QUIC/WebTransport control listen address")
	statusAddr := flag.String("status-addr", ":8080", "read-only status HTTP listen address (empty to disable)")
	ingressAddr := flag.String("media-addr", ":5555", "UDP media ingress listen address")
	egressStartPort := flag.Int("egress-start-port", 16000, "first local port tried for per-participant egress sockets")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	compositeCadence := flag.Int("composite-fps", compositor.DefaultCadence, "composited video frame cadence")
	cellWidth := flag.Int("cell-width", compositor.DefaultCellWidth, "composited grid cell width in pixels")
	cellHeight := flag.Int("cell-height", compositor.DefaultCellHeight, "composited grid cell height in pixels")
	reassemblyTTL := flag.Duration("reassembly-ttl", reassembly.TTL, "partial frame expiry")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "control session heartbeat interval")
	heartbeatStrikes := flag.Int("heartbeat-strikes", 3, "missed heartbeats tolerated before closing a session")
	eventBuffer := flag.Int("event-buffer", 256, "registry event channel buffer size")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*controlAddr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[relayd] tls: %v", err)
	}
	logger.Info("tls certificate generated", "fingerprint", fingerprint)

	reg := registry.New(logger, *eventBuffer)
	hub := control.NewHub(reg, logger)
	hub.SetHeartbeat(*heartbeatInterval, *heartbeatStrikes)
	topo := topology.New(reg, logger)

	relayCfg := relay.DefaultConfig()
	relayCfg.IngressAddr = *ingressAddr
	relayCfg.EgressStartPort = *egressStartPort
	relayCfg.CompositeCadence = time.Second / time.Duration(*compositeCadence)
	relayCfg.ReassemblyTTL = *reassemblyTTL
	relayCfg.CellWidth = *cellWidth
	relayCfg.CellHeight = *cellHeight
	mediaRelay := relay.New(relayCfg, reg, logger)

	// Wire the cyclic collaborators: Hub needs the topology controller
	// for CHANGE_CS_MODE_TO_SAME and the relay for REGISTER_RTP binds;
	// the topology controller needs the Hub to push directives and the
	// relay to start/stop compositing.
	hub.SetBinder(mediaRelay)
	hub.SetTopologyNotifier(topo)
	topo.SetDispatcher(hub)
	topo.SetRelay(mediaRelay)

	controlServer := control.NewServer(*controlAddr, tlsConfig, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		topo.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return mediaRelay.Run(gctx)
	})
	g.Go(func() error {
		return controlServer.Run(gctx)
	})

	if *statusAddr != "" {
		statusServer := statusapi.New(reg, func() statusapi.RelayStats {
			s := mediaRelay.Stats()
			return statusapi.RelayStats{
				DroppedMalformed:   s.DroppedMalformed,
				DroppedUnknown:     s.DroppedUnknown,
				DroppedP2P:         s.DroppedP2P,
				ReassemblyTimeouts: s.ReassemblyTimeouts,
			}
		})
		g.Go(func() error {
			return statusServer.Run(*statusAddr)
		})
		g.Go(func() error {
			<-gctx.Done()
			return statusServer.Shutdown()
		})
		logger.Info("status api listening", "addr", *statusAddr)
	}

	logger.Info("relayd starting", "control_addr", *controlAddr, "media_addr", *ingressAddr)
	if err := g.Wait(); err != nil {
		log.Fatalf("[relayd] %v", err)
	}
}
