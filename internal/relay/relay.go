// Package relay is the media plane: a single shared ingress UDP socket,
// a per-participant egress socket, and the dispatch logic that routes
// each datagram by the sender's conference topology — dropped in p2p
// mode, reassembled/composited or passed through in relay mode.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/coderelay/meetrelay/internal/codec"
	"github.com/coderelay/meetrelay/internal/compositor"
	"github.com/coderelay/meetrelay/internal/mixer"
	"github.com/coderelay/meetrelay/internal/reassembly"
	"github.com/coderelay/meetrelay/internal/registry"
)

// ServerSyntheticID tags media the relay emits on behalf of the
// conference itself (composited video, mixed audio) rather than
// forwarding on behalf of one sender.
var ServerSyntheticID = uuid.UUID{}

// Config holds the relay's tunable knobs.
type Config struct {
	IngressAddr      string
	EgressStartPort  int
	CompositeCadence time.Duration
	ReassemblyTTL    time.Duration
	CellWidth        int
	CellHeight       int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		IngressAddr:      ":5555",
		EgressStartPort:  16000,
		CompositeCadence: time.Second / compositor.DefaultCadence,
		ReassemblyTTL:    reassembly.TTL,
		CellWidth:        compositor.DefaultCellWidth,
		CellHeight:       compositor.DefaultCellHeight,
	}
}

type conferenceState struct {
	compositor *compositor.Compositor
	mixer      *mixer.Mixer

	ctx    context.Context // conference-scoped; parent of the composite ticker's
	cancel context.CancelFunc

	compositeCancel context.CancelFunc // nil while compositing is disengaged
}

// Relay owns the ingress socket, the egress pool, and per-conference
// relay-mode state (reassembly streams, compositor, mixer).
type Relay struct {
	log *slog.Logger
	cfg Config
	reg *registry.Registry

	egress     *egressPool
	reassembly *reassembly.Manager

	mu    sync.Mutex
	confs map[registry.ConferenceID]*conferenceState

	ingressConn *net.UDPConn

	droppedMalformed   atomic.Int64
	droppedUnknown     atomic.Int64
	droppedP2P         atomic.Int64
	reassemblyTimeouts atomic.Int64
}

// Stats is a snapshot of the relay's data-plane drop counters.
type Stats struct {
	DroppedMalformed   int64
	DroppedUnknown     int64
	DroppedP2P         int64
	ReassemblyTimeouts int64
}

// Stats returns a snapshot of the relay's drop counters, for the status
// API.
func (r *Relay) Stats() Stats {
	return Stats{
		DroppedMalformed:   r.droppedMalformed.Load(),
		DroppedUnknown:     r.droppedUnknown.Load(),
		DroppedP2P:         r.droppedP2P.Load(),
		ReassemblyTimeouts: r.reassemblyTimeouts.Load(),
	}
}

// New constructs a Relay bound to reg. It does not start listening; call
// Run for that.
func New(cfg Config, reg *registry.Registry, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		log:   log,
		cfg:   cfg,
		reg:   reg,
		confs: make(map[registry.ConferenceID]*conferenceState),
	}
	r.egress = newEgressPool(cfg.EgressStartPort, log)
	r.reassembly = reassembly.NewManager(log, cfg.ReassemblyTTL, r.onReassemblyExpire)
	return r
}

func (r *Relay) onReassemblyExpire(senderID, conferenceID string) {
	r.reassemblyTimeouts.Add(1)
	r.log.Warn("reassembly TTL expired", "sender", senderID, "conference", conferenceID)
}

// BindEndpoint implements control.EndpointBinder: create or rebind the
// participant's egress socket once its media address is known.
func (r *Relay) BindEndpoint(conferenceID registry.ConferenceID, clientID uuid.UUID, addr registry.EndpointAddr) {
	if err := r.egress.bind(clientID, addr); err != nil {
		r.log.Error("relay: egress bind failed", "client_id", clientID, "err", err)
	}
}

// StartRelay implements topology.RelayLifecycle: begin per-conference
// relay-mode state, or reconcile an existing conference's compositing
// with the current forceComposite flag. Compositing/mixing tasks only
// run while forceComposite is set; otherwise the conference stays in
// passthrough fan-out. Idempotent, so the topology controller may call
// it again when CHANGE_CS_MODE_TO_SAME flips the flag under a
// conference that is already in relay topology.
func (r *Relay) StartRelay(conferenceID registry.ConferenceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, exists := r.confs[conferenceID]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		cs = &conferenceState{ctx: ctx, cancel: cancel}
		r.confs[conferenceID] = cs
		r.log.Info("relay started", "conference_id", conferenceID)
	}

	switch want := r.reg.ForceComposite(); {
	case want && cs.compositor == nil:
		cs.compositor = compositor.NewWithParams(r.log, r.cfg.CellWidth, r.cfg.CellHeight, compositor.DefaultQuality)
		cs.mixer = mixer.New()
		tickerCtx, tickerCancel := context.WithCancel(cs.ctx)
		cs.compositeCancel = tickerCancel
		go r.runCompositeTicker(tickerCtx, conferenceID, cs.compositor)
		r.log.Info("compositing engaged", "conference_id", conferenceID)
	case !want && cs.compositor != nil:
		cs.compositeCancel()
		cs.compositeCancel = nil
		cs.compositor = nil
		cs.mixer = nil
		r.log.Info("compositing disengaged", "conference_id", conferenceID)
	}
}

// StopRelay implements topology.RelayLifecycle: tear down per-conference
// relay-mode state. Cancellation is cooperative: the composite ticker
// goroutine observes ctx.Done() and exits within one tick period.
func (r *Relay) StopRelay(conferenceID registry.ConferenceID) {
	r.mu.Lock()
	cs, ok := r.confs[conferenceID]
	delete(r.confs, conferenceID)
	r.mu.Unlock()
	if !ok {
		return
	}
	cs.cancel()
	r.log.Info("relay stopped", "conference_id", conferenceID)
}

func (r *Relay) runCompositeTicker(ctx context.Context, conferenceID registry.ConferenceID, comp *compositor.Compositor) {
	limiter := rate.NewLimiter(rate.Every(r.cfg.CompositeCadence), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		frame := comp.Tick()
		if frame == nil {
			continue
		}
		r.fanOutFragmented(conferenceID, ServerSyntheticID, codec.PayloadTypeVideo, frame)
	}
}

// sweepLoop periodically sweeps reassembly state for TTL expiry. Run as
// one of the relay's supervised goroutines.
func (r *Relay) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReassemblyTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reassembly.SweepAll(time.Now())
		}
	}
}

// Run opens the ingress socket and serves datagrams until ctx is
// cancelled. The ingress loop and the TTL sweeper are supervised
// together so either's fatal error tears the other down.
func (r *Relay) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.IngressAddr)
	if err != nil {
		return fmt.Errorf("relay: resolve ingress addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen ingress: %w", err)
	}
	r.ingressConn = conn
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.ingressLoop(gctx, conn) })
	g.Go(func() error { return r.sweepLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (r *Relay) ingressLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, codec.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Debug("relay: ingress read error", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.handleDatagram(data)
	}
}

func (r *Relay) handleDatagram(data []byte) {
	h, payload, err := codec.Decode(data)
	if err != nil {
		r.droppedMalformed.Add(1)
		r.log.Debug("relay: malformed header", "err", err)
		return
	}

	conferenceID := registry.ConferenceID(h.ConferenceID)

	// Revalidate the sender-supplied conference id against the Registry
	// rather than trusting it.
	actual, inConf := r.reg.ConferenceOf(h.ClientID)
	if !inConf || actual != conferenceID {
		r.droppedUnknown.Add(1)
		return
	}
	conf := r.reg.Get(conferenceID)
	if conf == nil {
		r.droppedUnknown.Add(1)
		return
	}

	switch conf.CurrentTopology() {
	case registry.TopologyP2P:
		// Endpoints are expected to bypass the relay entirely in p2p
		// mode; stray media after STOP_P2P is dropped here.
		r.droppedP2P.Add(1)
	case registry.TopologyRelay:
		if h.PayloadType == codec.PayloadTypeVideo {
			r.handleVideo(conf, h, payload)
		} else {
			r.handleAudio(conf, h, payload)
		}
	default:
		// idle: no other participant to relay to.
	}
}

func (r *Relay) handleVideo(conf *registry.Conference, h codec.Header, payload []byte) {
	stream := r.reassembly.Stream(h.ClientID.String(), string(conf.ID))
	result := stream.Ingest(h, payload, time.Now())
	if result.Outcome != reassembly.Complete {
		return
	}

	// Composite dispatch needs both the flag and an engaged compositor;
	// in the window between the flag flipping and the topology controller
	// reconciling, frames keep flowing via passthrough instead of
	// silently vanishing.
	if r.reg.ForceComposite() && conf.Count() >= 3 {
		if cs := r.conferenceState(conf.ID); cs != nil && cs.compositor != nil {
			cs.compositor.Ingest(h.ClientID, result.Frame)
			return
		}
	}

	r.fanOutExcluding(conf, h.ClientID, codec.PayloadTypeVideo, result.Frame)
}

func (r *Relay) handleAudio(conf *registry.Conference, h codec.Header, payload []byte) {
	if r.reg.ForceComposite() && conf.Count() >= 3 {
		if cs := r.conferenceState(conf.ID); cs != nil && cs.mixer != nil {
			mixed := cs.mixer.Ingest(h.ClientID, payload, h.Timestamp)
			if mixed != nil {
				r.fanOutFragmented(conf.ID, ServerSyntheticID, codec.PayloadTypeAudio, mixed)
			}
			return
		}
	}

	r.fanOutExcluding(conf, h.ClientID, codec.PayloadTypeAudio, payload)
}

// Cleanup implements topology.RelayLifecycle: drop every piece of
// per-participant media-plane state the relay owns for clientID — its
// egress socket, reassembly stream, and any compositor/mixer slot.
func (r *Relay) Cleanup(conferenceID registry.ConferenceID, clientID uuid.UUID) {
	r.egress.remove(clientID)
	r.reassembly.RemoveStream(clientID.String(), string(conferenceID))
	if cs := r.conferenceState(conferenceID); cs != nil {
		if cs.compositor != nil {
			cs.compositor.RemoveSender(clientID)
		}
		if cs.mixer != nil {
			cs.mixer.RemoveSender(clientID)
		}
	}
}

func (r *Relay) conferenceState(id registry.ConferenceID) *conferenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confs[id]
}
