package router

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/rp"
	"github.com/malbeclabs/pimd/internal/timer"
	"github.com/malbeclabs/pimd/internal/transport"
	"github.com/malbeclabs/pimd/internal/vif"
)

// Protocol timers.
const (
	TimerInterval              = 5 * time.Second
	HelloPeriod                = 30 * time.Second
	HelloHoldtime              = 105 * time.Second
	TriggeredHelloDelay        = 5 * time.Second
	JoinPrunePeriod            = 60 * time.Second
	JoinPruneHoldtime          = 210 * time.Second
	RandomDelayJoinTimeout     = 4500 * time.Millisecond
	JoinPruneOverride          = 3 * time.Second
	DataTimeout                = 210 * time.Second
	AssertTimeout              = 180 * time.Second
	AssertRateInterval         = 3 * time.Second
	RegisterSuppressionTimeout = 60 * time.Second
	RegisterProbeTime          = 5 * time.Second
	BootstrapPeriod            = 60 * time.Second
	BootstrapTimeout           = 130 * time.Second
	CandRPAdvPeriod            = 60 * time.Second
	CandRPHoldtime             = 150 * time.Second
)

const (
	DefaultPreference    = 101
	DefaultMetric        = 1024
	DefaultMaxNeighbors  = 256
	DefaultRegisterRate  = 50
	DefaultRegisterBurst = 10

	// LAN Prune Delay option values advertised in our Hellos, in ms.
	helloPropDelay        = 500
	helloOverrideInterval = 2500

	// bootstrapMaxSize caps an originated Bootstrap fragment, header included.
	bootstrapMaxSize = 1400
	// bootstrapKeep bounds the fragments kept for new neighbors.
	bootstrapKeep = 64
)

var DefaultSSMRange = netip.MustParsePrefix("232.0.0.0/8")

var (
	ErrNotNeighbor      = errors.New("router: sender is not a pim neighbor")
	ErrTooManyNeighbors = errors.New("router: too many neighbors on interface")
	ErrUnknownInterface = errors.New("router: packet from unknown interface")
	ErrNotRP            = errors.New("router: not the rp for group")
	ErrNotDR            = errors.New("router: not the dr on interface")
)

// Sender transmits an encoded PIM message. A nil vif sends a routed unicast.
type Sender interface {
	Send(v *vif.Vif, dst netip.Addr, payload []byte) error
}

type CandRPConfig struct {
	Addr     netip.Addr
	Priority uint8
	Interval time.Duration
	Holdtime time.Duration
	Groups   []netip.Prefix
}

type CandBSRConfig struct {
	Addr        netip.Addr
	Priority    uint8
	HashMaskLen uint8
}

type StaticRP struct {
	Addr     netip.Addr
	Priority uint8
	Groups   []netip.Prefix
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Vifs      *vif.Table
	RPF       mrt.RPFOracle
	Forwarder mrt.Forwarder
	Sender    Sender
	Metrics   *Metrics

	MaxRoutes    int
	MaxNeighbors int
	SSMRange     netip.Prefix

	CandRP    *CandRPConfig
	CandBSR   *CandBSRConfig
	StaticRPs []StaticRP

	// RegisterRate caps Register encapsulation per (S,G), in packets/s.
	RegisterRate  rate.Limit
	RegisterBurst int

	// DefaultPreference and DefaultMetric are advertised in Asserts for
	// entries whose unicast route carries none.
	DefaultPreference uint32
	DefaultMetric     uint32

	// Jitter returns a uniform random duration in [0, max]. Tests replace it.
	Jitter func(max time.Duration) time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Vifs == nil {
		return errors.New("vif table is required")
	}
	if c.RPF == nil {
		return errors.New("rpf oracle is required")
	}
	if c.Forwarder == nil {
		return errors.New("forwarder is required")
	}
	if c.Sender == nil {
		return errors.New("sender is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.MaxNeighbors == 0 {
		c.MaxNeighbors = DefaultMaxNeighbors
	}
	if c.MaxNeighbors < 0 {
		return errors.New("max neighbors must be greater than 0")
	}
	if !c.SSMRange.IsValid() {
		c.SSMRange = DefaultSSMRange
	}
	if c.RegisterRate == 0 {
		c.RegisterRate = DefaultRegisterRate
	}
	if c.RegisterBurst == 0 {
		c.RegisterBurst = DefaultRegisterBurst
	}
	if c.DefaultPreference == 0 {
		c.DefaultPreference = DefaultPreference
	}
	if c.DefaultMetric == 0 {
		c.DefaultMetric = DefaultMetric
	}
	if c.Jitter == nil {
		c.Jitter = uniformJitter
	}
	if crp := c.CandRP; crp != nil {
		if !crp.Addr.Is4() {
			return errors.New("candidate rp address must be ipv4")
		}
		if crp.Interval == 0 {
			crp.Interval = CandRPAdvPeriod
		}
		if crp.Holdtime == 0 {
			crp.Holdtime = CandRPHoldtime
		}
		if len(crp.Groups) == 0 {
			crp.Groups = []netip.Prefix{rp.AllMulticast}
		}
	}
	if cb := c.CandBSR; cb != nil {
		if !cb.Addr.Is4() {
			return errors.New("candidate bsr address must be ipv4")
		}
		if cb.HashMaskLen == 0 {
			cb.HashMaskLen = rp.DefaultHashMaskLen
		}
		if cb.HashMaskLen > 32 {
			return errors.New("hash mask length must be at most 32")
		}
	}
	for _, s := range c.StaticRPs {
		if !s.Addr.Is4() {
			return fmt.Errorf("static rp %s must be ipv4", s.Addr)
		}
	}
	return nil
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return mrand.N(max + 1)
}

type eventKind int

const (
	evOverrideJoin eventKind = iota + 1
	evTriggeredHello
)

type event struct {
	kind  eventKind
	route mrt.RouteID
	src   netip.Addr
	vif   vif.Index
}

type sgKey struct {
	src, grp netip.Addr
}

// ifState is the per-interface protocol state.
type ifState struct {
	helloTimer timer.Countdown
	neighbors  []*Neighbor
	helloEvent timer.Handle
}

// Router is the PIM-SM protocol engine. Every exported method serializes on
// one router-wide lock, so handlers never interleave.
type Router struct {
	log     *slog.Logger
	cfg     *Config
	clock   clockwork.Clock
	metrics *Metrics

	mu      sync.Mutex
	started bool
	vifs    *vif.Table
	mrt     *mrt.Table
	rps     *rp.Set
	ifaces  map[vif.Index]*ifState
	bsr     bsrState
	frags   *ttlcache.Cache[fragKey, *partialGroup]
	jp      *jpBuilder
	events  *timer.Queue[event]

	overrides    map[overrideKey]timer.Handle
	upstreamWins map[mrt.RouteID]assertMetric
	registering  map[sgKey]*rate.Limiter
	probing      map[mrt.RouteID]bool
	crpTimer     timer.Countdown
	sendErrWarn  throttle
}

func New(cfg *Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating router config: %w", err)
	}
	r := &Router{
		log:     cfg.Logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,

		vifs:   cfg.Vifs,
		rps:    rp.NewSet(),
		ifaces: make(map[vif.Index]*ifState),
		frags:  ttlcache.New(
			ttlcache.WithTTL[fragKey, *partialGroup](BootstrapTimeout),
			ttlcache.WithDisableTouchOnHit[fragKey, *partialGroup](),
		),
		events: timer.NewQueue[event](),

		overrides:    make(map[overrideKey]timer.Handle),
		upstreamWins: make(map[mrt.RouteID]assertMetric),
		registering:  make(map[sgKey]*rate.Limiter),
		probing:      make(map[mrt.RouteID]bool),
		sendErrWarn:  throttle{every: 5 * time.Second},
	}
	r.jp = newJPBuilder(r.sendJoinPrune)

	tbl, err := mrt.New(mrt.Config{
		Logger:    cfg.Logger,
		Vifs:      cfg.Vifs,
		RPF:       cfg.RPF,
		Forwarder: cfg.Forwarder,
		MaxRoutes: cfg.MaxRoutes,
		RPFor: func(g netip.Addr) (netip.Addr, bool) {
			e, ok := r.rps.Match(g)
			return e.RP, ok
		},
		IsRP:         r.rps.IsRP,
		OnKernelSync: func() { r.metrics.KernelSyncs.Inc() },
	})
	if err != nil {
		return nil, err
	}
	r.mrt = tbl
	return r, nil
}

// Start brings every enabled interface up: a fresh GenID, ourselves as DR
// until a neighbor says otherwise and a first Hello. Static RPs and the
// candidate roles are armed here.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true

	for _, v := range r.vifs.All() {
		if v.Register || v.Disabled {
			continue
		}
		v.GenID = rand32()
		if v.DRPriority == 0 {
			v.DRPriority = 1
		}
		v.DR = v.Addr
		st := r.iface(v.Index)
		r.sendHello(v, HelloHoldtime)
		st.helloTimer.Set(HelloPeriod)
		r.log.Info("router: interface up", "iface", v.Name, "addr", v.Addr, "genid", v.GenID)
	}

	for _, s := range r.cfg.StaticRPs {
		groups := s.Groups
		if len(groups) == 0 {
			groups = []netip.Prefix{rp.AllMulticast}
		}
		for _, g := range groups {
			r.addRPEntry(s.Addr, g, s.Priority, 0, 0, true)
		}
	}
	if cb := r.cfg.CandBSR; cb != nil {
		r.bsr.candidate = true
		r.bsr.timer.Set(BootstrapTimeout)
	}
	if r.cfg.CandRP != nil {
		r.crpTimer.Set(TimerInterval)
	}
	r.remap()
	r.jp.flushAll()
	return nil
}

// Shutdown sends goodbye Hellos so neighbors re-elect without waiting for
// our holdtime, and prunes every joined tree upstream.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	for _, rt := range r.mrt.Routes() {
		if r.decide(rt) == ActionJoin {
			r.queuePrune(rt)
		}
	}
	r.jp.flushAll()
	for _, v := range r.vifs.All() {
		if v.Register || v.Disabled {
			continue
		}
		r.sendHello(v, 0)
	}
	r.frags.DeleteAll()
	r.started = false
	r.log.Info("router: shutdown complete")
}

// Run drives the router until ctx is done or packets closes: inbound packets
// are dispatched one at a time, every TimerInterval all timers are aged and
// queued events run when due.
func (r *Router) Run(ctx context.Context, packets <-chan transport.Packet) error {
	ticker := r.clock.NewTicker(TimerInterval)
	defer ticker.Stop()
	events := r.clock.NewTimer(TimerInterval)
	defer events.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				return nil
			}
			if err := r.HandlePacket(p); err != nil {
				r.log.Debug("router: dropped packet", "src", p.Src, "error", err)
			}
		case <-ticker.Chan():
			r.Tick(TimerInterval)
		case <-events.Chan():
		}
		events.Reset(r.RunDue())
	}
}

// RunDue runs every queued event that is due and returns the time until the
// next one.
func (r *Router) RunDue() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for {
		ev, ok, wait := r.events.PopIfDue(now)
		if !ok {
			r.jp.flushAll()
			if wait < 0 {
				return TimerInterval
			}
			return wait
		}
		r.runEvent(ev)
	}
}

func (r *Router) runEvent(ev event) {
	switch ev.kind {
	case evOverrideJoin:
		r.runOverride(ev)
	case evTriggeredHello:
		st := r.iface(ev.vif)
		st.helloEvent = 0
		if v, ok := r.vifs.Get(ev.vif); ok && !v.Disabled {
			r.sendHello(v, HelloHoldtime)
			st.helloTimer.Set(HelloPeriod)
		}
	}
}

func (r *Router) schedule(after time.Duration, ev event) timer.Handle {
	return r.events.Push(r.clock.Now().Add(after), ev)
}

// HandlePacket decodes one PIM message and dispatches it by type. Malformed
// messages are counted and dropped before any state is touched.
func (r *Router) HandlePacket(p transport.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()

	hdr, body, err := pim.Decode(p.Payload)
	if err != nil {
		r.metrics.PacketsInvalid.WithLabelValues(invalidReason(err)).Inc()
		return fmt.Errorf("error decoding packet from %s: %w", p.Src, err)
	}
	r.metrics.PacketsRX.WithLabelValues(hdr.Type.String()).Inc()
	start := r.clock.Now()
	defer func() {
		r.metrics.HandleRxDuration.WithLabelValues(hdr.Type.String()).Observe(r.clock.Since(start).Seconds())
	}()

	if r.vifs.IsLocal(p.Src) {
		return nil
	}
	v, ok := r.vifs.ByIfIndex(p.IfIndex)
	if !ok {
		switch hdr.Type {
		case pim.Register, pim.RegisterStop, pim.CandidateRPAdvertisement:
		default:
			r.metrics.PacketsInvalid.WithLabelValues("unknown_interface").Inc()
			return fmt.Errorf("%w: ifindex %d", ErrUnknownInterface, p.IfIndex)
		}
	} else if v.Disabled {
		return nil
	}

	switch m := body.(type) {
	case *pim.HelloMessage:
		err = r.handleHello(v, p.Src, m)
	case *pim.JoinPruneMessage:
		err = r.handleJoinPrune(v, p.Src, m)
	case *pim.AssertMessage:
		err = r.handleAssert(v, p.Src, m)
	case *pim.RegisterMessage:
		err = r.handleRegister(p.Src, m)
	case *pim.RegisterStopMessage:
		err = r.handleRegisterStop(p.Src, m)
	case *pim.BootstrapMessage:
		err = r.handleBootstrap(v, p.Src, p.Dst, p.Payload, m)
	case *pim.CandidateRPAdvMessage:
		err = r.handleCandRPAdv(p.Src, m)
	}
	if errors.Is(err, ErrNotNeighbor) {
		r.metrics.PacketsInvalid.WithLabelValues("not_neighbor").Inc()
	}
	return err
}

func invalidReason(err error) string {
	switch {
	case errors.Is(err, pim.ErrBadChecksum):
		return "checksum"
	case errors.Is(err, pim.ErrBadVersion):
		return "version"
	case errors.Is(err, pim.ErrShortPacket):
		return "short"
	case errors.Is(err, pim.ErrBadLength):
		return "length"
	case errors.Is(err, pim.ErrUnsupportedFamily):
		return "family"
	case errors.Is(err, pim.ErrUnsupportedType):
		return "type"
	default:
		return "other"
	}
}

func (r *Router) iface(i vif.Index) *ifState {
	st, ok := r.ifaces[i]
	if !ok {
		st = &ifState{}
		r.ifaces[i] = st
	}
	return st
}

// send encodes body and transmits it, counting and throttling failures.
func (r *Router) send(v *vif.Vif, dst netip.Addr, body pim.Body) {
	payload, err := pim.Serialize(body)
	if err != nil {
		r.log.Error("router: error encoding message", "type", body.MessageType(), "error", err)
		return
	}
	r.sendRaw(v, dst, body.MessageType(), payload)
}

func (r *Router) sendRaw(v *vif.Vif, dst netip.Addr, typ pim.MessageType, payload []byte) {
	if err := r.cfg.Sender.Send(v, dst, payload); err != nil {
		r.metrics.SendErrors.WithLabelValues(typ.String()).Inc()
		if r.sendErrWarn.allow(r.clock.Now()) {
			r.log.Warn("router: error sending message", "type", typ, "dst", dst, "error", err)
		}
		return
	}
	r.metrics.PacketsTX.WithLabelValues(typ.String()).Inc()
}

func (r *Router) isSSM(group netip.Addr) bool {
	return r.cfg.SSMRange.Contains(group)
}

// isLocalRP reports whether this router is the active RP for group.
func (r *Router) isLocalRP(group netip.Addr) (netip.Addr, bool) {
	e, ok := r.rps.Match(group)
	if !ok {
		return netip.Addr{}, false
	}
	return e.RP, r.vifs.IsLocal(e.RP)
}

// throttle allows one event per interval.
type throttle struct {
	every time.Duration
	last  time.Time
}

func (t *throttle) allow(now time.Time) bool {
	if now.Sub(t.last) < t.every {
		return false
	}
	t.last = now
	return true
}

func rand32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}
