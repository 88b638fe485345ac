package router

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/rp"
	"github.com/malbeclabs/pimd/internal/transport"
	"github.com/malbeclabs/pimd/internal/vif"
)

var (
	debugFlag = flag.Bool("debug", false, "enable debug logging")
	quietFlag = flag.Bool("quiet", false, "disable logging")
)

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

type testWriter struct {
	t  *testing.T
	mu sync.Mutex
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.t.Logf("%s", p)
	return len(p), nil
}

func newTestLogger(t *testing.T) *slog.Logger {
	var w io.Writer = &testWriter{t: t}
	if *quietFlag {
		w = io.Discard
	}
	level := slog.LevelInfo
	if *debugFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

var (
	addrLocal0  = netip.MustParseAddr("10.0.0.1")
	addrLocal1  = netip.MustParseAddr("10.0.1.1")
	addrLocal2  = netip.MustParseAddr("10.0.2.1")
	addrUp      = netip.MustParseAddr("10.0.0.2")
	addrPeer    = netip.MustParseAddr("10.0.0.3")
	addrDown    = netip.MustParseAddr("10.0.1.2")
	addrDown2   = netip.MustParseAddr("10.0.1.3")
	addrSource  = netip.MustParseAddr("10.1.1.1")
	addrHost    = netip.MustParseAddr("10.0.2.50")
	addrRP      = netip.MustParseAddr("192.0.2.1")
	addrRP2     = netip.MustParseAddr("192.0.2.2")
	addrBSR     = netip.MustParseAddr("192.0.2.100")
	addrGroup   = netip.MustParseAddr("224.1.1.1")
	addrGroupB  = netip.MustParseAddr("239.1.1.1")
	addrSSM     = netip.MustParseAddr("232.1.1.1")
	addrRemote  = netip.MustParseAddr("10.9.9.9")
	vifUp       = vif.Index(0)
	vifDown     = vif.Index(1)
	vifHosts    = vif.Index(2)
	ifIndexUp   = 10
	ifIndexDown = 11
	ifIndexHost = 12
)

var cmpOpts = []cmp.Option{
	cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}),
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreTypes(layers.BaseLayer{}),
}

type fakeRPF struct {
	mu     sync.Mutex
	routes map[netip.Addr]mrt.RPFInfo
}

func (f *fakeRPF) Lookup(addr netip.Addr) (mrt.RPFInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.routes[addr]
	if !ok {
		return mrt.RPFInfo{}, errors.New("no route")
	}
	return info, nil
}

func (f *fakeRPF) set(addr netip.Addr, info mrt.RPFInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[addr] = info
}

type installCall struct {
	Src, Grp netip.Addr
	IIF      vif.Index
	Oifs     vif.Set
}

type fakeForwarder struct {
	mu       sync.Mutex
	installs []installCall
	removes  []mrt.KernelCache
	counts   map[mrt.KernelCache]uint64
}

func (f *fakeForwarder) InstallForwarding(src, grp netip.Addr, iif vif.Index, oifs vif.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, installCall{src, grp, iif, oifs})
	return nil
}

func (f *fakeForwarder) RemoveForwarding(src, grp netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, mrt.KernelCache{Source: src, Group: grp})
	return nil
}

func (f *fakeForwarder) PacketCount(src, grp netip.Addr) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[mrt.KernelCache{Source: src, Group: grp}], nil
}

// forward advances the kernel packet counter of (src, grp) by n.
func (f *fakeForwarder) forward(src, grp netip.Addr, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[mrt.KernelCache]uint64)
	}
	f.counts[mrt.KernelCache{Source: src, Group: grp}] += n
}

func (f *fakeForwarder) last() (installCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.installs) == 0 {
		return installCall{}, false
	}
	return f.installs[len(f.installs)-1], true
}

// sentMsg is one message handed to the sender, decoded back.
type sentMsg struct {
	Vif  string
	Dst  netip.Addr
	Type pim.MessageType
	Body gopacket.Layer
	Raw  []byte
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sentMsg
	err  error
}

func (f *fakeSender) Send(v *vif.Vif, dst netip.Addr, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	raw := slices.Clone(payload)
	hdr, body, err := pim.Decode(raw)
	if err != nil {
		return err
	}
	name := ""
	if v != nil {
		name = v.Name
	}
	f.msgs = append(f.msgs, sentMsg{Vif: name, Dst: dst, Type: hdr.Type, Body: body, Raw: raw})
	return nil
}

// take returns the messages sent so far and forgets them.
func (f *fakeSender) take() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

func ofType(msgs []sentMsg, t pim.MessageType) []sentMsg {
	var out []sentMsg
	for _, m := range msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// joinPrunes returns the Join/Prune messages among msgs.
func joinPrunes(msgs []sentMsg) []*pim.JoinPruneMessage {
	var out []*pim.JoinPruneMessage
	for _, m := range ofType(msgs, pim.JoinPrune) {
		out = append(out, m.Body.(*pim.JoinPruneMessage))
	}
	return out
}

type harness struct {
	r      *Router
	vifs   *vif.Table
	rpf    *fakeRPF
	fwd    *fakeForwarder
	sender *fakeSender
	clock  *clockwork.FakeClock

	// jitterFull makes every jittered delay take its maximum.
	jitterFull bool
}

// newHarness builds a started router with an upstream interface (eth0), a
// downstream router interface (eth1), a host LAN (eth2) and the register
// vif. 192.0.2.1 is the static RP for every group unless mutate says
// otherwise. The Hellos of Start are discarded.
func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	vifs := vif.NewTable()
	for _, v := range []vif.Vif{
		{Name: "eth0", IfIndex: ifIndexUp, Addr: addrLocal0, Subnet: netip.MustParsePrefix("10.0.0.0/24"), DRPriority: 1},
		{Name: "eth1", IfIndex: ifIndexDown, Addr: addrLocal1, Subnet: netip.MustParsePrefix("10.0.1.0/24"), DRPriority: 1},
		{Name: "eth2", IfIndex: ifIndexHost, Addr: addrLocal2, Subnet: netip.MustParsePrefix("10.0.2.0/24"), DRPriority: 1},
	} {
		_, err := vifs.Add(v)
		require.NoError(t, err)
	}
	_, err := vifs.AddRegister(addrLocal0)
	require.NoError(t, err)

	h := &harness{
		vifs: vifs,
		rpf: &fakeRPF{routes: map[netip.Addr]mrt.RPFInfo{
			addrSource: {IIF: vifUp, Upstream: addrUp, Preference: 110, Metric: 20},
			addrRP:     {IIF: vifUp, Upstream: addrUp, Preference: 110, Metric: 30},
			addrRP2:    {IIF: vifUp, Upstream: addrUp, Preference: 110, Metric: 40},
			addrBSR:    {IIF: vifUp, Upstream: addrUp, Preference: 110, Metric: 50},
			addrHost:   {IIF: vifHosts},
			addrRemote: {IIF: vifUp, Upstream: addrUp, Preference: 110, Metric: 60},
		}},
		fwd:    &fakeForwarder{},
		sender: &fakeSender{},
		clock:  clockwork.NewFakeClock(),
	}
	cfg := &Config{
		Logger:    newTestLogger(t),
		Clock:     h.clock,
		Vifs:      vifs,
		RPF:       h.rpf,
		Forwarder: h.fwd,
		Sender:    h.sender,
		MaxRoutes: 1024,
		StaticRPs: []StaticRP{{Addr: addrRP, Groups: []netip.Prefix{rp.AllMulticast}}},
		Jitter: func(max time.Duration) time.Duration {
			if h.jitterFull {
				return max
			}
			return 0
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	h.r = r
	require.NoError(t, r.Start())
	h.sender.take()
	return h
}

// recv feeds body to the router as if received on ifIndex.
func (h *harness) recv(ifIndex int, src, dst netip.Addr, body pim.Body) error {
	payload, err := pim.Serialize(body)
	if err != nil {
		return err
	}
	return h.r.HandlePacket(transport.Packet{Src: src, Dst: dst, IfIndex: ifIndex, Payload: payload})
}

// hello makes src a neighbor on ifIndex advertising priority.
func (h *harness) hello(t *testing.T, ifIndex int, src netip.Addr, priority uint32) {
	t.Helper()
	require.NoError(t, h.recv(ifIndex, src, pim.AllPIMRouters, &pim.HelloMessage{
		HasHoldtime:     true,
		Holdtime:        105,
		HasDRPriority:   true,
		DRPriority:      priority,
		HasGenerationID: true,
		GenerationID:    1,
	}))
}

// joinPrune sends a single-group Join/Prune from src on ifIndex.
func (h *harness) joinPrune(ifIndex int, src, upstream, grp netip.Addr, joins, prunes []pim.EncodedSource) error {
	return h.recv(ifIndex, src, pim.AllPIMRouters, &pim.JoinPruneMessage{
		UpstreamNeighbor: upstream,
		Holdtime:         210,
		Groups:           []pim.JoinPruneGroup{{Group: pim.NewEncodedGroup(grp), Joins: joins, Prunes: prunes}},
	})
}

// advance moves time forward in TimerInterval steps, ticking the router
// and running due events at each step.
func (h *harness) advance(d time.Duration) {
	for d > 0 {
		step := min(d, TimerInterval)
		h.clock.Advance(step)
		h.r.Tick(step)
		h.r.RunDue()
		d -= step
	}
}

// runEvents moves the clock without ticking protocol timers.
func (h *harness) runEvents(d time.Duration) {
	h.clock.Advance(d)
	h.r.RunDue()
}

func (h *harness) vif(i vif.Index) *vif.Vif {
	v, _ := h.vifs.Get(i)
	return v
}

func (h *harness) route(src, grp netip.Addr, kinds mrt.Kinds) *mrt.Route {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.mrt.Lookup(src, grp, kinds)
}

func wcSource(rpAddr netip.Addr) pim.EncodedSource {
	return pim.EncodedSource{Addr: rpAddr, Flags: pim.SparseBit | pim.WildCardBit | pim.RPTreeBit, MaskLen: 32}
}

func sgSource(src netip.Addr) pim.EncodedSource {
	return pim.EncodedSource{Addr: src, Flags: pim.SparseBit, MaskLen: 32}
}

func rptSource(src netip.Addr) pim.EncodedSource {
	return pim.EncodedSource{Addr: src, Flags: pim.SparseBit | pim.RPTreeBit, MaskLen: 32}
}
