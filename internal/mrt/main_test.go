package mrt_test

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"testing"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/vif"
	"github.com/stretchr/testify/require"
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

func (f *fakeForwarder) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.installs)
}

var (
	addrLocal   = netip.MustParseAddr("10.0.0.1")
	addrNbr     = netip.MustParseAddr("10.0.0.2")
	addrNbr2    = netip.MustParseAddr("10.0.1.2")
	addrSource  = netip.MustParseAddr("10.1.1.1")
	addrRP      = netip.MustParseAddr("192.0.2.1")
	addrRP2     = netip.MustParseAddr("192.0.2.2")
	addrGroup   = netip.MustParseAddr("224.1.1.1")
	addrGroup2  = netip.MustParseAddr("239.1.1.1")
	vifUpstream = vif.Index(0)
	vifDown     = vif.Index(1)
	vifDown2    = vif.Index(2)
)

type harness struct {
	tbl  *mrt.Table
	vifs *vif.Table
	rpf  *fakeRPF
	fwd  *fakeForwarder
	rps  map[netip.Addr]netip.Addr
}

func newHarness(t *testing.T, mutate func(*mrt.Config)) *harness {
	t.Helper()
	vifs := vif.NewTable()
	for _, v := range []vif.Vif{
		{Name: "eth0", Addr: addrLocal, Subnet: netip.MustParsePrefix("10.0.0.0/24")},
		{Name: "eth1", Addr: netip.MustParseAddr("10.0.1.1"), Subnet: netip.MustParsePrefix("10.0.1.0/24")},
		{Name: "eth2", Addr: netip.MustParseAddr("10.0.2.1"), Subnet: netip.MustParsePrefix("10.0.2.0/24")},
	} {
		_, err := vifs.Add(v)
		require.NoError(t, err)
	}
	_, err := vifs.AddRegister(addrLocal)
	require.NoError(t, err)

	h := &harness{
		vifs: vifs,
		rpf: &fakeRPF{routes: map[netip.Addr]mrt.RPFInfo{
			addrSource: {IIF: vifUpstream, Upstream: addrNbr, Preference: 110, Metric: 20},
			addrRP:     {IIF: vifUpstream, Upstream: addrNbr, Preference: 110, Metric: 30},
			addrRP2:    {IIF: vifDown, Upstream: addrNbr2, Preference: 110, Metric: 10},
		}},
		fwd: &fakeForwarder{},
		rps: map[netip.Addr]netip.Addr{addrGroup: addrRP},
	}
	cfg := mrt.Config{
		Logger:    newTestLogger(t),
		Vifs:      vifs,
		RPF:       h.rpf,
		Forwarder: h.fwd,
		RPFor: func(g netip.Addr) (netip.Addr, bool) {
			rp, ok := h.rps[g]
			return rp, ok
		},
		IsRP: func(a netip.Addr) bool { return a == addrRP || a == addrRP2 || a == addrLocal },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tbl, err := mrt.New(cfg)
	require.NoError(t, err)
	h.tbl = tbl
	return h
}
