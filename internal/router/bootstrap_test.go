package router

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/rp"
	"github.com/malbeclabs/pimd/internal/transport"
)

func bsrHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := newHarness(t, func(c *Config) {
		c.StaticRPs = nil
		if mutate != nil {
			mutate(c)
		}
	})
	h.hello(t, ifIndexUp, addrUp, 1)
	h.runEvents(TriggeredHelloDelay)
	h.sender.take()
	return h
}

func bootstrapMsg(bsr netip.Addr, priority uint8, tag uint16, groups ...pim.BootstrapGroup) *pim.BootstrapMessage {
	return &pim.BootstrapMessage{
		FragmentTag: tag,
		HashMaskLen: 30,
		BSRPriority: priority,
		BSRAddr:     bsr,
		Groups:      groups,
	}
}

func bootstrapGroup(prefix netip.Prefix, count uint8, rps ...netip.Addr) pim.BootstrapGroup {
	g := pim.BootstrapGroup{Group: pim.EncodedGroupFromPrefix(prefix), RPCount: count}
	for _, a := range rps {
		g.RPs = append(g.RPs, pim.BootstrapRP{Addr: a, Holdtime: 150})
	}
	return g
}

// deliverBootstrap hands m to the router from addrUp and returns the
// encoded payload it was carried in.
func (h *harness) deliverBootstrap(t *testing.T, m *pim.BootstrapMessage) []byte {
	t.Helper()
	payload, err := pim.Serialize(m)
	require.NoError(t, err)
	require.NoError(t, h.r.HandlePacket(transport.Packet{Src: addrUp, Dst: pim.AllPIMRouters, IfIndex: ifIndexUp, Payload: payload}))
	return payload
}

func TestRouter_Bootstrap_FloodsAndLearnsRPs(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, nil)
	payload := h.deliverBootstrap(t, bootstrapMsg(addrBSR, 10, 1, bootstrapGroup(rp.AllMulticast, 1, addrRP)))

	bsms := ofType(h.sender.take(), pim.Bootstrap)
	require.Len(t, bsms, 2)
	var vifs []string
	for _, m := range bsms {
		vifs = append(vifs, m.Vif)
		require.Equal(t, pim.AllPIMRouters, m.Dst)
		require.Equal(t, payload, m.Raw)
	}
	require.ElementsMatch(t, []string{"eth1", "eth2"}, vifs)

	got, ok := h.r.RP(addrGroup)
	require.True(t, ok)
	require.Equal(t, addrRP, got)

	bsr := h.r.Snapshot().BSR
	require.Equal(t, addrBSR, bsr.Addr)
	require.Equal(t, uint8(10), bsr.Priority)
	require.False(t, bsr.Elected)
	require.Equal(t, BootstrapTimeout, bsr.Expires)
	require.Equal(t, 1.0, testutil.ToFloat64(h.r.metrics.BSRChanges))
}

func TestRouter_Bootstrap_RequiresNeighbor(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, nil)
	err := h.recv(ifIndexDown, addrDown, pim.AllPIMRouters, bootstrapMsg(addrBSR, 10, 1, bootstrapGroup(rp.AllMulticast, 1, addrRP)))
	require.ErrorIs(t, err, ErrNotNeighbor)
	_, ok := h.r.RP(addrGroup)
	require.False(t, ok)
}

func TestRouter_Bootstrap_NewTagReplacesRPs(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, nil)
	h.deliverBootstrap(t, bootstrapMsg(addrBSR, 10, 1, bootstrapGroup(rp.AllMulticast, 1, addrRP)))
	h.deliverBootstrap(t, bootstrapMsg(addrBSR, 10, 2, bootstrapGroup(rp.AllMulticast, 1, addrRP2)))

	got, ok := h.r.RP(addrGroup)
	require.True(t, ok)
	require.Equal(t, addrRP2, got)
	rps := h.r.Snapshot().RPs
	require.Len(t, rps, 1)
	require.Equal(t, addrRP2, rps[0].RP)
}

func TestRouter_Bootstrap_WorseBSRIgnored(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, nil)
	h.deliverBootstrap(t, bootstrapMsg(addrBSR, 10, 1, bootstrapGroup(rp.AllMulticast, 1, addrRP)))
	h.sender.take()

	worse := netip.MustParseAddr("192.0.2.50")
	h.deliverBootstrap(t, bootstrapMsg(worse, 5, 7, bootstrapGroup(rp.AllMulticast, 1, addrRP2)))
	require.Empty(t, h.sender.take())
	got, _ := h.r.RP(addrGroup)
	require.Equal(t, addrRP, got)
	require.Equal(t, addrBSR, h.r.Snapshot().BSR.Addr)
}

func TestRouter_Bootstrap_BSRTimesOut(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, nil)
	h.deliverBootstrap(t, bootstrapMsg(addrBSR, 10, 1, bootstrapGroup(rp.AllMulticast, 1, addrRP)))

	// Keep the neighbor alive past the bootstrap timeout.
	for range 13 {
		h.advance(10 * time.Second)
		h.hello(t, ifIndexUp, addrUp, 1)
	}
	require.False(t, h.r.Snapshot().BSR.Addr.IsValid())
}

func TestRouter_Bootstrap_FragmentOrderIndependent(t *testing.T) {
	t.Parallel()

	fragA := bootstrapMsg(addrBSR, 10, 9, bootstrapGroup(rp.AllMulticast, 2, addrRP))
	fragB := bootstrapMsg(addrBSR, 10, 9, bootstrapGroup(rp.AllMulticast, 2, addrRP2))

	forward := bsrHarness(t, nil)
	forward.deliverBootstrap(t, fragA)
	_, ok := forward.r.RP(addrGroup)
	require.False(t, ok, "partial fragment must not install rps")
	forward.deliverBootstrap(t, fragB)

	reverse := bsrHarness(t, nil)
	reverse.deliverBootstrap(t, fragB)
	reverse.deliverBootstrap(t, fragA)

	rpsF := forward.r.Snapshot().RPs
	rpsR := reverse.r.Snapshot().RPs
	require.Len(t, rpsF, 2)
	require.Equal(t, rpsF, rpsR)

	gotF, ok := forward.r.RP(addrGroup)
	require.True(t, ok)
	gotR, _ := reverse.r.RP(addrGroup)
	require.Equal(t, gotF, gotR)
}

func TestRouter_Bootstrap_CandidateElectedAndOriginates(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, func(c *Config) {
		c.CandBSR = &CandBSRConfig{Addr: addrLocal0, Priority: 10}
		c.CandRP = &CandRPConfig{Addr: addrLocal0, Priority: 1}
	})
	// Hold the upstream neighbor through the election.
	keep := func(d time.Duration) {
		for d > 0 {
			step := min(d, HelloPeriod)
			h.advance(step)
			h.hello(t, ifIndexUp, addrUp, 1)
			d -= step
		}
	}

	keep(BootstrapTimeout - TimerInterval)
	require.False(t, h.r.Snapshot().BSR.Elected)
	h.sender.take()

	keep(TimerInterval)
	bsr := h.r.Snapshot().BSR
	require.True(t, bsr.Elected)
	require.Equal(t, addrLocal0, bsr.Addr)
	require.Len(t, ofType(h.sender.take(), pim.Bootstrap), 3)

	got, ok := h.r.RP(addrGroup)
	require.True(t, ok)
	require.Equal(t, addrLocal0, got)

	keep(BootstrapPeriod)
	bsms := ofType(h.sender.take(), pim.Bootstrap)
	require.Len(t, bsms, 3)
	m := bsms[0].Body.(*pim.BootstrapMessage)
	require.Equal(t, addrLocal0, m.BSRAddr)
	require.Len(t, m.Groups, 1)
	require.Equal(t, rp.AllMulticast, m.Groups[0].Group.Prefix())
	require.Len(t, m.Groups[0].RPs, 1)
	require.Equal(t, addrLocal0, m.Groups[0].RPs[0].Addr)
}

func TestRouter_Bootstrap_CandRPAdvCollectedByBSR(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, func(c *Config) {
		c.CandBSR = &CandBSRConfig{Addr: addrLocal0, Priority: 10}
	})
	adv := &pim.CandidateRPAdvMessage{Priority: 3, Holdtime: 150, RPAddr: addrRP2}

	// Not yet the BSR: advertisements are ignored.
	require.NoError(t, h.recv(0, addrRP2, addrLocal0, adv))
	_, ok := h.r.RP(addrGroup)
	require.False(t, ok)

	for range 5 {
		h.advance(BootstrapTimeout / 5)
		h.hello(t, ifIndexUp, addrUp, 1)
	}
	require.True(t, h.r.Snapshot().BSR.Elected)

	require.NoError(t, h.recv(0, addrRP2, addrLocal0, adv))
	got, ok := h.r.RP(addrGroup)
	require.True(t, ok)
	require.Equal(t, addrRP2, got)

	// A zero holdtime withdraws the candidate.
	adv.Holdtime = 0
	require.NoError(t, h.recv(0, addrRP2, addrLocal0, adv))
	_, ok = h.r.RP(addrGroup)
	require.False(t, ok)
}

func TestRouter_Bootstrap_BareWithdrawalDropsEveryRange(t *testing.T) {
	t.Parallel()

	h := bsrHarness(t, func(c *Config) {
		c.CandBSR = &CandBSRConfig{Addr: addrLocal0, Priority: 10}
	})
	for range 5 {
		h.advance(BootstrapTimeout / 5)
		h.hello(t, ifIndexUp, addrUp, 1)
	}
	require.True(t, h.r.Snapshot().BSR.Elected)

	adv := &pim.CandidateRPAdvMessage{Priority: 3, Holdtime: 150, RPAddr: addrRP2, Groups: []pim.EncodedGroup{
		pim.EncodedGroupFromPrefix(netip.MustParsePrefix("224.0.0.0/8")),
		pim.EncodedGroupFromPrefix(netip.MustParsePrefix("239.0.0.0/8")),
	}}
	require.NoError(t, h.recv(0, addrRP2, addrLocal0, adv))
	for _, g := range []netip.Addr{addrGroup, addrGroupB} {
		got, ok := h.r.RP(g)
		require.True(t, ok)
		require.Equal(t, addrRP2, got)
	}

	require.NoError(t, h.recv(0, addrRP2, addrLocal0, &pim.CandidateRPAdvMessage{Priority: 3, RPAddr: addrRP2}))
	for _, g := range []netip.Addr{addrGroup, addrGroupB} {
		_, ok := h.r.RP(g)
		require.False(t, ok)
	}
}
