package router

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/vif"
)

func TestRouter_Assert_MetricOrdering(t *testing.T) {
	t.Parallel()

	a1 := netip.MustParseAddr("10.0.1.1")
	a2 := netip.MustParseAddr("10.0.1.2")
	metrics := []assertMetric{
		{Preference: 100, Metric: 10, Addr: a1},
		{Preference: 100, Metric: 10, Addr: a2},
		{Preference: 100, Metric: 20, Addr: a2},
		{Preference: 110, Metric: 1, Addr: a1},
		{Preference: 100 | pim.AssertRPTBit, Metric: 1, Addr: a2},
	}
	for i, a := range metrics {
		for j, b := range metrics {
			if i == j {
				require.False(t, a.beats(b))
				continue
			}
			require.NotEqual(t, a.beats(b), b.beats(a), "%v vs %v", a, b)
		}
	}
	// Source tree metrics always beat shared tree ones.
	require.True(t, metrics[3].beats(metrics[4]))
	require.True(t, metrics[1].beats(metrics[0]))
	require.True(t, metrics[0].beats(metrics[2]))
}

func TestRouter_Assert_Infinite(t *testing.T) {
	t.Parallel()

	require.True(t, assertMetric{Preference: assertInfinitePreference, Metric: assertInfiniteMetric}.infinite())
	require.True(t, assertMetric{Preference: assertInfinitePreference | pim.AssertRPTBit, Metric: assertInfiniteMetric}.infinite())
	require.False(t, assertMetric{Preference: 100, Metric: assertInfiniteMetric}.infinite())
}

// assertHarness has a (*,G) joined on eth1 by addrDown, with addrDown2 as a
// second router on that link.
func assertHarness(t *testing.T) (*harness, *mrt.Route) {
	t.Helper()
	h := newHarness(t, nil)
	h.hello(t, ifIndexDown, addrDown, 1)
	h.hello(t, ifIndexDown, addrDown2, 1)
	require.NoError(t, h.joinPrune(ifIndexDown, addrDown, addrLocal1, addrGroup, []pim.EncodedSource{wcSource(addrRP)}, nil))
	h.runEvents(0)
	h.sender.take()
	wc := h.route(netip.Addr{}, addrGroup, mrt.MatchWC)
	require.NotNil(t, wc)
	return h, wc
}

func wcAssert(pref, metric uint32) *pim.AssertMessage {
	return &pim.AssertMessage{
		Group:      pim.NewEncodedGroup(addrGroup),
		Source:     netip.IPv4Unspecified(),
		RPT:        true,
		Preference: pref,
		Metric:     metric,
	}
}

func TestRouter_Assert_LoseRemovesOif(t *testing.T) {
	t.Parallel()

	h, wc := assertHarness(t)
	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, wcAssert(100, 10)))

	require.True(t, wc.Asserted.Has(vifDown))
	require.True(t, wc.Oifs().Empty())
	require.Equal(t, AssertTimeout, wc.AssertVifTimer(vifDown).Remaining())
	require.Equal(t, 1.0, testutil.ToFloat64(h.r.metrics.Asserts.WithLabelValues("lost")))

	jps := joinPrunes(h.sender.take())
	require.Len(t, jps, 1)
	require.Equal(t, []pim.EncodedSource{wcSource(addrRP)}, jps[0].Groups[0].Prunes)
}

func TestRouter_Assert_WinAnswers(t *testing.T) {
	t.Parallel()

	h, wc := assertHarness(t)
	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, wcAssert(200, 10)))

	require.False(t, wc.Asserted.Has(vifDown))
	require.Equal(t, vif.Of(vifDown), wc.Oifs())

	asserts := ofType(h.sender.take(), pim.Assert)
	require.Len(t, asserts, 1)
	require.Equal(t, "eth1", asserts[0].Vif)
	am := asserts[0].Body.(*pim.AssertMessage)
	require.True(t, am.RPT)
	require.Equal(t, uint32(110), am.Preference)
	require.Equal(t, uint32(30), am.Metric)
	require.Equal(t, addrGroup, am.Group.Addr)

	// Further asserts within the rate interval go unanswered.
	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, wcAssert(200, 10)))
	require.Empty(t, ofType(h.sender.take(), pim.Assert))
}

func TestRouter_Assert_CancelRestoresOif(t *testing.T) {
	t.Parallel()

	h, wc := assertHarness(t)
	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, wcAssert(100, 10)))
	require.True(t, wc.Oifs().Empty())

	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, wcAssert(assertInfinitePreference, assertInfiniteMetric)))
	require.False(t, wc.Asserted.Has(vifDown))
	require.Equal(t, vif.Of(vifDown), wc.Oifs())
}

func TestRouter_Assert_LossExpires(t *testing.T) {
	t.Parallel()

	h, wc := assertHarness(t)
	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, wcAssert(100, 10)))

	// Keep the downstream join and the neighbors alive.
	for range 3 {
		h.advance(AssertTimeout / 3)
		h.hello(t, ifIndexDown, addrDown, 1)
		h.hello(t, ifIndexDown, addrDown2, 1)
		require.NoError(t, h.joinPrune(ifIndexDown, addrDown, addrLocal1, addrGroup, []pim.EncodedSource{wcSource(addrRP)}, nil))
	}
	require.False(t, wc.Asserted.Has(vifDown))
	require.Equal(t, vif.Of(vifDown), wc.Oifs())
}

func TestRouter_Assert_UpstreamWinnerTakesJoins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.hello(t, ifIndexUp, addrUp, 1)
	h.hello(t, ifIndexUp, addrPeer, 1)
	require.NoError(t, h.r.AddLeaf(vifHosts, netip.Addr{}, addrGroup))
	h.runEvents(0)
	h.sender.take()

	require.NoError(t, h.recv(ifIndexUp, addrPeer, pim.AllPIMRouters, wcAssert(100, 10)))
	wc := h.route(netip.Addr{}, addrGroup, mrt.MatchWC)
	require.Equal(t, addrPeer, wc.Upstream)
	require.Equal(t, addrUp, wc.RPFUpstream)

	jps := joinPrunes(h.sender.take())
	require.Len(t, jps, 1)
	require.Equal(t, addrPeer, jps[0].UpstreamNeighbor)

	// The winner withdrawing returns the entry to its unicast neighbor.
	require.NoError(t, h.recv(ifIndexUp, addrPeer, pim.AllPIMRouters, wcAssert(assertInfinitePreference, assertInfiniteMetric)))
	require.Equal(t, addrUp, wc.Upstream)
	jps = joinPrunes(h.sender.take())
	require.Len(t, jps, 1)
	require.Equal(t, addrUp, jps[0].UpstreamNeighbor)
}

func TestRouter_Assert_RequiresNeighbor(t *testing.T) {
	t.Parallel()

	h, wc := assertHarness(t)
	err := h.recv(ifIndexDown, netip.MustParseAddr("10.0.1.99"), pim.AllPIMRouters, wcAssert(100, 10))
	require.ErrorIs(t, err, ErrNotNeighbor)
	require.False(t, wc.Asserted.Has(vifDown))
}

func TestRouter_Assert_SourceTreeAnswersSharedTreeAssert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.hello(t, ifIndexDown, addrDown, 1)
	h.hello(t, ifIndexDown, addrDown2, 1)
	require.NoError(t, h.joinPrune(ifIndexDown, addrDown, addrLocal1, addrGroup, []pim.EncodedSource{sgSource(addrSource)}, nil))
	h.runEvents(0)
	h.sender.take()
	sg := h.route(addrSource, addrGroup, mrt.MatchSG)
	require.NotNil(t, sg)
	require.Nil(t, h.route(netip.Addr{}, addrGroup, mrt.MatchWC))

	// A better preference does not help a shared tree assert.
	require.NoError(t, h.recv(ifIndexDown, addrDown2, pim.AllPIMRouters, &pim.AssertMessage{
		Group:      pim.NewEncodedGroup(addrGroup),
		Source:     addrSource,
		RPT:        true,
		Preference: 10,
		Metric:     10,
	}))
	require.False(t, sg.Asserted.Has(vifDown))
	require.Equal(t, vif.Of(vifDown), sg.Oifs())

	asserts := ofType(h.sender.take(), pim.Assert)
	require.Len(t, asserts, 1)
	require.Equal(t, "eth1", asserts[0].Vif)
	am := asserts[0].Body.(*pim.AssertMessage)
	require.False(t, am.RPT)
	require.Equal(t, addrSource, am.Source)
	require.Equal(t, uint32(110), am.Preference)
	require.Equal(t, uint32(20), am.Metric)
}
