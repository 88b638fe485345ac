package router

import (
	"fmt"
	"net/netip"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/vif"
)

// Values of an AssertCancel: the winner withdrawing from the link.
const (
	assertInfinitePreference = 0x7fffffff
	assertInfiniteMetric     = 0xffffffff
)

// assertMetric is one side of an assert. Preference carries the RPT bit.
type assertMetric struct {
	Preference uint32
	Metric     uint32
	Addr       netip.Addr
}

// beats compares two assert metrics: lower preference, then lower metric,
// then higher address.
func (a assertMetric) beats(b assertMetric) bool {
	if a.Preference != b.Preference {
		return a.Preference < b.Preference
	}
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	return a.Addr.Compare(b.Addr) > 0
}

func (a assertMetric) infinite() bool {
	return a.Preference&^pim.AssertRPTBit == assertInfinitePreference && a.Metric == assertInfiniteMetric
}

func rptRooted(rt *mrt.Route) bool {
	return rt.Kind != mrt.KindSG || rt.RPBit
}

// localMetric is what this router asserts for rt on v.
func (r *Router) localMetric(rt *mrt.Route, v *vif.Vif) assertMetric {
	pref, metric := rt.Preference, rt.Metric
	if pref == 0 && metric == 0 && rt.Upstream.IsValid() {
		pref, metric = r.cfg.DefaultPreference, r.cfg.DefaultMetric
	}
	pref &^= pim.AssertRPTBit
	if rptRooted(rt) {
		pref |= pim.AssertRPTBit
	}
	return assertMetric{Preference: pref, Metric: metric, Addr: v.Addr}
}

func (r *Router) handleAssert(v *vif.Vif, src netip.Addr, m *pim.AssertMessage) error {
	if r.neighbor(v.Index, src) == nil {
		return fmt.Errorf("%w: assert from %s on %s", ErrNotNeighbor, src, v.Name)
	}
	// A named source is matched against (S,G) state first, RPT bit or
	// not: a source tree forwarder answers shared tree asserts for S too.
	src, kinds := netip.Addr{}, mrt.MatchWC|mrt.MatchRP
	if m.Source.IsValid() && !m.Source.IsUnspecified() {
		src, kinds = m.Source, mrt.MatchAll
	}
	rt := r.mrt.Lookup(src, m.Group.Addr, kinds)
	if rt == nil {
		return nil
	}
	theirs := assertMetric{Preference: m.WirePreference(), Metric: m.Metric, Addr: src}

	if v.Index == rt.IIF {
		r.upstreamAssert(rt, theirs)
		return nil
	}
	if !rt.Oifs().Has(v.Index) && !rt.Asserted.Has(v.Index) {
		return nil
	}
	r.downstreamAssert(rt, v, theirs)
	return nil
}

// downstreamAssert resolves a dispute over who forwards rt onto v.
func (r *Router) downstreamAssert(rt *mrt.Route, v *vif.Vif, theirs assertMetric) {
	ours := r.localMetric(rt, v)
	if theirs.infinite() {
		if rt.Asserted.Has(v.Index) {
			r.log.Debug("router: assert winner withdrew", "iface", v.Name, "route", rt.String(), "winner", theirs.Addr)
			r.metrics.Asserts.WithLabelValues("cancelled").Inc()
			rt.Asserted = rt.Asserted.Remove(v.Index)
			rt.AssertVifTimer(v.Index).Stop()
			r.update(rt)
		}
		return
	}
	if ours.beats(theirs) {
		r.metrics.Asserts.WithLabelValues("won").Inc()
		if rt.Asserted.Has(v.Index) {
			rt.Asserted = rt.Asserted.Remove(v.Index)
			rt.AssertVifTimer(v.Index).Stop()
			r.update(rt)
		}
		r.sendAssert(rt, v)
		return
	}
	r.metrics.Asserts.WithLabelValues("lost").Inc()
	if !rt.Asserted.Has(v.Index) {
		r.log.Info("router: lost assert", "iface", v.Name, "route", rt.String(), "winner", theirs.Addr)
	}
	rt.Asserted = rt.Asserted.Add(v.Index)
	rt.AssertVifTimer(v.Index).Set(AssertTimeout)
	r.update(rt)
}

// upstreamAssert tracks the assert winner on the incoming interface; Joins
// for rt go to it instead of the unicast RPF neighbor.
func (r *Router) upstreamAssert(rt *mrt.Route, theirs assertMetric) {
	cur, ok := r.upstreamWins[rt.ID]
	if theirs.infinite() {
		if ok && cur.Addr == theirs.Addr {
			r.clearUpstreamAssert(rt)
		}
		return
	}
	if ok && cur.Addr != theirs.Addr && !theirs.beats(cur) {
		return
	}
	if theirs.Addr == rt.RPFUpstream {
		// the assert confirms the neighbor unicast routing already chose
		if ok {
			r.clearUpstreamAssert(rt)
		}
		return
	}
	r.upstreamWins[rt.ID] = theirs
	rt.AssertTimer.Set(AssertTimeout)
	if rt.Upstream == theirs.Addr {
		return
	}
	r.log.Info("router: upstream changed by assert", "route", rt.String(), "from", rt.Upstream, "to", theirs.Addr)
	rt.Upstream = theirs.Addr
	if r.decide(rt) == ActionJoin {
		r.queueJoin(rt)
		rt.JPTimer.Set(JoinPrunePeriod)
	}
}

// clearUpstreamAssert returns rt to its unicast RPF neighbor.
func (r *Router) clearUpstreamAssert(rt *mrt.Route) {
	delete(r.upstreamWins, rt.ID)
	rt.AssertTimer.Stop()
	if rt.Upstream == rt.RPFUpstream {
		return
	}
	rt.Upstream = rt.RPFUpstream
	if r.decide(rt) == ActionJoin {
		r.queueJoin(rt)
		rt.JPTimer.Set(JoinPrunePeriod)
	}
}

// sendAssert advertises our metric for rt on v, at most once per
// AssertRateInterval.
func (r *Router) sendAssert(rt *mrt.Route, v *vif.Vif) {
	if rt.AssertRateTimer.Active() || !rt.Group.IsValid() {
		return
	}
	rt.AssertRateTimer.Set(AssertRateInterval)
	ours := r.localMetric(rt, v)
	src := netip.IPv4Unspecified()
	if rt.Kind == mrt.KindSG {
		src = rt.Source
	}
	r.send(v, pim.AllPIMRouters, &pim.AssertMessage{
		Group:      pim.NewEncodedGroup(rt.Group),
		Source:     src,
		RPT:        ours.Preference&pim.AssertRPTBit != 0,
		Preference: ours.Preference &^ pim.AssertRPTBit,
		Metric:     ours.Metric,
	})
}
