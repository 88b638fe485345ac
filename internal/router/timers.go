package router

import (
	"time"

	"github.com/malbeclabs/pimd/internal/mrt"
)

// Tick ages every protocol timer by elapsed and runs whatever expired.
// Run calls it every TimerInterval.
func (r *Router) Tick(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()

	r.tickHellos(elapsed)
	r.ageNeighbors(elapsed)
	r.tickRoutes(elapsed)
	r.tickBSR(elapsed)
	r.tickCandRP(elapsed)
	if expired := r.rps.Age(elapsed); len(expired) > 0 {
		r.rpRowsRemoved(expired)
		r.remap()
	}
	r.frags.DeleteExpired()
	r.updateGauges()
}

func (r *Router) tickHellos(elapsed time.Duration) {
	if !r.started {
		return
	}
	for _, v := range r.vifs.All() {
		if v.Register || v.Disabled {
			continue
		}
		st := r.iface(v.Index)
		if st.helloTimer.Tick(elapsed) {
			r.sendHello(v, HelloHoldtime)
			st.helloTimer.Set(HelloPeriod)
		}
	}
}

func (r *Router) tickRoutes(elapsed time.Duration) {
	for _, rt := range r.mrt.Routes() {
		if r.mrt.Route(rt.ID) == nil {
			continue
		}
		r.tickRoute(rt, elapsed)
	}
}

func (r *Router) tickRoute(rt *mrt.Route, elapsed time.Duration) {
	for _, i := range rt.Joined.Union(rt.Pruned).Indices() {
		if rt.DeletionDelay(i).Tick(elapsed) && rt.Joined.Has(i) {
			r.pruneVif(rt, i)
			continue
		}
		if rt.VifTimer(i).Tick(elapsed) {
			rt.Pruned = rt.Pruned.Remove(i)
			rt.Joined = rt.Joined.Remove(i)
			if rt.Kind == mrt.KindSG {
				r.inheritSG(rt)
			}
			r.update(rt)
		}
	}
	for _, i := range rt.Asserted.Indices() {
		if rt.AssertVifTimer(i).Tick(elapsed) {
			rt.Asserted = rt.Asserted.Remove(i)
			r.update(rt)
		}
	}
	if rt.AssertTimer.Tick(elapsed) {
		r.clearUpstreamAssert(rt)
	}
	rt.AssertRateTimer.Tick(elapsed)

	if rt.JPTimer.Tick(elapsed) && r.decide(rt) == ActionJoin {
		r.queueJoin(rt)
		rt.JPTimer.Set(JoinPrunePeriod)
	}
	if rt.RSTimer.Tick(elapsed) {
		r.registerTimerFired(rt)
	}
	if rt.Timer.Tick(elapsed) {
		r.routeTimerFired(rt)
	}
}

// routeTimerFired handles the end of an entry's lifetime. Entries still
// held by leaves or live per-interface state, or whose forwarding entries
// carried data during the period, are kept for another one.
func (r *Router) routeTimerFired(rt *mrt.Route) {
	held := !rt.Leaves.Empty()
	for _, i := range rt.Joined.Union(rt.Pruned).Indices() {
		if rt.VifTimer(i).Active() {
			held = true
			break
		}
	}
	if held || r.mrt.DataArrived(rt) {
		rt.Timer.Set(DataTimeout)
		return
	}
	if r.decide(rt) == ActionJoin {
		r.queuePrune(rt)
	}
	r.log.Debug("router: route timed out", "route", rt.String())
	r.deleteRoute(rt)
}

// refreshRPF repeats the unicast lookup of every source and RP and moves
// the entries whose iif or upstream neighbor changed.
func (r *Router) refreshRPF() {
	for _, addr := range r.mrt.Sources() {
		changed, err := r.mrt.RefreshRPF(addr)
		if err != nil {
			r.log.Debug("router: error refreshing rpf", "addr", addr, "error", err)
			continue
		}
		for _, rt := range changed {
			r.log.Info("router: rpf changed", "route", rt.String(), "iif", rt.IIF, "upstream", rt.Upstream)
			delete(r.upstreamWins, rt.ID)
			rt.AssertTimer.Stop()
			before := rt.Oifs()
			r.update(rt)
			if !before.Empty() && r.decide(rt) == ActionJoin {
				r.queueJoin(rt)
				rt.JPTimer.Set(JoinPrunePeriod)
			}
		}
	}
}

// RefreshRPF is called when the unicast routing table changed.
func (r *Router) RefreshRPF() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()
	r.refreshRPF()
}

func (r *Router) updateGauges() {
	counts := map[mrt.Kind]int{mrt.KindSG: 0, mrt.KindWC: 0, mrt.KindRP: 0}
	for _, rt := range r.mrt.Routes() {
		counts[rt.Kind]++
	}
	for k, n := range counts {
		r.metrics.Routes.WithLabelValues(k.String()).Set(float64(n))
	}
}
