package router

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/rp"
	"github.com/malbeclabs/pimd/internal/vif"
)

// Action is what an entry advertises upstream.
type Action int

const (
	ActionNone Action = iota
	ActionJoin
	ActionPrune
)

func (a Action) String() string {
	switch a {
	case ActionJoin:
		return "join"
	case ActionPrune:
		return "prune"
	default:
		return "none"
	}
}

// JoinOrPrune decides what rt advertises to its upstream neighbor. dr is set
// when this router is DR on an interface holding one of the entry's leaves;
// ssm when the group is in the SSM range.
func JoinOrPrune(rt *mrt.Route, dr, ssm bool) Action {
	if !rt.Upstream.IsValid() {
		return ActionNone
	}
	oifs := rt.Oifs()
	switch rt.Kind {
	case mrt.KindWC, mrt.KindRP:
		if ssm {
			return ActionNone
		}
		if !oifs.Empty() || (dr && !rt.Leaves.Empty()) {
			return ActionJoin
		}
		return ActionPrune
	case mrt.KindSG:
		if rt.RPBit {
			if oifs.Empty() {
				return ActionPrune
			}
			return ActionNone
		}
		if !oifs.Empty() {
			return ActionJoin
		}
		return ActionPrune
	}
	return ActionNone
}

func (r *Router) decide(rt *mrt.Route) Action {
	dr := false
	for _, i := range rt.Leaves.Indices() {
		if v, ok := r.vifs.Get(i); ok && v.IsDR() {
			dr = true
			break
		}
	}
	ssm := rt.Group.IsValid() && r.isSSM(rt.Group)
	return JoinOrPrune(rt, dr, ssm)
}

// jpTarget is the message an entry's Join/Prune rows go into.
func (r *Router) jpTarget(rt *mrt.Route) (jpKey, bool) {
	if !rt.IIF.Valid() || rt.IIF == r.vifs.Register() || !rt.Upstream.IsValid() {
		return jpKey{}, false
	}
	if rt.Kind == mrt.KindSG && rt.Upstream == rt.Source {
		// directly connected source
		return jpKey{}, false
	}
	return jpKey{vif: rt.IIF, upstream: rt.Upstream}, true
}

func (r *Router) queueEntry(rt *mrt.Route, join bool) {
	key, ok := r.jpTarget(rt)
	if !ok {
		return
	}
	switch rt.Kind {
	case mrt.KindRP:
		r.jp.addRP(key, rt.Source, join)
	case mrt.KindWC:
		src := pim.EncodedSource{Addr: rt.UpstreamAddr(), Flags: pim.SparseBit | pim.WildCardBit | pim.RPTreeBit, MaskLen: 32}
		r.jp.add(key, pim.NewEncodedGroup(rt.Group), src, join)
	case mrt.KindSG:
		src := pim.EncodedSource{Addr: rt.Source, Flags: pim.SparseBit, MaskLen: 32}
		if rt.RPBit {
			src.Flags |= pim.RPTreeBit
		}
		r.jp.add(key, pim.NewEncodedGroup(rt.Group), src, join)
	}
}

// queueJoin queues a Join for rt. A (*,G) Join carries the (S,G,rpt) Prunes
// of its group in the same block.
func (r *Router) queueJoin(rt *mrt.Route) {
	r.queueEntry(rt, true)
	if rt.Kind != mrt.KindWC {
		return
	}
	for _, sg := range r.mrt.GroupRoutes(rt.Group) {
		if sg.RPBit && sg.Oifs().Empty() && sg.IIF == rt.IIF && sg.Upstream == rt.Upstream {
			r.queueEntry(sg, false)
		}
	}
}

func (r *Router) queuePrune(rt *mrt.Route) { r.queueEntry(rt, false) }

func (r *Router) sendJoinPrune(key jpKey, msg *pim.JoinPruneMessage) {
	v, ok := r.vifs.Get(key.vif)
	if !ok || v.Disabled {
		return
	}
	r.send(v, pim.AllPIMRouters, msg)
	r.metrics.JoinPruneSent.WithLabelValues(v.Name).Inc()
}

func (r *Router) handleJoinPrune(v *vif.Vif, src netip.Addr, m *pim.JoinPruneMessage) error {
	if r.neighbor(v.Index, src) == nil {
		return fmt.Errorf("%w: join/prune from %s on %s", ErrNotNeighbor, src, v.Name)
	}
	holdtime := time.Duration(m.Holdtime) * time.Second
	switch {
	case m.UpstreamNeighbor == v.Addr:
		r.receiveJoinPrune(v, holdtime, m)
	case r.neighbor(v.Index, m.UpstreamNeighbor) != nil:
		r.overhearJoinPrune(v, src, holdtime, m)
	}
	return nil
}

func isWildcardRPGroup(g pim.EncodedGroup) bool { return g.Prefix() == rp.AllMulticast }

// receiveJoinPrune applies a message addressed to us. (*,*,RP) Joins are
// set in the bitmaps before anything else; then each group block applies
// its Prunes before its Joins.
func (r *Router) receiveJoinPrune(v *vif.Vif, holdtime time.Duration, m *pim.JoinPruneMessage) {
	for _, g := range m.Groups {
		if !isWildcardRPGroup(g.Group) {
			continue
		}
		for _, s := range g.Joins {
			if !s.Wildcard() || !s.RPT() {
				continue
			}
			rt, err := r.mrt.FindRoute(s.Addr, netip.Addr{}, mrt.MatchRP, true)
			if err != nil {
				r.findFailed(err, s.Addr, netip.Addr{})
				continue
			}
			rt.Joined = rt.Joined.Add(v.Index)
			rt.VifTimer(v.Index).SetMax(holdtime)
		}
	}

	for _, g := range m.Groups {
		wcrp := isWildcardRPGroup(g.Group)
		if !wcrp && g.Group.MaskLen != 32 {
			r.log.Debug("router: ignoring aggregated join/prune group", "iface", v.Name, "group", g.Group)
			continue
		}
		grp := g.Group.Addr
		for _, s := range g.Prunes {
			if wcrp {
				if s.Wildcard() && s.RPT() {
					if rt := r.mrt.Lookup(s.Addr, netip.Addr{}, mrt.MatchRP); rt != nil {
						r.prunePending(rt, v.Index)
					}
				}
				continue
			}
			r.receivePrune(v, holdtime, grp, s)
		}
		for _, s := range g.Joins {
			if wcrp {
				if s.Wildcard() && s.RPT() {
					if rt := r.mrt.Lookup(s.Addr, netip.Addr{}, mrt.MatchRP); rt != nil {
						r.joinVif(rt, v.Index, holdtime)
					}
				}
				continue
			}
			r.receiveJoin(v, holdtime, grp, s)
		}
	}
}

func (r *Router) receivePrune(v *vif.Vif, holdtime time.Duration, grp netip.Addr, s pim.EncodedSource) {
	switch {
	case s.Wildcard() && s.RPT():
		rt := r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC)
		if rt == nil || rt.UpstreamAddr() != s.Addr {
			return
		}
		r.prunePending(rt, v.Index)
	case s.RPT():
		rt := r.rptEntry(s.Addr, grp)
		if rt == nil {
			return
		}
		if rt.Joined.Has(v.Index) && rt.VifTimer(v.Index).Active() && !rt.Pruned.Has(v.Index) {
			// An explicit (S,G) join on the interface outranks the rpt prune.
			return
		}
		rt.Pruned = rt.Pruned.Add(v.Index)
		rt.VifTimer(v.Index).SetMax(holdtime)
		rt.Timer.SetMax(holdtime)
		r.inheritSG(rt)
		r.update(rt)
	default:
		rt := r.mrt.Lookup(s.Addr, grp, mrt.MatchSG)
		if rt == nil {
			return
		}
		r.prunePending(rt, v.Index)
	}
}

// rptEntry returns the (S,G) entry an (S,G,rpt) prune lands on, creating an
// RP-bit entry when the group has shared tree state.
func (r *Router) rptEntry(src, grp netip.Addr) *mrt.Route {
	if rt := r.mrt.Lookup(src, grp, mrt.MatchSG); rt != nil {
		return rt
	}
	wc := r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC)
	if wc == nil {
		return nil
	}
	rt, err := r.mrt.FindRoute(src, grp, mrt.MatchSG, true)
	if err != nil {
		r.findFailed(err, src, grp)
		return nil
	}
	rt.RPBit = true
	if err := r.mrt.Rehome(rt, wc.UpstreamAddr()); err != nil {
		r.log.Warn("router: error rehoming rpt entry", "route", rt.String(), "error", err)
	}
	return rt
}

func (r *Router) receiveJoin(v *vif.Vif, holdtime time.Duration, grp netip.Addr, s pim.EncodedSource) {
	switch {
	case s.Wildcard() && s.RPT():
		if r.isSSM(grp) {
			return
		}
		if e, ok := r.rps.Match(grp); !ok || e.RP != s.Addr {
			r.log.Debug("router: ignoring join for foreign rp", "iface", v.Name, "group", grp, "rp", s.Addr)
			return
		}
		rt, err := r.mrt.FindRoute(netip.Addr{}, grp, mrt.MatchWC, true)
		if err != nil {
			r.findFailed(err, netip.Addr{}, grp)
			return
		}
		r.joinVif(rt, v.Index, holdtime)
	case s.RPT():
		rt := r.mrt.Lookup(s.Addr, grp, mrt.MatchSG)
		if rt == nil || !rt.Pruned.Has(v.Index) {
			return
		}
		rt.Pruned = rt.Pruned.Remove(v.Index)
		rt.VifTimer(v.Index).Stop()
		r.inheritSG(rt)
		r.update(rt)
	default:
		rt, err := r.mrt.FindRoute(s.Addr, grp, mrt.MatchSG, true)
		if err != nil {
			r.findFailed(err, s.Addr, grp)
			return
		}
		if rt.RPBit {
			r.switchToSPT(rt)
		}
		r.inheritSG(rt)
		r.joinVif(rt, v.Index, holdtime)
	}
}

// switchToSPT moves an RP-bit (S,G) entry onto the source tree.
func (r *Router) switchToSPT(rt *mrt.Route) {
	rt.RPBit = false
	rt.Pruned = 0
	if err := r.mrt.Rehome(rt, rt.Source); err != nil {
		r.log.Warn("router: error rehoming entry to source", "route", rt.String(), "error", err)
	}
}

func (r *Router) findFailed(err error, src, grp netip.Addr) {
	switch {
	case errors.Is(err, mrt.ErrTableFull):
		r.metrics.Dropped.WithLabelValues("table_full").Inc()
		r.log.Warn("router: route table full", "src", src, "group", grp)
	default:
		r.log.Debug("router: error finding route", "src", src, "group", grp, "error", err)
	}
}

func (r *Router) joinVif(rt *mrt.Route, i vif.Index, holdtime time.Duration) {
	rt.Joined = rt.Joined.Add(i)
	rt.Pruned = rt.Pruned.Remove(i)
	rt.VifTimer(i).SetMax(holdtime)
	rt.DeletionDelay(i).Stop()
	rt.Timer.SetMax(holdtime)
	r.update(rt)
}

// prunePending removes a joined interface. With other routers on the link
// the removal waits out the override interval so one of them can rejoin.
func (r *Router) prunePending(rt *mrt.Route, i vif.Index) {
	if !rt.Joined.Has(i) || !rt.VifTimer(i).Active() {
		return
	}
	if len(r.iface(i).neighbors) > 1 {
		if !rt.DeletionDelay(i).Active() {
			rt.DeletionDelay(i).Set(JoinPruneOverride)
		}
		return
	}
	r.pruneVif(rt, i)
}

func (r *Router) pruneVif(rt *mrt.Route, i vif.Index) {
	rt.Joined = rt.Joined.Remove(i)
	rt.VifTimer(i).Stop()
	rt.DeletionDelay(i).Stop()
	if rt.Kind == mrt.KindSG {
		r.inheritSG(rt)
	}
	r.update(rt)
}

// update recomputes rt's outgoing set and queues whatever the transition
// requires upstream.
func (r *Router) update(rt *mrt.Route) {
	fresh := rt.New
	rt.New = false
	tr, err := r.mrt.Recalc(rt)
	if err != nil {
		r.log.Warn("router: error syncing forwarding cache", "route", rt.String(), "error", err)
	}
	if rt.Kind == mrt.KindWC {
		r.inheritGroup(rt)
	}
	if fresh && tr == mrt.Unchanged && r.decide(rt) == ActionPrune && rt.Kind == mrt.KindSG && rt.RPBit {
		// an (S,G,rpt) entry born pruned has no transition to report
		r.queuePrune(rt)
	}
	switch tr {
	case mrt.BecameNonEmpty:
		switch {
		case rt.Kind == mrt.KindSG && rt.RPBit:
			// undo our earlier (S,G,rpt) prune
			r.queueEntry(rt, true)
		case r.decide(rt) == ActionJoin:
			r.queueJoin(rt)
			rt.JPTimer.Set(JoinPrunePeriod)
		}
	case mrt.BecameEmpty:
		if r.decide(rt) == ActionPrune {
			r.queuePrune(rt)
		}
		rt.JPTimer.Stop()
	}
}

// inheritSG copies the (*,G) interfaces of the group into sg, except where
// sg is pruned. Explicitly joined interfaces are kept.
func (r *Router) inheritSG(sg *mrt.Route) {
	var explicit vif.Set
	for _, i := range sg.Joined.Indices() {
		if sg.VifTimer(i).Active() && !sg.Pruned.Has(i) {
			explicit = explicit.Add(i)
		}
	}
	if reg := r.vifs.Register(); reg.Valid() && sg.Joined.Has(reg) {
		explicit = explicit.Add(reg)
	}
	var inherited vif.Set
	if wc := r.mrt.Lookup(netip.Addr{}, sg.Group, mrt.MatchWC); wc != nil {
		inherited = wc.Joined.Union(wc.Leaves).Minus(wc.Asserted).Minus(sg.Pruned)
	}
	sg.Joined = explicit.Union(inherited)
}

func (r *Router) inheritGroup(wc *mrt.Route) {
	for _, sg := range r.mrt.GroupRoutes(wc.Group) {
		r.inheritSG(sg)
		r.update(sg)
	}
}

// suppressJoin reports whether a Join overheard with holdtime theirs
// replaces our own refresh due in ours. On a tie the lower address stays
// quiet.
func suppressJoin(theirs, ours time.Duration, local, sender netip.Addr) bool {
	if theirs != ours {
		return theirs > ours
	}
	return local.Compare(sender) < 0
}

type overrideKey struct {
	route mrt.RouteID
	// src is set for an (S,G,rpt) override sent under the (*,G) entry.
	src netip.Addr
}

// overhearJoinPrune reacts to a message between two other routers on v:
// their Joins suppress ours and their Prunes get overridden by a Join.
func (r *Router) overhearJoinPrune(v *vif.Vif, sender netip.Addr, holdtime time.Duration, m *pim.JoinPruneMessage) {
	upstream := m.UpstreamNeighbor
	ours := func(rt *mrt.Route) bool {
		return rt != nil && rt.IIF == v.Index && rt.Upstream == upstream && r.decide(rt) == ActionJoin
	}
	for _, g := range m.Groups {
		wcrp := isWildcardRPGroup(g.Group)
		if !wcrp && g.Group.MaskLen != 32 {
			continue
		}
		grp := g.Group.Addr
		for _, s := range g.Joins {
			var rt *mrt.Route
			var key overrideKey
			switch {
			case wcrp:
				if !s.Wildcard() || !s.RPT() {
					continue
				}
				rt = r.mrt.Lookup(s.Addr, netip.Addr{}, mrt.MatchRP)
			case s.Wildcard() && s.RPT():
				rt = r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC)
			case s.RPT():
				if wc := r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC); wc != nil {
					r.cancelOverride(overrideKey{route: wc.ID, src: s.Addr})
				}
				continue
			default:
				rt = r.mrt.Lookup(s.Addr, grp, mrt.MatchSG)
				if rt != nil && rt.RPBit {
					continue
				}
			}
			if !ours(rt) {
				continue
			}
			key = overrideKey{route: rt.ID}
			r.cancelOverride(key)
			if suppressJoin(holdtime, rt.JPTimer.Remaining(), v.Addr, sender) {
				rt.JPTimer.Set(JoinPrunePeriod + r.cfg.Jitter(JoinPrunePeriod/2))
				r.metrics.JoinsSuppressed.Inc()
			}
		}
		for _, s := range g.Prunes {
			switch {
			case wcrp:
				if !s.Wildcard() || !s.RPT() {
					continue
				}
				if rt := r.mrt.Lookup(s.Addr, netip.Addr{}, mrt.MatchRP); ours(rt) {
					r.scheduleOverride(rt, netip.Addr{})
				}
				for _, rt := range r.mrt.RoutesVia(s.Addr) {
					if rt.Kind != mrt.KindRP && ours(rt) {
						r.scheduleOverride(rt, netip.Addr{})
					}
				}
			case s.Wildcard() && s.RPT():
				if rt := r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC); ours(rt) {
					r.scheduleOverride(rt, netip.Addr{})
				}
			case s.RPT():
				wc := r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC)
				if !ours(wc) {
					continue
				}
				// we still want S down the shared tree unless we pruned it
				// ourselves or moved to the source tree
				if sg := r.mrt.Lookup(s.Addr, grp, mrt.MatchSG); sg == nil || (sg.RPBit && !sg.Oifs().Empty()) {
					r.scheduleOverride(wc, s.Addr)
				}
			default:
				rt := r.mrt.Lookup(s.Addr, grp, mrt.MatchSG)
				if rt != nil && !rt.RPBit && ours(rt) {
					r.scheduleOverride(rt, netip.Addr{})
				}
			}
		}
	}
}

func (r *Router) scheduleOverride(rt *mrt.Route, src netip.Addr) {
	key := overrideKey{route: rt.ID, src: src}
	if h, ok := r.overrides[key]; ok && r.events.Pending(h) {
		return
	}
	r.overrides[key] = r.schedule(r.cfg.Jitter(RandomDelayJoinTimeout), event{kind: evOverrideJoin, route: rt.ID, src: src})
}

func (r *Router) cancelOverride(key overrideKey) {
	if h, ok := r.overrides[key]; ok {
		r.events.Cancel(h)
		delete(r.overrides, key)
		r.metrics.JoinsSuppressed.Inc()
	}
}

func (r *Router) runOverride(ev event) {
	delete(r.overrides, overrideKey{route: ev.route, src: ev.src})
	rt := r.mrt.Route(ev.route)
	if rt == nil || r.decide(rt) != ActionJoin {
		return
	}
	r.log.Debug("router: sending override join", "route", rt.String(), "src", ev.src, "upstream", rt.Upstream)
	if ev.src.IsValid() {
		key, ok := r.jpTarget(rt)
		if !ok {
			return
		}
		src := pim.EncodedSource{Addr: ev.src, Flags: pim.SparseBit | pim.RPTreeBit, MaskLen: 32}
		r.jp.add(key, pim.NewEncodedGroup(rt.Group), src, true)
		return
	}
	r.queueJoin(rt)
	rt.JPTimer.Set(JoinPrunePeriod)
}

// AddLeaf records a directly connected member of grp on interface i. An
// invalid src joins the shared tree.
func (r *Router) AddLeaf(i vif.Index, src, grp netip.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()

	v, ok := r.vifs.Get(i)
	if !ok {
		return fmt.Errorf("%w: vif %d", ErrUnknownInterface, i)
	}
	if !v.IsDR() {
		return fmt.Errorf("%w: %s", ErrNotDR, v.Name)
	}
	kinds := mrt.MatchWC
	if src.IsValid() {
		kinds = mrt.MatchSG
	} else if r.isSSM(grp) {
		return fmt.Errorf("%w: ssm group %s needs a source", mrt.ErrInvalidKey, grp)
	}
	rt, err := r.mrt.FindRoute(src, grp, kinds, true)
	if err != nil {
		r.findFailed(err, src, grp)
		return fmt.Errorf("error adding leaf for (%s,%s): %w", src, grp, err)
	}
	if rt.Kind == mrt.KindSG {
		if rt.RPBit {
			r.switchToSPT(rt)
		}
		r.inheritSG(rt)
	}
	rt.Leaves = rt.Leaves.Add(i)
	r.update(rt)
	r.log.Info("router: leaf added", "iface", v.Name, "route", rt.String())
	return nil
}

// DeleteLeaf removes a member recorded by AddLeaf. The entry goes when
// nothing else holds it.
func (r *Router) DeleteLeaf(i vif.Index, src, grp netip.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()

	kinds := mrt.MatchWC
	if src.IsValid() {
		kinds = mrt.MatchSG
	}
	rt := r.mrt.Lookup(src, grp, kinds)
	if rt == nil || !rt.Leaves.Has(i) {
		return nil
	}
	rt.Leaves = rt.Leaves.Remove(i)
	r.update(rt)
	r.log.Info("router: leaf removed", "vif", i, "route", rt.String())
	r.maybeDelete(rt)
	return nil
}

// maybeDelete removes rt once no interface or forwarding entry holds it.
func (r *Router) maybeDelete(rt *mrt.Route) {
	if !rt.Joined.Empty() || !rt.Leaves.Empty() || len(rt.KernelCaches()) > 0 {
		return
	}
	if rt.Kind == mrt.KindSG && rt.Timer.Active() {
		return
	}
	r.deleteRoute(rt)
}

// deleteRoute drops rt and every piece of router state keyed by it.
func (r *Router) deleteRoute(rt *mrt.Route) {
	for k, h := range r.overrides {
		if k.route == rt.ID {
			r.events.Cancel(h)
			delete(r.overrides, k)
		}
	}
	delete(r.upstreamWins, rt.ID)
	delete(r.probing, rt.ID)
	if rt.Kind == mrt.KindSG {
		delete(r.registering, sgKey{rt.Source, rt.Group})
	}
	if err := r.mrt.DeleteRoute(rt.ID); err != nil {
		r.log.Warn("router: error deleting route", "route", rt.String(), "error", err)
	}
	if rt.Kind == mrt.KindWC {
		for _, sg := range r.mrt.GroupRoutes(rt.Group) {
			r.inheritSG(sg)
			r.update(sg)
		}
	}
}
