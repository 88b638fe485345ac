package router

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/rp"
	"github.com/malbeclabs/pimd/internal/timer"
	"github.com/malbeclabs/pimd/internal/vif"
)

// bsrState tracks the domain's bootstrap router and our own candidacy.
type bsrState struct {
	candidate bool
	elected   bool

	addr        netip.Addr
	priority    uint8
	hashMaskLen uint8
	fragTag     uint16
	// timer is the BSR liveness timeout, or the origination period while
	// elected.
	timer timer.Countdown

	// last holds the encoded fragments of the current Bootstrap, sent to
	// new neighbors.
	last    [][]byte
	lastTag uint16
}

// fragKey identifies a prefix whose RP list is spread over fragments.
type fragKey struct {
	prefix netip.Prefix
	tag    uint16
}

type partialGroup struct {
	total uint8
	rps   map[netip.Addr]pim.BootstrapRP
}

func bsrBetter(ap uint8, aa netip.Addr, bp uint8, ba netip.Addr) bool {
	if ap != bp {
		return ap > bp
	}
	return aa.Compare(ba) > 0
}

func (r *Router) handleBootstrap(v *vif.Vif, src, dst netip.Addr, payload []byte, m *pim.BootstrapMessage) error {
	if r.neighbor(v.Index, src) == nil {
		return fmt.Errorf("%w: bootstrap from %s on %s", ErrNotNeighbor, src, v.Name)
	}
	if r.vifs.IsLocal(m.BSRAddr) {
		return nil
	}
	cur := &r.bsr
	if cur.addr.IsValid() && m.BSRAddr != cur.addr && !bsrBetter(m.BSRPriority, m.BSRAddr, cur.priority, cur.addr) {
		r.log.Debug("router: ignoring bootstrap from worse bsr", "bsr", m.BSRAddr, "priority", m.BSRPriority, "current", cur.addr)
		return nil
	}
	if cb := r.cfg.CandBSR; cb != nil && !cur.addr.IsValid() && bsrBetter(cb.Priority, cb.Addr, m.BSRPriority, m.BSRAddr) {
		return nil
	}

	if m.BSRAddr != cur.addr {
		r.log.Info("router: bsr changed", "from", cur.addr, "to", m.BSRAddr, "priority", m.BSRPriority)
		r.metrics.BSRChanges.Inc()
		r.frags.DeleteAll()
		cur.last = nil
	}
	cur.elected = false
	cur.addr = m.BSRAddr
	cur.priority = m.BSRPriority
	cur.hashMaskLen = m.HashMaskLen
	cur.timer.Set(BootstrapTimeout)
	r.rps.SetHashMaskLen(m.HashMaskLen)
	r.keepFragment(m.FragmentTag, payload)

	if dst == pim.AllPIMRouters {
		for _, ov := range r.vifs.All() {
			if ov.Index == v.Index || ov.Register || ov.Disabled {
				continue
			}
			r.sendRaw(ov, pim.AllPIMRouters, pim.Bootstrap, payload)
		}
	}

	for _, g := range m.Groups {
		prefix := g.Group.Prefix()
		if !prefix.Addr().IsMulticast() {
			continue
		}
		if g.Complete() {
			r.applyBootstrapGroup(prefix, m.FragmentTag, g.RPs)
			continue
		}
		r.collectFragment(prefix, m.FragmentTag, g)
	}
	r.remap()
	return nil
}

func (r *Router) keepFragment(tag uint16, payload []byte) {
	if tag != r.bsr.lastTag || len(r.bsr.last) >= bootstrapKeep {
		r.bsr.last = r.bsr.last[:0]
		r.bsr.lastTag = tag
	}
	r.bsr.last = append(r.bsr.last, slices.Clone(payload))
}

// collectFragment accumulates the RPs of a prefix split over several
// fragments and applies them once all have arrived.
func (r *Router) collectFragment(prefix netip.Prefix, tag uint16, g pim.BootstrapGroup) {
	key := fragKey{prefix: prefix, tag: tag}
	var pg *partialGroup
	if item := r.frags.Get(key); item != nil {
		pg = item.Value()
	} else {
		pg = &partialGroup{total: g.RPCount, rps: make(map[netip.Addr]pim.BootstrapRP)}
	}
	for _, brp := range g.RPs {
		pg.rps[brp.Addr] = brp
	}
	if len(pg.rps) < int(pg.total) {
		r.frags.Set(key, pg, ttlcache.DefaultTTL)
		return
	}
	r.frags.Delete(key)
	rps := make([]pim.BootstrapRP, 0, len(pg.rps))
	for _, brp := range pg.rps {
		rps = append(rps, brp)
	}
	slices.SortFunc(rps, func(a, b pim.BootstrapRP) int { return a.Addr.Compare(b.Addr) })
	r.applyBootstrapGroup(prefix, tag, rps)
}

// applyBootstrapGroup installs the complete RP list of prefix and drops the
// rows the BSR no longer advertises for it.
func (r *Router) applyBootstrapGroup(prefix netip.Prefix, tag uint16, rps []pim.BootstrapRP) {
	for _, brp := range rps {
		if !brp.Addr.Is4() {
			continue
		}
		r.addRPEntry(brp.Addr, prefix, brp.Priority, time.Duration(brp.Holdtime)*time.Second, tag, false)
	}
	if stale := r.rps.GarbageCollect(prefix, tag); len(stale) > 0 {
		r.rpRowsRemoved(stale)
	}
}

func (r *Router) addRPEntry(addr netip.Addr, prefix netip.Prefix, priority uint8, holdtime time.Duration, tag uint16, static bool) {
	res := r.rps.Add(addr, prefix, priority, holdtime, tag, static)
	if res.NewRP {
		if err := r.mrt.PinSource(addr); err != nil {
			r.log.Debug("router: no route to rp", "rp", addr, "error", err)
		}
	}
	if res.NewEntry {
		r.log.Info("router: rp added", "rp", addr, "prefix", prefix, "priority", priority, "static", static)
	}
}

// rpRowsRemoved releases the state of RPs that lost their last row.
func (r *Router) rpRowsRemoved(rows []rp.Entry) {
	for _, e := range rows {
		r.log.Info("router: rp removed", "rp", e.RP, "prefix", e.Prefix)
		if r.rps.IsRP(e.RP) {
			continue
		}
		if rt := r.mrt.Lookup(e.RP, netip.Addr{}, mrt.MatchRP); rt != nil {
			if r.decide(rt) == ActionJoin {
				r.queuePrune(rt)
			}
			r.deleteRoute(rt)
		}
		r.mrt.UnpinSource(e.RP)
	}
}

// remap re-resolves the RP of every group with shared tree state and moves
// the (*,G) entries whose RP changed.
func (r *Router) remap() {
	var groups []netip.Addr
	for _, g := range r.mrt.Groups() {
		if grp, ok := r.mrt.Group(g); ok && grp.WC != 0 {
			groups = append(groups, g)
		}
	}
	active := func(g netip.Addr) netip.Addr {
		grp, _ := r.mrt.Group(g)
		return grp.RP
	}
	for _, c := range r.rps.Remap(groups, active) {
		grp, ok := r.mrt.Group(c.Group)
		if !ok {
			continue
		}
		wc := r.mrt.Route(grp.WC)
		if wc == nil {
			continue
		}
		if r.decide(wc) == ActionJoin {
			r.queuePrune(wc)
		}
		if !c.New.IsValid() {
			r.log.Warn("router: no rp for group, dropping shared tree", "group", c.Group, "old_rp", c.Old)
			r.deleteRoute(wc)
			continue
		}
		r.log.Info("router: group rp changed", "group", c.Group, "from", c.Old, "to", c.New)
		if err := r.mrt.Rehome(wc, c.New); err != nil {
			r.log.Warn("router: error rehoming shared tree", "group", c.Group, "rp", c.New, "error", err)
			continue
		}
		delete(r.upstreamWins, wc.ID)
		for _, sg := range r.mrt.GroupRoutes(c.Group) {
			if sg.RPBit {
				if err := r.mrt.Rehome(sg, c.New); err != nil {
					r.log.Warn("router: error rehoming rpt entry", "route", sg.String(), "error", err)
				}
			}
		}
		before := wc.Oifs()
		r.update(wc)
		if !before.Empty() && r.decide(wc) == ActionJoin {
			r.queueJoin(wc)
			wc.JPTimer.Set(JoinPrunePeriod)
		}
	}
}

// sendBootstrapTo unicasts the current Bootstrap to a new neighbor.
func (r *Router) sendBootstrapTo(v *vif.Vif, dst netip.Addr) {
	for _, frag := range r.bsr.last {
		r.sendRaw(v, dst, pim.Bootstrap, frag)
	}
}

// originateBootstrap floods the RP-set as the elected BSR under a new
// fragment tag.
func (r *Router) originateBootstrap() {
	cb := r.cfg.CandBSR
	if cb == nil || !r.bsr.elected {
		return
	}
	r.bsr.fragTag++
	r.rps.Retag(r.bsr.fragTag)

	msg := &pim.BootstrapMessage{
		FragmentTag: r.bsr.fragTag,
		HashMaskLen: cb.HashMaskLen,
		BSRPriority: cb.Priority,
		BSRAddr:     cb.Addr,
	}
	for _, e := range r.rps.Entries() {
		if e.Static {
			continue
		}
		n := len(msg.Groups)
		if n == 0 || msg.Groups[n-1].Group.Prefix() != e.Prefix {
			msg.Groups = append(msg.Groups, pim.BootstrapGroup{Group: pim.EncodedGroupFromPrefix(e.Prefix)})
			n++
		}
		bg := &msg.Groups[n-1]
		hold := (e.Holdtime.Remaining() + time.Second - 1) / time.Second
		bg.RPs = append(bg.RPs, pim.BootstrapRP{Addr: e.RP, Holdtime: uint16(min(hold, 0xffff)), Priority: e.Priority})
		bg.RPCount++
	}

	frags, err := pim.FragmentBootstrap(msg, bootstrapMaxSize)
	if err != nil {
		r.log.Error("router: error fragmenting bootstrap", "error", err)
		return
	}
	r.bsr.last = r.bsr.last[:0]
	r.bsr.lastTag = r.bsr.fragTag
	for _, f := range frags {
		payload, err := pim.Serialize(f)
		if err != nil {
			r.log.Error("router: error encoding bootstrap", "error", err)
			return
		}
		r.bsr.last = append(r.bsr.last, payload)
	}
	for _, v := range r.vifs.All() {
		if v.Register || v.Disabled {
			continue
		}
		for _, payload := range r.bsr.last {
			r.sendRaw(v, pim.AllPIMRouters, pim.Bootstrap, payload)
		}
	}
}

// tickBSR runs the candidate BSR state machine: the timer firing means the
// current BSR went quiet, or that it is time for the elected BSR to
// originate again.
func (r *Router) tickBSR(elapsed time.Duration) {
	if !r.bsr.timer.Tick(elapsed) {
		return
	}
	cb := r.cfg.CandBSR
	switch {
	case r.bsr.elected:
		r.originateBootstrap()
		r.bsr.timer.Set(BootstrapPeriod)
	case r.bsr.candidate && cb != nil:
		r.log.Info("router: elected bsr", "addr", cb.Addr, "priority", cb.Priority)
		r.metrics.BSRChanges.Inc()
		r.bsr.elected = true
		r.bsr.addr = cb.Addr
		r.bsr.priority = cb.Priority
		r.bsr.hashMaskLen = cb.HashMaskLen
		if r.bsr.fragTag == 0 {
			r.bsr.fragTag = uint16(rand32())
		}
		r.rps.SetHashMaskLen(cb.HashMaskLen)
		r.frags.DeleteAll()
		r.originateBootstrap()
		r.bsr.timer.Set(BootstrapPeriod)
	default:
		r.log.Warn("router: bsr timed out", "bsr", r.bsr.addr)
		r.bsr.addr = netip.Addr{}
		r.bsr.last = nil
	}
}

// handleCandRPAdv adds an advertised candidate RP to the RP-set. Only the
// elected BSR collects them.
func (r *Router) handleCandRPAdv(src netip.Addr, m *pim.CandidateRPAdvMessage) error {
	if !r.bsr.elected {
		return nil
	}
	r.applyCandRP(m.RPAddr, m.Priority, time.Duration(m.Holdtime)*time.Second, m.Groups)
	return nil
}

func (r *Router) applyCandRP(addr netip.Addr, priority uint8, holdtime time.Duration, groups []pim.EncodedGroup) {
	if holdtime == 0 && len(groups) == 0 {
		// withdrawal of every range the RP serves
		if rows := r.rps.DeleteRP(addr); len(rows) > 0 {
			r.rpRowsRemoved(rows)
			r.remap()
		}
		return
	}
	prefixes := []netip.Prefix{rp.AllMulticast}
	if len(groups) > 0 {
		prefixes = prefixes[:0]
		for _, g := range groups {
			prefixes = append(prefixes, g.Prefix())
		}
	}
	for _, p := range prefixes {
		if !p.Addr().IsMulticast() {
			continue
		}
		if holdtime == 0 {
			if removed, _ := r.rps.Delete(addr, p); removed {
				r.rpRowsRemoved([]rp.Entry{{RP: addr, Prefix: p}})
			}
			continue
		}
		r.addRPEntry(addr, p, priority, holdtime, r.bsr.fragTag, false)
	}
	r.remap()
}

// tickCandRP advertises our candidacy to the BSR every interval. Until a
// BSR is known it retries every tick.
func (r *Router) tickCandRP(elapsed time.Duration) {
	crp := r.cfg.CandRP
	if crp == nil || !r.crpTimer.Tick(elapsed) {
		return
	}
	if !r.bsr.addr.IsValid() {
		r.crpTimer.Set(TimerInterval)
		return
	}
	r.crpTimer.Set(crp.Interval)
	groups := make([]pim.EncodedGroup, 0, len(crp.Groups))
	for _, p := range crp.Groups {
		groups = append(groups, pim.EncodedGroupFromPrefix(p))
	}
	hold := uint16(crp.Holdtime / time.Second)
	if r.bsr.elected {
		r.applyCandRP(crp.Addr, crp.Priority, crp.Holdtime, groups)
		return
	}
	r.send(nil, r.bsr.addr, &pim.CandidateRPAdvMessage{
		Priority: crp.Priority,
		Holdtime: hold,
		RPAddr:   crp.Addr,
		Groups:   groups,
	})
}
