package router

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/vif"
)

var ErrBadInnerPacket = errors.New("router: bad encapsulated packet")

// linkLocalGroups are never routed.
var linkLocalGroups = netip.MustParsePrefix("224.0.0.0/24")

func routableGroup(grp netip.Addr) bool {
	return grp.Is4() && grp.IsMulticast() && !linkLocalGroups.Contains(grp)
}

// HandleNoCache handles the kernel reporting data from src to grp on iif
// with no forwarding entry. A first-hop DR starts registering the source;
// elsewhere the entry covering (src, grp) takes a forwarding cache entry.
func (r *Router) HandleNoCache(src, grp netip.Addr, iif vif.Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()

	if !routableGroup(grp) {
		return nil
	}
	if v, ok := r.vifs.Get(iif); ok && r.vifs.Connected(src) == iif && v.IsDR() {
		return r.firstHop(v, src, grp)
	}

	rt := r.mrt.Lookup(src, grp, mrt.MatchAll)
	if rt == nil {
		r.log.Debug("router: no route for data", "src", src, "group", grp, "iif", iif)
		return nil
	}
	if err := r.mrt.AddKernelCache(rt, src, grp); err != nil {
		return fmt.Errorf("error installing forwarding for (%s,%s): %w", src, grp, err)
	}
	switch rt.Kind {
	case mrt.KindSG:
		rt.Timer.SetMax(DataTimeout)
		if iif == rt.IIF && !rt.RPBit {
			rt.SPT = true
		}
	case mrt.KindWC:
		r.maybeSwitchToSPT(rt, src)
	}
	return nil
}

// firstHop sets up (src, grp) for a directly connected source. Outside the
// SSM range, and unless this router is the RP, data is registered to the RP.
func (r *Router) firstHop(v *vif.Vif, src, grp netip.Addr) error {
	rt, err := r.mrt.FindRoute(src, grp, mrt.MatchSG, true)
	if err != nil {
		r.findFailed(err, src, grp)
		return fmt.Errorf("error creating route for (%s,%s): %w", src, grp, err)
	}
	if rt.RPBit {
		r.switchToSPT(rt)
	}
	rt.Timer.SetMax(DataTimeout)
	rt.SPT = true
	r.inheritSG(rt)

	_, isRP := r.isLocalRP(grp)
	reg := r.vifs.Register()
	if !r.isSSM(grp) && !isRP && reg.Valid() {
		key := sgKey{src, grp}
		if _, ok := r.registering[key]; !ok {
			r.registering[key] = rate.NewLimiter(r.cfg.RegisterRate, r.cfg.RegisterBurst)
			r.log.Info("router: registering source", "iface", v.Name, "src", src, "group", grp)
		}
		if !rt.RSTimer.Active() {
			rt.Joined = rt.Joined.Add(reg)
		}
	}
	if err := r.mrt.AddKernelCache(rt, src, grp); err != nil {
		return fmt.Errorf("error installing forwarding for (%s,%s): %w", src, grp, err)
	}
	r.update(rt)
	return nil
}

// maybeSwitchToSPT creates the source tree entry for src at a last-hop
// router once shared tree data for it shows up. The forwarding entry moves
// over when data arrives on the source tree interface.
func (r *Router) maybeSwitchToSPT(wc *mrt.Route, src netip.Addr) {
	if r.isSSM(wc.Group) {
		return
	}
	if _, isRP := r.isLocalRP(wc.Group); isRP {
		return
	}
	lastHop := false
	for _, i := range wc.Leaves.Indices() {
		if v, ok := r.vifs.Get(i); ok && v.IsDR() {
			lastHop = true
			break
		}
	}
	if !lastHop {
		return
	}
	sg, err := r.mrt.FindRoute(src, wc.Group, mrt.MatchSG, true)
	if err != nil {
		r.findFailed(err, src, wc.Group)
		return
	}
	if sg.RPBit {
		r.switchToSPT(sg)
	}
	sg.Timer.SetMax(DataTimeout)
	r.inheritSG(sg)
	r.update(sg)
	r.log.Debug("router: joining source tree", "route", sg.String(), "upstream", sg.Upstream)
	if sg.SPT || divergesFrom(sg, wc) {
		return
	}
	// The trees share iif and upstream, so data never arrives on a wrong
	// interface to complete the switch.
	sg.SPT = true
	if err := r.mrt.MoveKernelCache(wc, sg, src); err != nil {
		r.log.Warn("router: error moving forwarding", "route", sg.String(), "error", err)
	}
	r.log.Info("router: switched to source tree", "route", sg.String(), "iif", sg.IIF)
}

// HandleWrongVif handles data for (src, grp) arriving on i, which is not
// the iif of the forwarding entry. On an outgoing interface it means a
// duplicate forwarder, which we assert against. On the source tree iif it
// completes the switch to the source tree.
func (r *Router) HandleWrongVif(src, grp netip.Addr, i vif.Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.jp.flushAll()

	owner := r.mrt.FindKernelCache(src, grp)
	if owner == nil {
		owner = r.mrt.Lookup(src, grp, mrt.MatchAll)
	}
	if owner == nil {
		return nil
	}
	if owner.Oifs().Has(i) {
		if v, ok := r.vifs.Get(i); ok {
			r.sendAssert(owner, v)
		}
		return nil
	}

	sg := r.mrt.Lookup(src, grp, mrt.MatchSG)
	if sg == nil || sg.RPBit || sg.SPT || i != sg.IIF {
		return nil
	}
	sg.SPT = true
	sg.Timer.SetMax(DataTimeout)
	if owner != sg {
		if err := r.mrt.MoveKernelCache(owner, sg, src); err != nil {
			return fmt.Errorf("error moving forwarding for (%s,%s): %w", src, grp, err)
		}
	}
	r.log.Info("router: switched to source tree", "route", sg.String(), "iif", sg.IIF)
	if wc := r.mrt.Lookup(netip.Addr{}, grp, mrt.MatchWC); wc != nil && divergesFrom(sg, wc) {
		r.queueRPTPrune(wc, src)
	}
	return nil
}

// divergesFrom reports whether sg's source tree leaves the shared tree of
// wc, which is when S must be pruned off the shared tree.
func divergesFrom(sg, wc *mrt.Route) bool {
	return sg.IIF != wc.IIF || sg.Upstream != wc.Upstream
}

func (r *Router) queueRPTPrune(wc *mrt.Route, src netip.Addr) {
	key, ok := r.jpTarget(wc)
	if !ok {
		return
	}
	s := pim.EncodedSource{Addr: src, Flags: pim.SparseBit | pim.RPTreeBit, MaskLen: 32}
	r.jp.add(key, pim.NewEncodedGroup(wc.Group), s, false)
}

// HandleWholePacket encapsulates a data packet the kernel handed to the
// register vif and unicasts it to the RP, subject to the per source rate
// cap.
func (r *Router) HandleWholePacket(pkt []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, grp, err := innerAddrs(pkt)
	if err != nil {
		return err
	}
	rt := r.mrt.Lookup(src, grp, mrt.MatchSG)
	reg := r.vifs.Register()
	if rt == nil || !rt.Joined.Has(reg) {
		return nil
	}
	key := sgKey{src, grp}
	lim, ok := r.registering[key]
	if !ok {
		return nil
	}
	if !lim.AllowN(r.clock.Now(), 1) {
		r.metrics.Dropped.WithLabelValues("register_rate").Inc()
		return nil
	}
	rpAddr, isRP := r.isLocalRP(grp)
	if !rpAddr.IsValid() || isRP {
		return nil
	}
	r.send(nil, rpAddr, &pim.RegisterMessage{Packet: pkt})
	r.metrics.RegistersSent.Inc()
	return nil
}

func innerAddrs(pkt []byte) (src, grp netip.Addr, err error) {
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return src, grp, fmt.Errorf("%w: %w", ErrBadInnerPacket, err)
	}
	src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
	grp, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok1 || !ok2 {
		return src, grp, fmt.Errorf("%w: not ipv4", ErrBadInnerPacket)
	}
	return src, grp, nil
}

// handleRegister is the RP side: it answers with a Register-Stop when it
// is not the RP, when nobody wants the group, or when the source tree is
// already up; otherwise it joins toward the source.
func (r *Router) handleRegister(src netip.Addr, m *pim.RegisterMessage) error {
	inner, err := m.Inner()
	if err != nil {
		r.metrics.PacketsInvalid.WithLabelValues("register_inner").Inc()
		return fmt.Errorf("%w: %w", ErrBadInnerPacket, err)
	}
	s, ok1 := netip.AddrFromSlice(inner.SrcIP.To4())
	g, ok2 := netip.AddrFromSlice(inner.DstIP.To4())
	if !ok1 || !ok2 || !routableGroup(g) {
		r.metrics.PacketsInvalid.WithLabelValues("register_inner").Inc()
		return fmt.Errorf("%w: (%s,%s)", ErrBadInnerPacket, inner.SrcIP, inner.DstIP)
	}

	if _, isRP := r.isLocalRP(g); !isRP || r.isSSM(g) {
		r.sendRegisterStop(src, g, s)
		return fmt.Errorf("%w: %s", ErrNotRP, g)
	}
	if sg := r.mrt.Lookup(s, g, mrt.MatchSG); sg != nil && sg.SPT && !sg.RPBit {
		r.sendRegisterStop(src, g, s)
		return nil
	}
	wc := r.mrt.Lookup(netip.Addr{}, g, mrt.MatchWC|mrt.MatchRP)
	if wc == nil || wc.Oifs().Empty() {
		r.sendRegisterStop(src, g, s)
		return nil
	}
	if m.Null {
		return nil
	}

	sg, err := r.mrt.FindRoute(s, g, mrt.MatchSG, true)
	if err != nil {
		r.findFailed(err, s, g)
		return fmt.Errorf("error creating route for (%s,%s): %w", s, g, err)
	}
	if sg.RPBit {
		r.switchToSPT(sg)
	}
	sg.Timer.SetMax(DataTimeout)
	r.inheritSG(sg)
	if err := r.mrt.AddKernelCache(sg, s, g); err != nil {
		r.log.Warn("router: error installing forwarding", "route", sg.String(), "error", err)
	}
	r.update(sg)
	return nil
}

func (r *Router) sendRegisterStop(dst, grp, src netip.Addr) {
	r.send(nil, dst, &pim.RegisterStopMessage{Group: pim.NewEncodedGroup(grp), Source: src})
	r.metrics.RegisterStops.Inc()
}

// handleRegisterStop suppresses registering for the (S,G) entries named.
// An unspecified source covers every source of the group.
func (r *Router) handleRegisterStop(src netip.Addr, m *pim.RegisterStopMessage) error {
	grp := m.Group.Addr
	var routes []*mrt.Route
	if !m.Source.IsValid() || m.Source.IsUnspecified() {
		routes = r.mrt.GroupRoutes(grp)
	} else if rt := r.mrt.Lookup(m.Source, grp, mrt.MatchSG); rt != nil {
		routes = append(routes, rt)
	}
	reg := r.vifs.Register()
	for _, rt := range routes {
		if _, ok := r.registering[sgKey{rt.Source, rt.Group}]; !ok {
			continue
		}
		r.suppressRegister(rt, reg)
		r.log.Debug("router: register stopped", "route", rt.String(), "rp", src, "suppress", rt.RSTimer.Remaining())
	}
	return nil
}

// suppressRegister stops encapsulation for a jittered suppression period,
// less the probe time at whose start a NULL-Register checks whether the RP
// still wants it stopped.
func (r *Router) suppressRegister(rt *mrt.Route, reg vif.Index) {
	d := RegisterSuppressionTimeout/2 + r.cfg.Jitter(RegisterSuppressionTimeout) - RegisterProbeTime
	rt.RSTimer.Set(max(d, TimerInterval))
	delete(r.probing, rt.ID)
	if rt.Joined.Has(reg) {
		rt.Joined = rt.Joined.Remove(reg)
		r.update(rt)
	}
}

// registerTimerFired runs the register state machine when RSTimer expires:
// from suppressed it sends a NULL-Register probe; from probing it resumes
// encapsulation.
func (r *Router) registerTimerFired(rt *mrt.Route) {
	if _, ok := r.registering[sgKey{rt.Source, rt.Group}]; !ok {
		return
	}
	if r.probing[rt.ID] {
		delete(r.probing, rt.ID)
		if reg := r.vifs.Register(); reg.Valid() {
			rt.Joined = rt.Joined.Add(reg)
			r.update(rt)
		}
		r.log.Debug("router: register probe unanswered, resuming", "route", rt.String())
		return
	}
	rpAddr, isRP := r.isLocalRP(rt.Group)
	if !rpAddr.IsValid() || isRP {
		return
	}
	pkt, err := pim.NullRegisterPacket(rt.Source, rt.Group)
	if err != nil {
		r.log.Error("router: error building null register", "route", rt.String(), "error", err)
		return
	}
	r.send(nil, rpAddr, &pim.RegisterMessage{Null: true, Packet: pkt})
	r.metrics.RegistersSent.Inc()
	r.probing[rt.ID] = true
	rt.RSTimer.Set(RegisterProbeTime)
}
