package router

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/timer"
	"github.com/malbeclabs/pimd/internal/vif"
)

// Neighbor is a PIM router heard on one interface.
type Neighbor struct {
	Addr          netip.Addr
	Vif           vif.Index
	GenID         uint32
	HasGenID      bool
	DRPriority    uint32
	HasDRPriority bool
	Holdtime      time.Duration
	Secondary     []netip.Addr
	Since         time.Time
	LastSeen      time.Time

	expiry timer.Countdown
}

// neighbor returns the neighbor with addr on v, matching secondary
// addresses too.
func (r *Router) neighbor(v vif.Index, addr netip.Addr) *Neighbor {
	for _, n := range r.iface(v).neighbors {
		if n.Addr == addr || slices.Contains(n.Secondary, addr) {
			return n
		}
	}
	return nil
}

// isNeighbor reports whether addr is a neighbor on any interface.
func (r *Router) isNeighbor(addr netip.Addr) bool {
	for i := range r.ifaces {
		if r.neighbor(i, addr) != nil {
			return true
		}
	}
	return false
}

func (r *Router) handleHello(v *vif.Vif, src netip.Addr, m *pim.HelloMessage) error {
	st := r.iface(v.Index)
	holdtime := HelloHoldtime
	if m.HasHoldtime {
		holdtime = time.Duration(m.Holdtime) * time.Second
	}
	n := r.neighbor(v.Index, src)

	if holdtime == 0 {
		if n != nil {
			r.log.Info("router: neighbor said goodbye", "iface", v.Name, "neighbor", src)
			r.removeNeighbor(v, n)
		}
		return nil
	}

	now := r.clock.Now()
	isNew := n == nil
	if isNew {
		if len(st.neighbors) >= r.cfg.MaxNeighbors {
			r.metrics.Dropped.WithLabelValues("too_many_neighbors").Inc()
			return fmt.Errorf("%w: %s on %s", ErrTooManyNeighbors, src, v.Name)
		}
		n = &Neighbor{Addr: src, Vif: v.Index, Since: now}
		st.neighbors = append(st.neighbors, n)
		slices.SortFunc(st.neighbors, func(a, b *Neighbor) int { return b.Addr.Compare(a.Addr) })
		r.metrics.Neighbors.WithLabelValues(v.Name).Set(float64(len(st.neighbors)))
		r.log.Info("router: new neighbor", "iface", v.Name, "neighbor", src, "holdtime", holdtime)
	}
	restarted := !isNew && m.HasGenerationID && n.HasGenID && n.GenID != m.GenerationID

	n.Holdtime = holdtime
	n.expiry.Set(holdtime)
	n.LastSeen = now
	n.HasGenID = m.HasGenerationID
	n.GenID = m.GenerationID
	n.HasDRPriority = m.HasDRPriority
	n.DRPriority = m.DRPriority
	n.Secondary = slices.Clone(m.SecondaryAddresses)

	r.electDR(v)

	if isNew || restarted {
		if restarted {
			r.log.Info("router: neighbor restarted", "iface", v.Name, "neighbor", src, "genid", n.GenID)
		}
		r.triggerHello(v.Index)
		r.sendBootstrapTo(v, src)
	}
	if restarted {
		// A restarted upstream lost our joins.
		for _, rt := range r.mrt.Routes() {
			if rt.IIF == v.Index && rt.Upstream == src && r.decide(rt) == ActionJoin {
				r.queueJoin(rt)
				rt.JPTimer.Set(JoinPrunePeriod)
			}
		}
	}
	return nil
}

// triggerHello schedules a Hello at a random delay so that routers hearing
// the same new neighbor do not answer in lockstep.
func (r *Router) triggerHello(i vif.Index) {
	st := r.iface(i)
	if st.helloEvent != 0 && r.events.Pending(st.helloEvent) {
		return
	}
	st.helloEvent = r.schedule(r.cfg.Jitter(TriggeredHelloDelay), event{kind: evTriggeredHello, vif: i})
}

func (r *Router) removeNeighbor(v *vif.Vif, n *Neighbor) {
	st := r.iface(v.Index)
	st.neighbors = slices.DeleteFunc(st.neighbors, func(x *Neighbor) bool { return x == n })
	r.metrics.Neighbors.WithLabelValues(v.Name).Set(float64(len(st.neighbors)))
	r.electDR(v)

	// Entries that pointed at the neighbor fall back to the unicast RPF,
	// which may have moved with it.
	for _, rt := range r.mrt.Routes() {
		if rt.IIF != v.Index || rt.Upstream != n.Addr {
			continue
		}
		if _, ok := r.upstreamWins[rt.ID]; ok {
			r.clearUpstreamAssert(rt)
		}
	}
	r.refreshRPF()
}

// electDR runs DR election on v: when every router on the link advertises
// a DR priority the highest priority wins, otherwise the highest address.
func (r *Router) electDR(v *vif.Vif) {
	st := r.iface(v.Index)
	allPriority := true
	for _, n := range st.neighbors {
		if !n.HasDRPriority {
			allPriority = false
			break
		}
	}
	winner, winPrio := v.Addr, v.DRPriority
	for _, n := range st.neighbors {
		if allPriority {
			if n.DRPriority > winPrio || (n.DRPriority == winPrio && n.Addr.Compare(winner) > 0) {
				winner, winPrio = n.Addr, n.DRPriority
			}
			continue
		}
		if n.Addr.Compare(winner) > 0 {
			winner = n.Addr
		}
	}
	if winner == v.DR {
		return
	}
	old := v.DR
	v.DR = winner
	r.metrics.DRChanges.WithLabelValues(v.Name).Inc()
	r.log.Info("router: dr changed", "iface", v.Name, "from", old, "to", winner, "local", v.IsDR())
}

// sendHello sends a Hello on v. A zero holdtime is the goodbye Hello.
func (r *Router) sendHello(v *vif.Vif, holdtime time.Duration) {
	r.send(v, pim.AllPIMRouters, &pim.HelloMessage{
		HasHoldtime:      true,
		Holdtime:         uint16(holdtime / time.Second),
		HasGenerationID:  true,
		GenerationID:     v.GenID,
		HasDRPriority:    true,
		DRPriority:       v.DRPriority,
		HasLANPruneDelay: true,
		PropDelay:        helloPropDelay,
		OverrideInterval: helloOverrideInterval,
	})
}

// ageNeighbors expires neighbors whose holdtime ran out.
func (r *Router) ageNeighbors(elapsed time.Duration) {
	for _, v := range r.vifs.All() {
		st, ok := r.ifaces[v.Index]
		if !ok {
			continue
		}
		var expired []*Neighbor
		for _, n := range st.neighbors {
			if n.expiry.Tick(elapsed) {
				expired = append(expired, n)
			}
		}
		for _, n := range expired {
			r.log.Info("router: neighbor expired", "iface", v.Name, "neighbor", n.Addr)
			r.removeNeighbor(v, n)
		}
	}
}
