package router

import (
	"net/netip"
	"slices"
	"time"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/vif"
)

type InterfaceInfo struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Addr       netip.Addr `json:"addr"`
	Disabled   bool       `json:"disabled"`
	Register   bool       `json:"register"`
	DRPriority uint32     `json:"dr_priority"`
	DR         netip.Addr `json:"dr"`
	IsDR       bool       `json:"is_dr"`
	Neighbors  int        `json:"neighbors"`
}

type NeighborInfo struct {
	Iface      string        `json:"iface"`
	Addr       netip.Addr    `json:"addr"`
	GenID      uint32        `json:"gen_id"`
	DRPriority uint32        `json:"dr_priority"`
	Holdtime   time.Duration `json:"holdtime"`
	Expires    time.Duration `json:"expires"`
	Uptime     time.Duration `json:"uptime"`
	Secondary  []netip.Addr  `json:"secondary,omitempty"`
}

type RouteInfo struct {
	Kind     string        `json:"kind"`
	Source   netip.Addr    `json:"source"`
	Group    netip.Addr    `json:"group"`
	RPBit    bool          `json:"rpt"`
	SPT      bool          `json:"spt"`
	IIF      string        `json:"iif"`
	Upstream netip.Addr    `json:"upstream"`
	Oifs     []string      `json:"oifs"`
	Joined   []string      `json:"joined"`
	Pruned   []string      `json:"pruned"`
	Leaves   []string      `json:"leaves"`
	Asserted []string      `json:"asserted"`
	Expires  time.Duration `json:"expires"`
	JoinIn   time.Duration `json:"join_in"`
	Caches   int           `json:"caches"`
}

type RPInfo struct {
	RP       netip.Addr    `json:"rp"`
	Prefix   netip.Prefix  `json:"prefix"`
	Priority uint8         `json:"priority"`
	Static   bool          `json:"static"`
	Expires  time.Duration `json:"expires"`
}

type BSRInfo struct {
	Addr        netip.Addr    `json:"addr"`
	Priority    uint8         `json:"priority"`
	HashMaskLen uint8         `json:"hash_mask_len"`
	Elected     bool          `json:"elected"`
	Candidate   bool          `json:"candidate"`
	Expires     time.Duration `json:"expires"`
}

// Snapshot is a point in time copy of the router state for status output.
type Snapshot struct {
	Interfaces []InterfaceInfo `json:"interfaces"`
	Neighbors  []NeighborInfo  `json:"neighbors"`
	Routes     []RouteInfo     `json:"routes"`
	RPs        []RPInfo        `json:"rps"`
	BSR        BSRInfo         `json:"bsr"`
}

func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var s Snapshot
	for _, v := range r.vifs.All() {
		st := r.iface(v.Index)
		s.Interfaces = append(s.Interfaces, InterfaceInfo{
			Index:      int(v.Index),
			Name:       v.Name,
			Addr:       v.Addr,
			Disabled:   v.Disabled,
			Register:   v.Register,
			DRPriority: v.DRPriority,
			DR:         v.DR,
			IsDR:       v.IsDR(),
			Neighbors:  len(st.neighbors),
		})
		for _, n := range st.neighbors {
			s.Neighbors = append(s.Neighbors, NeighborInfo{
				Iface:      v.Name,
				Addr:       n.Addr,
				GenID:      n.GenID,
				DRPriority: n.DRPriority,
				Holdtime:   n.Holdtime,
				Expires:    n.expiry.Remaining(),
				Uptime:     now.Sub(n.Since),
				Secondary:  slices.Clone(n.Secondary),
			})
		}
	}
	for _, rt := range r.mrt.Routes() {
		s.Routes = append(s.Routes, r.routeInfo(rt))
	}
	for _, e := range r.rps.Entries() {
		s.RPs = append(s.RPs, RPInfo{
			RP:       e.RP,
			Prefix:   e.Prefix,
			Priority: e.Priority,
			Static:   e.Static,
			Expires:  e.Holdtime.Remaining(),
		})
	}
	s.BSR = BSRInfo{
		Addr:        r.bsr.addr,
		Priority:    r.bsr.priority,
		HashMaskLen: r.bsr.hashMaskLen,
		Elected:     r.bsr.elected,
		Candidate:   r.bsr.candidate,
		Expires:     r.bsr.timer.Remaining(),
	}
	return s
}

// Route returns the entry for (src, grp) among kinds, if any.
func (r *Router) Route(src, grp netip.Addr, kinds mrt.Kinds) (RouteInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.mrt.Lookup(src, grp, kinds)
	if rt == nil {
		return RouteInfo{}, false
	}
	return r.routeInfo(rt), true
}

// RP returns the active RP for grp.
func (r *Router) RP(grp netip.Addr) (netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rps.Match(grp)
	return e.RP, ok
}

func (r *Router) routeInfo(rt *mrt.Route) RouteInfo {
	return RouteInfo{
		Kind:     rt.Kind.String(),
		Source:   rt.Source,
		Group:    rt.Group,
		RPBit:    rt.RPBit,
		SPT:      rt.SPT,
		IIF:      r.vifName(rt.IIF),
		Upstream: rt.Upstream,
		Oifs:     r.vifNames(rt.Oifs()),
		Joined:   r.vifNames(rt.Joined),
		Pruned:   r.vifNames(rt.Pruned),
		Leaves:   r.vifNames(rt.Leaves),
		Asserted: r.vifNames(rt.Asserted),
		Expires:  rt.Timer.Remaining(),
		JoinIn:   rt.JPTimer.Remaining(),
		Caches:   len(rt.KernelCaches()),
	}
}

func (r *Router) vifName(i vif.Index) string {
	if v, ok := r.vifs.Get(i); ok {
		return v.Name
	}
	return ""
}

func (r *Router) vifNames(s vif.Set) []string {
	names := make([]string, 0, s.Len())
	for _, i := range s.Indices() {
		names = append(names, r.vifName(i))
	}
	return names
}
