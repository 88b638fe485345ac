package mrt

import (
	"fmt"
	"net/netip"

	"github.com/malbeclabs/pimd/internal/timer"
	"github.com/malbeclabs/pimd/internal/vif"
)

// Kind classifies a route entry. RPBit on a Route is only meaningful for KindSG.
type Kind uint8

const (
	KindSG Kind = iota + 1 // (S,G)
	KindWC                 // (*,G)
	KindRP                 // (*,*,RP)
)

func (k Kind) String() string {
	switch k {
	case KindSG:
		return "sg"
	case KindWC:
		return "wc"
	case KindRP:
		return "rp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Kinds is a set of kinds a lookup may match.
type Kinds uint8

const (
	MatchSG Kinds = 1 << iota
	MatchWC
	MatchRP

	MatchAll = MatchSG | MatchWC | MatchRP
)

func (k Kinds) has(kind Kind) bool {
	switch kind {
	case KindSG:
		return k&MatchSG != 0
	case KindWC:
		return k&MatchWC != 0
	case KindRP:
		return k&MatchRP != 0
	}
	return false
}

// RouteID is a stable handle to a route entry. IDs are never reused, so a
// handle held past deletion resolves to nothing rather than a new entry.
type RouteID uint64

// Route is a multicast routing entry.
type Route struct {
	ID   RouteID
	Kind Kind
	// RPBit marks an (S,G) entry routed toward the RP, i.e. (S,G,rpt).
	RPBit bool
	// SPT is set once data for an (S,G) arrives on the source tree iif.
	SPT bool

	// Source is S for (S,G) and the RP address for (*,*,RP). Invalid for (*,G).
	Source netip.Addr
	// Group is invalid for (*,*,RP).
	Group netip.Addr

	IIF vif.Index
	// Upstream is the current RPF neighbor, which an assert may override.
	Upstream netip.Addr
	// RPFUpstream is the neighbor unicast routing chose.
	RPFUpstream netip.Addr
	Preference  uint32
	Metric      uint32

	Joined   vif.Set
	Pruned   vif.Set
	Leaves   vif.Set
	Asserted vif.Set

	// New suppresses Join/Prune emission until the creator clears it.
	New bool

	Timer           timer.Countdown
	JPTimer         timer.Countdown
	RSTimer         timer.Countdown
	AssertTimer     timer.Countdown
	AssertRateTimer timer.Countdown

	vifTimers     []timer.Countdown
	deletionDelay []timer.Countdown
	assertTimers  []timer.Countdown

	// upstreamAddr is the address whose RPF the entry follows.
	upstreamAddr netip.Addr
	oifs         vif.Set
	installedIIF vif.Index
	caches       []KernelCache
	// pktCounts is the kernel packet count of each cache entry as last read.
	pktCounts map[KernelCache]uint64
}

// Oifs is the outgoing set last computed by ChangeInterfaces.
func (r *Route) Oifs() vif.Set { return r.oifs }

// UpstreamAddr is S for a source-tree (S,G) and the RP otherwise.
func (r *Route) UpstreamAddr() netip.Addr { return r.upstreamAddr }

// VifTimer is the join expiry timer of interface i.
func (r *Route) VifTimer(i vif.Index) *timer.Countdown {
	r.vifTimers = grow(r.vifTimers, i)
	return &r.vifTimers[i]
}

// DeletionDelay is the prune-pending timer of interface i.
func (r *Route) DeletionDelay(i vif.Index) *timer.Countdown {
	r.deletionDelay = grow(r.deletionDelay, i)
	return &r.deletionDelay[i]
}

// AssertVifTimer is the assert loser timer of outgoing interface i.
func (r *Route) AssertVifTimer(i vif.Index) *timer.Countdown {
	r.assertTimers = grow(r.assertTimers, i)
	return &r.assertTimers[i]
}

func grow(ts []timer.Countdown, i vif.Index) []timer.Countdown {
	if int(i) < len(ts) {
		return ts
	}
	n := make([]timer.Countdown, int(i)+1)
	copy(n, ts)
	return n
}

// KernelCaches returns the forwarding cache entries installed for the route.
func (r *Route) KernelCaches() []KernelCache {
	return append([]KernelCache(nil), r.caches...)
}

func (r *Route) String() string {
	switch r.Kind {
	case KindSG:
		if r.RPBit {
			return fmt.Sprintf("(%s,%s,rpt)", r.Source, r.Group)
		}
		return fmt.Sprintf("(%s,%s)", r.Source, r.Group)
	case KindWC:
		return fmt.Sprintf("(*,%s)", r.Group)
	default:
		return fmt.Sprintf("(*,*,%s)", r.Source)
	}
}

// CalcOifs is the outgoing interface set implied by the route's bitmaps:
// (joined ∪ leaves) \ (pruned ∪ asserted), limited to enabled interfaces and
// never including the incoming interface.
func CalcOifs(r *Route, enabled vif.Set) vif.Set {
	oifs := r.Joined.Union(r.Leaves).Minus(r.Pruned.Union(r.Asserted))
	return oifs.Intersect(enabled).Remove(r.IIF)
}

// Transition describes how the outgoing set changed between empty and
// non-empty.
type Transition int

const (
	Unchanged Transition = iota
	BecameEmpty
	BecameNonEmpty
)

// Source is a unicast address referenced as an (S,G) source or as an RP.
type Source struct {
	Addr       netip.Addr
	IIF        vif.Index
	Upstream   netip.Addr
	Preference uint32
	Metric     uint32

	routes []RouteID
	pinned bool
}

// Group holds the state of one multicast group.
type Group struct {
	Addr netip.Addr
	// RP is the active RP the (*,G) entry follows.
	RP netip.Addr
	WC RouteID

	sg []RouteID
}

// SG returns the (S,G) entries of the group.
func (g *Group) SG() []RouteID { return append([]RouteID(nil), g.sg...) }
