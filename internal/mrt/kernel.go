package mrt

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/malbeclabs/pimd/internal/vif"
)

// KernelCache mirrors one forwarding cache entry the kernel holds for a
// route. Wildcard entries own one per source actually seen, since the
// kernel cache has no wildcard source.
type KernelCache struct {
	Source netip.Addr
	Group  netip.Addr
}

// ChangeInterfaces replaces the route's incoming interface and bitmaps and
// recomputes its outgoing set. The forwarding cache is only touched when the
// iif or the outgoing set actually changed.
func (t *Table) ChangeInterfaces(r *Route, iif vif.Index, joined, pruned, leaves, asserted vif.Set) (Transition, error) {
	r.IIF = iif
	r.Joined, r.Pruned, r.Leaves, r.Asserted = joined, pruned, leaves, asserted
	return t.Recalc(r)
}

// Recalc recomputes the outgoing set from the route's current bitmaps.
func (t *Table) Recalc(r *Route) (Transition, error) {
	old := r.oifs
	oifs := CalcOifs(r, t.cfg.Vifs.Enabled())
	if oifs == old && r.IIF == r.installedIIF {
		return Unchanged, nil
	}
	r.oifs = oifs
	r.installedIIF = r.IIF

	err := t.syncKernel(r)

	switch {
	case old.Empty() && !oifs.Empty():
		return BecameNonEmpty, err
	case !old.Empty() && oifs.Empty():
		return BecameEmpty, err
	}
	return Unchanged, err
}

func (t *Table) syncKernel(r *Route) error {
	var errs []error
	for _, kc := range r.caches {
		if err := t.install(r, kc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Table) install(r *Route, kc KernelCache) error {
	if err := t.cfg.Forwarder.InstallForwarding(kc.Source, kc.Group, r.IIF, r.oifs); err != nil {
		return fmt.Errorf("error installing forwarding for (%s,%s): %w", kc.Source, kc.Group, err)
	}
	if t.cfg.OnKernelSync != nil {
		t.cfg.OnKernelSync()
	}
	return nil
}

// AddKernelCache installs forwarding for (src, grp) following the route's
// iif and outgoing set and records the mirror. Adding an existing mirror
// only refreshes the kernel entry.
func (t *Table) AddKernelCache(r *Route, src, grp netip.Addr) error {
	kc := KernelCache{Source: src, Group: grp}
	if !slices.Contains(r.caches, kc) {
		r.caches = append(r.caches, kc)
	}
	r.installedIIF = r.IIF
	return t.install(r, kc)
}

// DeleteKernelCache removes forwarding for (src, grp) from the route.
func (t *Table) DeleteKernelCache(r *Route, src, grp netip.Addr) error {
	kc := KernelCache{Source: src, Group: grp}
	i := slices.Index(r.caches, kc)
	if i < 0 {
		return nil
	}
	r.caches = slices.Delete(r.caches, i, i+1)
	delete(r.pktCounts, kc)
	return t.cfg.Forwarder.RemoveForwarding(src, grp)
}

// MoveKernelCache hands the mirror for src from one route to another, as
// when an (S,G) entry takes over a source a wildcard entry was forwarding,
// and reinstalls it with the new owner's interfaces.
func (t *Table) MoveKernelCache(from, to *Route, src netip.Addr) error {
	idx := slices.IndexFunc(from.caches, func(kc KernelCache) bool { return kc.Source == src })
	if idx < 0 {
		return nil
	}
	kc := from.caches[idx]
	from.caches = slices.Delete(from.caches, idx, idx+1)
	delete(from.pktCounts, kc)
	if !slices.Contains(to.caches, kc) {
		to.caches = append(to.caches, kc)
	}
	return t.install(to, kc)
}

// FindKernelCache returns the route owning the forwarding entry for
// (src, grp), if any.
func (t *Table) FindKernelCache(src, grp netip.Addr) *Route {
	kc := KernelCache{Source: src, Group: grp}
	for _, kinds := range []Kinds{MatchSG, MatchWC, MatchRP} {
		r := t.Lookup(src, grp, kinds)
		if r != nil && slices.Contains(r.caches, kc) {
			return r
		}
	}
	return nil
}

// DataArrived reports whether any forwarding entry of the route forwarded
// packets since the previous call. Once an entry is installed the kernel
// stops reporting the flow, so its counters are the only sign of life.
func (t *Table) DataArrived(r *Route) bool {
	moved := false
	for _, kc := range r.caches {
		n, err := t.cfg.Forwarder.PacketCount(kc.Source, kc.Group)
		if err != nil {
			t.log.Debug("mrt: error reading forwarding counters", "route", r.String(), "src", kc.Source, "group", kc.Group, "error", err)
			continue
		}
		if n == r.pktCounts[kc] {
			continue
		}
		if r.pktCounts == nil {
			r.pktCounts = make(map[KernelCache]uint64)
		}
		r.pktCounts[kc] = n
		moved = true
	}
	return moved
}
