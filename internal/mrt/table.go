package mrt

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/malbeclabs/pimd/internal/vif"
)

var (
	ErrTableFull   = errors.New("mrt: route table full")
	ErrNoRP        = errors.New("mrt: no rp for group")
	ErrNotRP       = errors.New("mrt: address is not a known rp")
	ErrInvalidKey  = errors.New("mrt: invalid route key")
	ErrNoRoute     = errors.New("mrt: no unicast route")
	ErrNotFound    = errors.New("mrt: no such route")
	ErrUnsupported = errors.New("mrt: unsupported address family")
)

// RPFInfo is the reverse path toward an address.
type RPFInfo struct {
	IIF        vif.Index
	Upstream   netip.Addr
	Preference uint32
	Metric     uint32
}

// RPFOracle resolves the incoming interface and upstream neighbor toward an
// address from the unicast routing table.
type RPFOracle interface {
	Lookup(addr netip.Addr) (RPFInfo, error)
}

// Forwarder programs the kernel multicast forwarding cache.
type Forwarder interface {
	InstallForwarding(src, group netip.Addr, iif vif.Index, oifs vif.Set) error
	RemoveForwarding(src, group netip.Addr) error
	// PacketCount is the number of packets the kernel forwarded for
	// (src, group) since the entry was installed.
	PacketCount(src, group netip.Addr) (uint64, error)
}

type Config struct {
	Logger    *slog.Logger
	Vifs      *vif.Table
	RPF       RPFOracle
	Forwarder Forwarder
	MaxRoutes int

	// RPFor resolves the active RP of a group.
	RPFor func(group netip.Addr) (netip.Addr, bool)
	// IsRP reports whether addr is a known candidate RP.
	IsRP func(addr netip.Addr) bool
	// OnKernelSync, if set, is called once per forwarding cache update.
	OnKernelSync func()
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Vifs == nil {
		return errors.New("vif table is required")
	}
	if c.RPF == nil {
		return errors.New("rpf oracle is required")
	}
	if c.Forwarder == nil {
		return errors.New("forwarder is required")
	}
	if c.MaxRoutes <= 0 {
		c.MaxRoutes = 65536
	}
	if c.RPFor == nil {
		c.RPFor = func(netip.Addr) (netip.Addr, bool) { return netip.Addr{}, false }
	}
	if c.IsRP == nil {
		c.IsRP = func(netip.Addr) bool { return false }
	}
	return nil
}

type sgKey struct {
	src, grp netip.Addr
}

// Table is the multicast routing table. It is not safe for concurrent use.
type Table struct {
	log *slog.Logger
	cfg Config

	nextID  RouteID
	routes  map[RouteID]*Route
	sg      map[sgKey]RouteID
	rp      map[netip.Addr]RouteID
	sources map[netip.Addr]*Source
	groups  map[netip.Addr]*Group
}

func New(cfg Config) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating mrt config: %w", err)
	}
	return &Table{
		log:     cfg.Logger,
		cfg:     cfg,
		routes:  make(map[RouteID]*Route),
		sg:      make(map[sgKey]RouteID),
		rp:      make(map[netip.Addr]RouteID),
		sources: make(map[netip.Addr]*Source),
		groups:  make(map[netip.Addr]*Group),
	}, nil
}

func (t *Table) Len() int { return len(t.routes) }

// Route resolves a handle. Deleted handles return nil.
func (t *Table) Route(id RouteID) *Route { return t.routes[id] }

func (t *Table) Source(addr netip.Addr) (*Source, bool) {
	s, ok := t.sources[addr]
	return s, ok
}

func (t *Table) Group(addr netip.Addr) (*Group, bool) {
	g, ok := t.groups[addr]
	return g, ok
}

// rpKey resolves the RP a (*,*,RP) lookup refers to: the group's RP when a
// group is given, otherwise src itself.
func (t *Table) rpKey(src, grp netip.Addr) (netip.Addr, bool) {
	if grp.IsValid() {
		return t.cfg.RPFor(grp)
	}
	return src, src.IsValid()
}

// Lookup finds the most specific existing entry among kinds, in the order
// (S,G), (*,G), (*,*,RP). It never allocates.
func (t *Table) Lookup(src, grp netip.Addr, kinds Kinds) *Route {
	if kinds&MatchSG != 0 && src.IsValid() && grp.IsValid() {
		if id, ok := t.sg[sgKey{src, grp}]; ok {
			return t.routes[id]
		}
	}
	if kinds&MatchWC != 0 && grp.IsValid() {
		if g, ok := t.groups[grp]; ok && g.WC != 0 {
			return t.routes[g.WC]
		}
	}
	if kinds&MatchRP != 0 {
		if rp, ok := t.rpKey(src, grp); ok {
			if id, ok := t.rp[rp]; ok {
				return t.routes[id]
			}
		}
	}
	return nil
}

// FindRoute returns the existing match for (src, grp) among kinds. When none
// exists and create is set, it allocates an entry of the most specific
// allowed kind the key supports and marks it New. Without create a miss
// returns ErrNotFound.
func (t *Table) FindRoute(src, grp netip.Addr, kinds Kinds, create bool) (*Route, error) {
	if r := t.Lookup(src, grp, kinds); r != nil {
		return r, nil
	}
	if !create {
		return nil, ErrNotFound
	}
	if (src.IsValid() && !src.Is4()) || (grp.IsValid() && !grp.Is4()) {
		return nil, fmt.Errorf("%w: (%s,%s)", ErrUnsupported, src, grp)
	}
	switch {
	case kinds&MatchSG != 0 && src.IsValid() && grp.IsValid():
		return t.createSG(src, grp)
	case kinds&MatchWC != 0 && grp.IsValid():
		return t.createWC(grp)
	case kinds&MatchRP != 0:
		rp, ok := t.rpKey(src, grp)
		if !ok {
			return nil, fmt.Errorf("%w: (%s,%s)", ErrNoRP, src, grp)
		}
		return t.createRP(rp)
	}
	return nil, fmt.Errorf("%w: (%s,%s) kinds %d", ErrInvalidKey, src, grp, kinds)
}

func (t *Table) checkCapacity() error {
	if len(t.routes) >= t.cfg.MaxRoutes {
		return fmt.Errorf("%w: %d entries", ErrTableFull, len(t.routes))
	}
	return nil
}

func (t *Table) createSG(src, grp netip.Addr) (*Route, error) {
	if !grp.IsMulticast() {
		return nil, fmt.Errorf("%w: group %s", ErrInvalidKey, grp)
	}
	if err := t.checkCapacity(); err != nil {
		return nil, err
	}
	s, err := t.source(src)
	if err != nil {
		return nil, err
	}
	r := t.newRoute(KindSG, s)
	r.Source, r.Group = src, grp
	g := t.group(grp)
	g.sg = append(g.sg, r.ID)
	t.sg[sgKey{src, grp}] = r.ID
	t.log.Debug("mrt: route created", "route", r.String(), "iif", r.IIF, "upstream", r.Upstream)
	return r, nil
}

func (t *Table) createWC(grp netip.Addr) (*Route, error) {
	if !grp.IsMulticast() {
		return nil, fmt.Errorf("%w: group %s", ErrInvalidKey, grp)
	}
	rp, ok := t.cfg.RPFor(grp)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRP, grp)
	}
	if err := t.checkCapacity(); err != nil {
		return nil, err
	}
	s, err := t.source(rp)
	if err != nil {
		return nil, err
	}
	r := t.newRoute(KindWC, s)
	r.Group = grp
	g := t.group(grp)
	g.RP = rp
	g.WC = r.ID
	t.log.Debug("mrt: route created", "route", r.String(), "rp", rp, "iif", r.IIF)
	return r, nil
}

func (t *Table) createRP(rp netip.Addr) (*Route, error) {
	if !t.cfg.IsRP(rp) {
		return nil, fmt.Errorf("%w: %s", ErrNotRP, rp)
	}
	if err := t.checkCapacity(); err != nil {
		return nil, err
	}
	s, err := t.source(rp)
	if err != nil {
		return nil, err
	}
	r := t.newRoute(KindRP, s)
	r.Source = rp
	t.rp[rp] = r.ID
	t.log.Debug("mrt: route created", "route", r.String(), "iif", r.IIF)
	return r, nil
}

func (t *Table) newRoute(kind Kind, s *Source) *Route {
	t.nextID++
	r := &Route{
		ID:           t.nextID,
		Kind:         kind,
		New:          true,
		installedIIF: vif.None,
	}
	t.attach(r, s)
	t.routes[r.ID] = r
	return r
}

func (t *Table) attach(r *Route, s *Source) {
	r.upstreamAddr = s.Addr
	r.IIF = s.IIF
	r.Upstream = s.Upstream
	r.RPFUpstream = s.Upstream
	r.Preference = s.Preference
	r.Metric = s.Metric
	s.routes = append(s.routes, r.ID)
}

func (t *Table) detach(r *Route) {
	s, ok := t.sources[r.upstreamAddr]
	if !ok {
		return
	}
	s.routes = slices.DeleteFunc(s.routes, func(id RouteID) bool { return id == r.ID })
	t.maybeReclaimSource(s)
}

// source returns the entry for addr, creating it with a fresh RPF lookup.
func (t *Table) source(addr netip.Addr) (*Source, error) {
	if s, ok := t.sources[addr]; ok {
		return s, nil
	}
	s := &Source{Addr: addr}
	if err := t.resolve(s); err != nil {
		return nil, err
	}
	t.sources[addr] = s
	return s, nil
}

func (t *Table) resolve(s *Source) error {
	if t.cfg.Vifs.IsLocal(s.Addr) {
		s.IIF = t.cfg.Vifs.Register()
		s.Upstream = netip.Addr{}
		s.Preference, s.Metric = 0, 0
		return nil
	}
	info, err := t.cfg.RPF.Lookup(s.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoRoute, s.Addr, err)
	}
	s.IIF = info.IIF
	s.Upstream = info.Upstream
	s.Preference = info.Preference
	s.Metric = info.Metric
	return nil
}

func (t *Table) group(addr netip.Addr) *Group {
	g, ok := t.groups[addr]
	if !ok {
		g = &Group{Addr: addr}
		t.groups[addr] = g
	}
	return g
}

func (t *Table) maybeReclaimSource(s *Source) {
	if len(s.routes) == 0 && !s.pinned {
		delete(t.sources, s.Addr)
	}
}

func (t *Table) maybeReclaimGroup(g *Group) {
	if g.WC == 0 && len(g.sg) == 0 {
		delete(t.groups, g.Addr)
	}
}

// DeleteRoute unlinks the entry from every index, removes its forwarding
// cache entries and reclaims the source and group when nothing else refers
// to them.
func (t *Table) DeleteRoute(id RouteID) error {
	r, ok := t.routes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	var errs []error
	for _, kc := range r.caches {
		if err := t.cfg.Forwarder.RemoveForwarding(kc.Source, kc.Group); err != nil {
			errs = append(errs, err)
		}
	}
	r.caches = nil

	switch r.Kind {
	case KindSG:
		delete(t.sg, sgKey{r.Source, r.Group})
		if g, ok := t.groups[r.Group]; ok {
			g.sg = slices.DeleteFunc(g.sg, func(x RouteID) bool { return x == id })
			t.maybeReclaimGroup(g)
		}
	case KindWC:
		if g, ok := t.groups[r.Group]; ok {
			g.WC = 0
			t.maybeReclaimGroup(g)
		}
	case KindRP:
		delete(t.rp, r.Source)
	}
	t.detach(r)
	delete(t.routes, id)
	t.log.Debug("mrt: route deleted", "route", r.String())
	return errors.Join(errs...)
}

// Rehome makes the entry follow the RPF toward addr, as when a (*,G) entry's
// RP changes or an (S,G) entry switches between the shared and source tree.
func (t *Table) Rehome(r *Route, addr netip.Addr) error {
	if r.upstreamAddr == addr {
		return nil
	}
	s, err := t.source(addr)
	if err != nil {
		return err
	}
	t.detach(r)
	t.attach(r, s)
	if r.Kind == KindWC {
		if g, ok := t.groups[r.Group]; ok {
			g.RP = addr
		}
	}
	return nil
}

// RefreshRPF repeats the unicast lookup toward addr and updates every entry
// following it. It returns the entries whose iif or upstream changed.
func (t *Table) RefreshRPF(addr netip.Addr) ([]*Route, error) {
	s, ok := t.sources[addr]
	if !ok {
		return nil, nil
	}
	oldIIF, oldUp := s.IIF, s.Upstream
	if err := t.resolve(s); err != nil {
		return nil, err
	}
	if s.IIF == oldIIF && s.Upstream == oldUp {
		return nil, nil
	}
	var changed []*Route
	for _, id := range s.routes {
		r := t.routes[id]
		if r == nil {
			continue
		}
		r.IIF = s.IIF
		r.Upstream = s.Upstream
		r.RPFUpstream = s.Upstream
		r.Preference = s.Preference
		r.Metric = s.Metric
		changed = append(changed, r)
	}
	return changed, nil
}

// PinSource keeps the source entry for addr alive without routes, as for a
// candidate RP.
func (t *Table) PinSource(addr netip.Addr) error {
	s, err := t.source(addr)
	if err != nil {
		return err
	}
	s.pinned = true
	return nil
}

func (t *Table) UnpinSource(addr netip.Addr) {
	if s, ok := t.sources[addr]; ok {
		s.pinned = false
		t.maybeReclaimSource(s)
	}
}

// Sources returns the addresses of every source entry.
func (t *Table) Sources() []netip.Addr {
	out := make([]netip.Addr, 0, len(t.sources))
	for a := range t.sources {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// RoutesVia returns the entries following the RPF toward addr.
func (t *Table) RoutesVia(addr netip.Addr) []*Route {
	s, ok := t.sources[addr]
	if !ok {
		return nil
	}
	out := make([]*Route, 0, len(s.routes))
	for _, id := range s.routes {
		if r := t.routes[id]; r != nil {
			out = append(out, r)
		}
	}
	return out
}

// GroupRoutes returns the (S,G) entries of a group.
func (t *Table) GroupRoutes(grp netip.Addr) []*Route {
	g, ok := t.groups[grp]
	if !ok {
		return nil
	}
	out := make([]*Route, 0, len(g.sg))
	for _, id := range g.sg {
		if r := t.routes[id]; r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Groups returns every group address.
func (t *Table) Groups() []netip.Addr {
	out := make([]netip.Addr, 0, len(t.groups))
	for a := range t.groups {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// Routes returns every entry ordered by kind, group, then source.
func (t *Table) Routes() []*Route {
	out := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	slices.SortFunc(out, compareRoutes)
	return out
}

func compareRoutes(a, b *Route) int {
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	if c := a.Group.Compare(b.Group); c != 0 {
		return c
	}
	if c := a.Source.Compare(b.Source); c != 0 {
		return c
	}
	if a.ID < b.ID {
		return -1
	}
	if a.ID > b.ID {
		return 1
	}
	return 0
}
