package vif

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strings"
	"sync"
)

// MaxVifs bounds the interface table; a Set holds one bit per vif.
const MaxVifs = 64

// Index identifies a virtual interface. None marks an unresolved interface.
type Index int

const None Index = -1

func (i Index) Valid() bool { return i >= 0 && i < MaxVifs }

var (
	ErrTooManyVifs = errors.New("vif: interface table full")
	ErrDuplicate   = errors.New("vif: interface already registered")
	ErrNotFound    = errors.New("vif: no such interface")
)

// Set is a bitmap of vif indices.
type Set uint64

func Of(idx ...Index) Set {
	var s Set
	for _, i := range idx {
		s = s.Add(i)
	}
	return s
}

func (s Set) Has(i Index) bool {
	return i.Valid() && s&(1<<uint(i)) != 0
}

func (s Set) Add(i Index) Set {
	if !i.Valid() {
		return s
	}
	return s | 1<<uint(i)
}

func (s Set) Remove(i Index) Set {
	if !i.Valid() {
		return s
	}
	return s &^ (1 << uint(i))
}

func (s Set) Union(o Set) Set     { return s | o }
func (s Set) Intersect(o Set) Set { return s & o }
func (s Set) Minus(o Set) Set     { return s &^ o }
func (s Set) Empty() bool         { return s == 0 }
func (s Set) Len() int            { return bits.OnesCount64(uint64(s)) }

// Indices returns the members in ascending order.
func (s Set) Indices() []Index {
	out := make([]Index, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, Index(bits.TrailingZeros64(v)))
	}
	return out
}

func (s Set) String() string {
	parts := make([]string, 0, s.Len())
	for _, i := range s.Indices() {
		parts = append(parts, fmt.Sprint(int(i)))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Vif is one multicast-capable interface. The register vif is a pseudo
// interface used to hand encapsulated data to the kernel.
type Vif struct {
	Index      Index
	Name       string
	IfIndex    int
	Addr       netip.Addr
	Subnet     netip.Prefix
	Disabled   bool
	Register   bool
	DRPriority uint32
	GenID      uint32

	// DR is the elected designated router on the link.
	DR netip.Addr
}

// IsDR reports whether this router is the elected DR on the link.
func (v *Vif) IsDR() bool { return v.DR.IsValid() && v.DR == v.Addr }

// Table is the vif table. It is written at startup and when interfaces
// change; the router reads it under its own lock.
type Table struct {
	mu       sync.RWMutex
	vifs     []*Vif
	byName   map[string]*Vif
	register Index
}

func NewTable() *Table {
	return &Table{byName: make(map[string]*Vif), register: None}
}

// Add registers an interface and returns its index.
func (t *Table) Add(v Vif) (Index, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[v.Name]; ok {
		return None, fmt.Errorf("%w: %s", ErrDuplicate, v.Name)
	}
	if len(t.vifs) >= MaxVifs {
		return None, ErrTooManyVifs
	}
	v.Index = Index(len(t.vifs))
	nv := &v
	t.vifs = append(t.vifs, nv)
	t.byName[v.Name] = nv
	if v.Register {
		t.register = v.Index
	}
	return v.Index, nil
}

// AddRegister adds the register pseudo interface.
func (t *Table) AddRegister(addr netip.Addr) (Index, error) {
	return t.Add(Vif{Name: "register_vif0", Addr: addr, Register: true})
}

func (t *Table) Get(i Index) (*Vif, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || int(i) >= len(t.vifs) {
		return nil, false
	}
	return t.vifs[i], true
}

func (t *Table) ByName(name string) (*Vif, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.byName[name]
	return v, ok
}

// ByIfIndex resolves a kernel interface index.
func (t *Table) ByIfIndex(ifIndex int) (*Vif, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.vifs {
		if !v.Register && v.IfIndex == ifIndex {
			return v, true
		}
	}
	return nil, false
}

// Register returns the register vif, or None.
func (t *Table) Register() Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.register
}

// All returns every vif in index order.
func (t *Table) All() []*Vif {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Vif(nil), t.vifs...)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vifs)
}

// Enabled is the set of vifs that may forward. The register vif counts.
func (t *Table) Enabled() Set {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s Set
	for _, v := range t.vifs {
		if !v.Disabled {
			s = s.Add(v.Index)
		}
	}
	return s
}

// SetDisabled toggles an interface.
func (t *Table) SetDisabled(i Index, disabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || int(i) >= len(t.vifs) {
		return fmt.Errorf("%w: %d", ErrNotFound, i)
	}
	t.vifs[i].Disabled = disabled
	return nil
}

// IsLocal reports whether addr is one of this router's interface addresses.
func (t *Table) IsLocal(addr netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.vifs {
		if !v.Register && v.Addr == addr {
			return true
		}
	}
	return false
}

// Connected returns the enabled vif whose subnet contains addr.
func (t *Table) Connected(addr netip.Addr) Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.vifs {
		if v.Register || v.Disabled || !v.Subnet.IsValid() {
			continue
		}
		if v.Subnet.Contains(addr) {
			return v.Index
		}
	}
	return None
}
