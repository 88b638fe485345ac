package rp

import (
	"encoding/binary"
	"net/netip"
	"slices"
	"time"

	"github.com/gaissmai/bart"

	"github.com/malbeclabs/pimd/internal/timer"
)

// DefaultHashMaskLen is the hash mask length used until a BSR announces one.
const DefaultHashMaskLen = 30

// AllMulticast is the group range a candidate RP with no prefixes serves.
var AllMulticast = netip.MustParsePrefix("224.0.0.0/4")

// Entry is one (RP, group prefix) row.
type Entry struct {
	RP       netip.Addr
	Prefix   netip.Prefix
	Priority uint8
	FragTag  uint16
	// Static rows come from configuration and never expire.
	Static bool

	Holdtime timer.Countdown
}

// CandidateRP is an RP and the prefixes it serves.
type CandidateRP struct {
	Addr    netip.Addr
	entries map[netip.Prefix]*Entry
}

// Prefixes returns the ranges the RP serves, ordered.
func (c *CandidateRP) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePrefix)
	return out
}

// GroupMask is a group prefix and the RPs serving it.
type GroupMask struct {
	Prefix  netip.Prefix
	FragTag uint16
	entries map[netip.Addr]*Entry
}

// Set is the RP-set. It is not safe for concurrent use.
type Set struct {
	hashMaskLen uint8
	rps         map[netip.Addr]*CandidateRP
	masks       map[netip.Prefix]*GroupMask
	// index holds the same masks for longest prefix match.
	index *bart.Table[*GroupMask]
}

func NewSet() *Set {
	return &Set{
		hashMaskLen: DefaultHashMaskLen,
		rps:         make(map[netip.Addr]*CandidateRP),
		masks:       make(map[netip.Prefix]*GroupMask),
		index:       &bart.Table[*GroupMask]{},
	}
}

func (s *Set) HashMaskLen() uint8 { return s.hashMaskLen }

func (s *Set) SetHashMaskLen(n uint8) {
	if n > 32 {
		n = 32
	}
	s.hashMaskLen = n
}

// AddResult reports what Add changed.
type AddResult struct {
	NewRP    bool
	NewEntry bool
	// Changed is set when the row is new or its priority moved, which can
	// change RP selection.
	Changed bool
}

// Add inserts or refreshes the row for (rp, prefix).
func (s *Set) Add(rp netip.Addr, prefix netip.Prefix, priority uint8, holdtime time.Duration, fragTag uint16, static bool) AddResult {
	prefix = prefix.Masked()
	var res AddResult
	c, ok := s.rps[rp]
	if !ok {
		c = &CandidateRP{Addr: rp, entries: make(map[netip.Prefix]*Entry)}
		s.rps[rp] = c
		res.NewRP = true
	}
	m, ok := s.masks[prefix]
	if !ok {
		m = &GroupMask{Prefix: prefix, entries: make(map[netip.Addr]*Entry)}
		s.masks[prefix] = m
		s.index.Insert(prefix, m)
	}
	m.FragTag = fragTag

	e, ok := c.entries[prefix]
	if !ok {
		e = &Entry{RP: rp, Prefix: prefix}
		c.entries[prefix] = e
		m.entries[rp] = e
		res.NewEntry = true
		res.Changed = true
	} else if e.Priority != priority {
		res.Changed = true
	}
	e.Priority = priority
	e.FragTag = fragTag
	e.Static = e.Static || static
	if !e.Static {
		e.Holdtime.Set(holdtime)
	}
	return res
}

// Delete removes the row for (rp, prefix), reclaiming the candidate RP and
// the group mask when their last row goes. It reports whether the RP itself
// was removed.
func (s *Set) Delete(rp netip.Addr, prefix netip.Prefix) (removed, rpGone bool) {
	prefix = prefix.Masked()
	c, ok := s.rps[rp]
	if !ok {
		return false, false
	}
	if _, ok := c.entries[prefix]; !ok {
		return false, false
	}
	delete(c.entries, prefix)
	if m, ok := s.masks[prefix]; ok {
		delete(m.entries, rp)
		if len(m.entries) == 0 {
			delete(s.masks, prefix)
			s.index.Delete(prefix)
		}
	}
	if len(c.entries) == 0 {
		delete(s.rps, rp)
		return true, true
	}
	return true, false
}

// DeleteRP removes every row of rp.
func (s *Set) DeleteRP(rp netip.Addr) []Entry {
	c, ok := s.rps[rp]
	if !ok {
		return nil
	}
	var out []Entry
	for _, p := range c.Prefixes() {
		out = append(out, *c.entries[p])
		s.Delete(rp, p)
	}
	return out
}

func (s *Set) IsRP(addr netip.Addr) bool {
	_, ok := s.rps[addr]
	return ok
}

func (s *Set) RP(addr netip.Addr) (*CandidateRP, bool) {
	c, ok := s.rps[addr]
	return c, ok
}

func (s *Set) Mask(prefix netip.Prefix) (*GroupMask, bool) {
	m, ok := s.masks[prefix.Masked()]
	return m, ok
}

func (s *Set) Len() int {
	n := 0
	for _, c := range s.rps {
		n += len(c.entries)
	}
	return n
}

// Match returns the RP serving group: the longest matching prefix, then the
// lowest priority, then the highest hash value, then the highest address.
func (s *Set) Match(group netip.Addr) (Entry, bool) {
	best, ok := s.index.Lookup(group)
	if !ok {
		return Entry{}, false
	}
	var win *Entry
	var winHash uint32
	for _, e := range best.entries {
		h := Hash(group, e.RP, s.hashMaskLen)
		if win == nil || better(e, h, win, winHash) {
			win, winHash = e, h
		}
	}
	if win == nil {
		return Entry{}, false
	}
	return *win, true
}

func better(a *Entry, ah uint32, b *Entry, bh uint32) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if ah != bh {
		return ah > bh
	}
	return a.RP.Compare(b.RP) > 0
}

// Hash is the RFC 4601 section 4.7.2 hash of group toward rp:
//
//	Value(G,M,C(i)) = (1103515245 * ((1103515245 * (G&M) + 12345) XOR C(i)) + 12345) mod 2^31
func Hash(group, rp netip.Addr, maskLen uint8) uint32 {
	if !group.Is4() || !rp.Is4() {
		return 0
	}
	g4, c4 := group.As4(), rp.As4()
	g := binary.BigEndian.Uint32(g4[:])
	c := binary.BigEndian.Uint32(c4[:])
	var mask uint32
	if maskLen > 0 {
		mask = ^uint32(0) << (32 - uint32(min(maskLen, 32)))
	}
	v := 1103515245*(g&mask) + 12345
	v = 1103515245*(v^c) + 12345
	return v & 0x7fffffff
}

// GarbageCollect removes the dynamic rows of prefix whose fragment tag
// differs from tag, the rows a newer Bootstrap for that prefix dropped.
func (s *Set) GarbageCollect(prefix netip.Prefix, tag uint16) []Entry {
	m, ok := s.masks[prefix.Masked()]
	if !ok {
		return nil
	}
	var stale []Entry
	for _, e := range sortedMaskEntries(m) {
		if e.Static || e.FragTag == tag {
			continue
		}
		stale = append(stale, *e)
		s.Delete(e.RP, e.Prefix)
	}
	return stale
}

func sortedMaskEntries(m *GroupMask) []*Entry {
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Entry) int { return a.RP.Compare(b.RP) })
	return out
}

// Age ages dynamic rows and removes those whose holdtime ran out.
func (s *Set) Age(elapsed time.Duration) []Entry {
	var expired []Entry
	for _, e := range s.sortedEntries() {
		if e.Static {
			continue
		}
		if e.Holdtime.Tick(elapsed) || !e.Holdtime.Active() {
			expired = append(expired, *e)
			s.Delete(e.RP, e.Prefix)
		}
	}
	return expired
}

// Retag sets the fragment tag of every dynamic row and mask.
func (s *Set) Retag(tag uint16) {
	for _, m := range s.masks {
		m.FragTag = tag
		for _, e := range m.entries {
			if !e.Static {
				e.FragTag = tag
			}
		}
	}
}

// Entries returns a copy of every row ordered by prefix then RP.
func (s *Set) Entries() []Entry {
	es := s.sortedEntries()
	out := make([]Entry, len(es))
	for i, e := range es {
		out[i] = *e
	}
	return out
}

func (s *Set) sortedEntries() []*Entry {
	var out []*Entry
	for _, m := range s.masks {
		for _, e := range m.entries {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int {
		if c := comparePrefix(a.Prefix, b.Prefix); c != 0 {
			return c
		}
		return a.RP.Compare(b.RP)
	})
	return out
}

// Change is a group whose active RP moved.
type Change struct {
	Group netip.Addr
	Old   netip.Addr
	// New is invalid when no RP serves the group any more.
	New netip.Addr
}

// Remap re-resolves the RP of every group and returns the groups whose RP
// differs from active(group).
func (s *Set) Remap(groups []netip.Addr, active func(netip.Addr) netip.Addr) []Change {
	var out []Change
	for _, g := range groups {
		old := active(g)
		var next netip.Addr
		if e, ok := s.Match(g); ok {
			next = e.RP
		}
		if old != next {
			out = append(out, Change{Group: g, Old: old, New: next})
		}
	}
	return out
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
