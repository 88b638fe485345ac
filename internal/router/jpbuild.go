package router

import (
	"net/netip"
	"slices"
	"time"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/rp"
	"github.com/malbeclabs/pimd/internal/vif"
)

// Join/Prune assembly limits, in encoded bytes.
const (
	jpMaxMessageSize = 8192
	jpMaxGroupList   = 1500
	jpMaxRPList      = 1000
	jpPoolSize       = 8

	jpFixedLen  = pim.EncodedUnicastLen + 4
	jpHeaderLen = 4
)

// jpKey addresses one outgoing message: the upstream neighbor and the
// interface it is reached on.
type jpKey struct {
	vif      vif.Index
	upstream netip.Addr
}

// jpBuffer accumulates the entries of one message. Group blocks are closed
// when the group changes or a per-group list would overflow.
type jpBuffer struct {
	key      jpKey
	groups   []pim.JoinPruneGroup
	closed   int
	cur      pim.JoinPruneGroup
	open     bool
	rpJoins  []pim.EncodedSource
	rpPrunes []pim.EncodedSource
}

func (b *jpBuffer) reset(key jpKey) {
	b.key = key
	b.groups = b.groups[:0]
	b.closed = 0
	b.cur = pim.JoinPruneGroup{}
	b.open = false
	b.rpJoins = b.rpJoins[:0]
	b.rpPrunes = b.rpPrunes[:0]
}

func (b *jpBuffer) closeGroup() {
	if !b.open {
		return
	}
	b.groups = append(b.groups, b.cur)
	b.closed += b.cur.Len()
	b.cur = pim.JoinPruneGroup{}
	b.open = false
}

// size is the encoded size of the message as it stands, common header
// included.
func (b *jpBuffer) size() int {
	n := jpHeaderLen + jpFixedLen + b.closed
	if b.open {
		n += b.cur.Len()
	}
	if len(b.rpJoins)+len(b.rpPrunes) > 0 {
		n += pim.JoinPruneGroupHeaderLen + pim.EncodedSourceLen*(len(b.rpJoins)+len(b.rpPrunes))
	}
	return n
}

func (b *jpBuffer) empty() bool {
	return len(b.groups) == 0 && !b.open && len(b.rpJoins)+len(b.rpPrunes) == 0
}

// message packs the buffer into a Join/Prune message. (*,*,RP) rows go
// first under the 224.0.0.0/4 group.
func (b *jpBuffer) message() *pim.JoinPruneMessage {
	b.closeGroup()
	var groups []pim.JoinPruneGroup
	if len(b.rpJoins)+len(b.rpPrunes) > 0 {
		groups = append(groups, pim.JoinPruneGroup{
			Group:  pim.EncodedGroupFromPrefix(rp.AllMulticast),
			Joins:  slices.Clone(b.rpJoins),
			Prunes: slices.Clone(b.rpPrunes),
		})
	}
	groups = append(groups, b.groups...)
	return &pim.JoinPruneMessage{
		UpstreamNeighbor: b.key.upstream,
		Holdtime:         uint16(JoinPruneHoldtime / time.Second),
		Groups:           groups,
	}
}

// jpBuilder batches Join/Prune entries per upstream neighbor. Buffers come
// from a small free list and go back to it after each flush.
type jpBuilder struct {
	bufs map[jpKey]*jpBuffer
	free []*jpBuffer
	send func(jpKey, *pim.JoinPruneMessage)
}

func newJPBuilder(send func(jpKey, *pim.JoinPruneMessage)) *jpBuilder {
	return &jpBuilder{bufs: make(map[jpKey]*jpBuffer), send: send}
}

func (b *jpBuilder) buffer(key jpKey) *jpBuffer {
	if buf, ok := b.bufs[key]; ok {
		return buf
	}
	var buf *jpBuffer
	if n := len(b.free); n > 0 {
		buf, b.free = b.free[n-1], b.free[:n-1]
	} else {
		buf = &jpBuffer{}
	}
	buf.reset(key)
	b.bufs[key] = buf
	return buf
}

// add appends one (S,G) or (*,G) entry for group.
func (b *jpBuilder) add(key jpKey, group pim.EncodedGroup, src pim.EncodedSource, join bool) {
	buf := b.buffer(key)
	if buf.open && buf.cur.Group != group {
		buf.closeGroup()
	}
	if buf.open {
		list := buf.cur.Prunes
		if join {
			list = buf.cur.Joins
		}
		if pim.EncodedSourceLen*(len(list)+1) > jpMaxGroupList {
			buf.closeGroup()
		}
	}
	need := pim.EncodedSourceLen
	if !buf.open {
		need += pim.JoinPruneGroupHeaderLen
	}
	if buf.size()+need > jpMaxMessageSize {
		b.flush(key)
		buf = b.buffer(key)
	}
	if !buf.open {
		buf.cur = pim.JoinPruneGroup{Group: group}
		buf.open = true
	}
	if join {
		buf.cur.Joins = append(buf.cur.Joins, src)
	} else {
		buf.cur.Prunes = append(buf.cur.Prunes, src)
	}
}

// addRP appends a (*,*,RP) entry.
func (b *jpBuilder) addRP(key jpKey, rpAddr netip.Addr, join bool) {
	buf := b.buffer(key)
	list := buf.rpPrunes
	if join {
		list = buf.rpJoins
	}
	need := pim.EncodedSourceLen
	if len(buf.rpJoins)+len(buf.rpPrunes) == 0 {
		need += pim.JoinPruneGroupHeaderLen
	}
	if pim.EncodedSourceLen*(len(list)+1) > jpMaxRPList || buf.size()+need > jpMaxMessageSize {
		b.flush(key)
		buf = b.buffer(key)
	}
	src := pim.EncodedSource{Addr: rpAddr, Flags: pim.SparseBit | pim.WildCardBit | pim.RPTreeBit, MaskLen: 32}
	if join {
		buf.rpJoins = append(buf.rpJoins, src)
	} else {
		buf.rpPrunes = append(buf.rpPrunes, src)
	}
}

func (b *jpBuilder) flush(key jpKey) {
	buf, ok := b.bufs[key]
	if !ok {
		return
	}
	delete(b.bufs, key)
	if !buf.empty() {
		b.send(key, buf.message())
	}
	if len(b.free) < jpPoolSize {
		b.free = append(b.free, buf)
	}
}

// flushAll sends every pending message in (vif, upstream) order.
func (b *jpBuilder) flushAll() {
	if len(b.bufs) == 0 {
		return
	}
	keys := make([]jpKey, 0, len(b.bufs))
	for k := range b.bufs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, c jpKey) int {
		if a.vif != c.vif {
			return int(a.vif) - int(c.vif)
		}
		return a.upstream.Compare(c.upstream)
	})
	for _, k := range keys {
		b.flush(k)
	}
}

func (b *jpBuilder) pending() int { return len(b.bufs) }
