package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/encoding"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/roster"
)

var ErrObserverGone = errors.New("replication: observer avatar not active")

type buildStats struct {
	bytes    int
	updates  int
	skips    int
	added    int
	removed  int
	demoted  int
	promoted int
	extSent  int
	deferred int
	shared   int
	onDemand int
}

func (s *buildStats) add(o buildStats) {
	s.bytes += o.bytes
	s.updates += o.updates
	s.skips += o.skips
	s.added += o.added
	s.removed += o.removed
	s.demoted += o.demoted
	s.promoted += o.promoted
	s.extSent += o.extSent
	s.deferred += o.deferred
	s.shared += o.shared
	s.onDemand += o.onDemand
}

type candidate struct {
	idx  avatar.Index
	dist int
	rec  *roster.Record
}

// blockRef points either at a shared buffer (cache or deferred store) or at a
// range of the builder's scratch. queued marks the head of the avatar's
// deferred event queue.
type blockRef struct {
	kind     extinfo.Kind
	shared   []byte
	off, end int
	queued   bool
}

type queued struct {
	idx        avatar.Index
	bitPos     int
	refStart   int
	refEnd     int
	holdStart  int
	holdEnd    int
	appearance uint64
	mask       uint16
	send       bool
}

// builder produces one observer's packet. Builders are pooled and reused
// across observers and ticks; nothing in them survives a build.
type builder struct {
	c      *Coordinator
	t      *Tracker
	layout *codec.Layout
	pl     *codec.Platform

	bw      *encoding.BitWriter
	cands   []candidate
	adds    []candidate
	want    map[avatar.Index]Resolution
	refs    []blockRef
	holds   []blockRef
	scratch []byte
	queue   []queued
	run     int
	stats   buildStats
	added   []avatar.Index
	removed []avatar.Index
}

func newBuilder(c *Coordinator) *builder {
	return &builder{
		c:      c,
		layout: c.layout,
		bw:     encoding.NewBitWriter(4096),
		want:   make(map[avatar.Index]Resolution),
	}
}

func (b *builder) reset(t *Tracker) {
	b.t = t
	b.pl = b.layout.Platform(t.spec.Platform)
	b.bw.Reset()
	b.cands = b.cands[:0]
	b.adds = b.adds[:0]
	clear(b.want)
	b.refs = b.refs[:0]
	b.holds = b.holds[:0]
	b.scratch = b.scratch[:0]
	b.queue = b.queue[:0]
	b.run = 0
	b.stats = buildStats{}
	b.added = b.added[:0]
	b.removed = b.removed[:0]
}

func (b *builder) build(ctx context.Context, t *Tracker) (*Packet, error) {
	b.reset(t)
	self := b.c.table.Get(t.spec.Index)
	if self == nil {
		return nil, ErrObserverGone
	}
	b.plan(self.Coord)

	l := b.layout
	newHigh := t.spareHigh[:0]
	newLow := t.spareLow[:0]

	for _, e := range t.high {
		r := b.c.table.Get(e.idx)
		want := b.want[e.idx]
		if r == nil {
			want = Absent
		}
		switch want {
		case HighRes:
			mv := b.movement(e.known, r)
			ext := b.gather(e.idx, r)
			if mv.Kind == avatar.MoveNone && !ext {
				b.run++
				newHigh = append(newHigh, e)
				continue
			}
			b.flushSkip()
			b.bw.WriteBit(true)
			b.writeExtBit(ext)
			b.writeMove(mv, e.known, r.Coord)
			newHigh = append(newHigh, tracked{idx: e.idx, known: r.Coord})
			b.stats.updates++
		case LowRes:
			b.flushSkip()
			b.writeHighRemove(true)
			newLow = append(newLow, e)
			b.stats.demoted++
		default:
			b.flushSkip()
			b.writeHighRemove(false)
			b.removed = append(b.removed, e.idx)
			b.stats.removed++
		}
	}
	b.flushSkip()

	for _, e := range t.low {
		r := b.c.table.Get(e.idx)
		want := b.want[e.idx]
		if r == nil {
			want = Absent
		}
		switch want {
		case HighRes:
			b.flushSkip()
			b.bw.WriteBit(true)
			b.bw.WriteBits(uint32(l.Low.Ops.Promote), l.Low.OpBits)
			b.writeExtBit(b.gather(e.idx, r))
			b.writeAbsolute(r.Coord)
			newHigh = append(newHigh, tracked{idx: e.idx, known: r.Coord})
			b.stats.promoted++
		case LowRes:
			if r.Coord == e.known {
				b.run++
				newLow = append(newLow, e)
				continue
			}
			b.flushSkip()
			if !b.writeLowDelta(e.known, r) {
				b.writeLowRemove()
				b.removed = append(b.removed, e.idx)
				b.stats.removed++
				continue
			}
			newLow = append(newLow, tracked{idx: e.idx, known: r.Coord})
			b.stats.updates++
		default:
			b.flushSkip()
			b.writeLowRemove()
			b.removed = append(b.removed, e.idx)
			b.stats.removed++
		}
	}
	b.flushSkip()

	for _, c := range b.cands {
		if w := b.want[c.idx]; w != Absent && t.State(c.idx) == Absent {
			b.adds = append(b.adds, c)
		}
	}
	sort.Slice(b.adds, func(i, j int) bool { return b.adds[i].idx < b.adds[j].idx })
	for _, c := range b.adds {
		high := b.want[c.idx] == HighRes
		b.bw.WriteBit(true)
		b.bw.WriteBits(uint32(c.idx), l.IndexBits)
		b.bw.WriteBit(high)
		b.writeAbsolute(c.rec.Coord)
		e := tracked{idx: c.idx, known: c.rec.Coord}
		if high {
			b.writeExtBit(b.gather(c.idx, c.rec))
			newHigh = append(newHigh, e)
		} else {
			newLow = append(newLow, e)
		}
		b.added = append(b.added, c.idx)
		b.stats.added++
	}
	b.bw.WriteBit(false)

	pkt, err := b.assemble(ctx)
	if err != nil {
		return nil, err
	}
	sortTracked(newHigh)
	sortTracked(newLow)
	t.commit(newHigh, newLow, b.added, b.removed)
	t.stats = b.stats
	return pkt, nil
}

// plan decides every candidate's target resolution, nearest first.
func (b *builder) plan(origin avatar.Coord) {
	cfg := b.c.cfg
	t := b.t
	b.c.zone.Around(origin, t.spec.LowRadius, func(bucket []avatar.Index) {
		for _, idx := range bucket {
			r := b.c.table.Get(idx)
			if r == nil || r.Coord.Level() != origin.Level() {
				continue
			}
			d := avatar.Chebyshev(origin, r.Coord)
			if d > t.spec.LowRadius {
				continue
			}
			b.cands = append(b.cands, candidate{idx: idx, dist: d, rec: r})
		}
	})
	sort.Slice(b.cands, func(i, j int) bool {
		if b.cands[i].dist != b.cands[j].dist {
			return b.cands[i].dist < b.cands[j].dist
		}
		return b.cands[i].idx < b.cands[j].idx
	})

	var nHigh, nLow, nAdd int
	for _, c := range b.cands {
		want := LowRes
		if c.dist <= t.spec.HighRadius {
			want = HighRes
		}
		if want == HighRes && nHigh >= cfg.HighResCap {
			want = LowRes
		}
		if want == LowRes && nLow >= cfg.LowResCap {
			continue
		}
		if t.State(c.idx) == Absent {
			if nAdd >= cfg.MaxAdditionsPerTick {
				continue
			}
			nAdd++
		}
		if want == HighRes {
			nHigh++
		} else {
			nLow++
		}
		b.want[c.idx] = want
	}
}

func (b *builder) movement(known avatar.Coord, r *roster.Record) avatar.Movement {
	if known == r.Prev {
		return r.Move
	}
	return avatar.Classify(known, r.Coord, r.Teleport)
}

func (b *builder) flushSkip() {
	skip := b.layout.SkipBits
	maxRun := b.layout.MaxSkip()
	for b.run > 0 {
		n := min(b.run, maxRun)
		sel := 0
		for 1<<skip[sel] < n {
			sel++
		}
		b.bw.WriteBit(false)
		b.bw.WriteBits(uint32(sel), 2)
		b.bw.WriteBits(uint32(n-1), skip[sel])
		b.run -= n
		b.stats.skips++
	}
}

// writeExtBit records the bit position of a queued avatar's ext flag so the
// byte phase can clear it when the avatar is deferred.
func (b *builder) writeExtBit(ext bool) {
	if ext {
		b.queue[len(b.queue)-1].bitPos = b.bw.BitLen()
	}
	b.bw.WriteBit(ext)
}

func (b *builder) writeMove(mv avatar.Movement, known, cur avatar.Coord) {
	h := b.layout.High
	switch mv.Kind {
	case avatar.MoveNone:
		b.bw.WriteBits(uint32(h.Ops.None), h.OpBits)
	case avatar.MoveWalk:
		b.bw.WriteBits(uint32(h.Ops.Walk), h.OpBits)
		b.bw.WriteBits(uint32(mv.Dir), h.WalkBits)
	case avatar.MoveRun:
		b.bw.WriteBits(uint32(h.Ops.Run), h.OpBits)
		b.bw.WriteBits(uint32(mv.Dir), h.RunBits)
	default:
		b.bw.WriteBits(uint32(h.Ops.Jump), h.OpBits)
		b.bw.WriteBit(false)
		dx, dz := cur.X()-known.X(), cur.Z()-known.Z()
		small := known.Valid() && encoding.SignedFits(dx, h.TeleportDeltaBits) && encoding.SignedFits(dz, h.TeleportDeltaBits)
		b.bw.WriteBit(!small)
		b.bw.WriteBits(uint32(cur.Level()), b.layout.LevelBits)
		if small {
			b.bw.WriteSigned(dx, h.TeleportDeltaBits)
			b.bw.WriteSigned(dz, h.TeleportDeltaBits)
		} else {
			b.bw.WriteBits(uint32(cur.X()), b.layout.CoordBits)
			b.bw.WriteBits(uint32(cur.Z()), b.layout.CoordBits)
		}
	}
}

func (b *builder) writeHighRemove(keepLow bool) {
	h := b.layout.High
	b.bw.WriteBit(true)
	b.bw.WriteBit(false)
	b.bw.WriteBits(uint32(h.Ops.Jump), h.OpBits)
	b.bw.WriteBit(true)
	b.bw.WriteBit(keepLow)
}

func (b *builder) writeLowRemove() {
	b.bw.WriteBit(true)
	b.bw.WriteBits(uint32(b.layout.Low.Ops.Remove), b.layout.Low.OpBits)
}

func (b *builder) writeAbsolute(c avatar.Coord) {
	b.bw.WriteBits(uint32(c.Level()), b.layout.LevelBits)
	b.bw.WriteBits(uint32(c.X()), b.layout.CoordBits)
	b.bw.WriteBits(uint32(c.Z()), b.layout.CoordBits)
}

// writeLowDelta reports false when the delta does not fit any low-res op; the
// caller then drops the avatar so it is re-added with absolute coordinates.
func (b *builder) writeLowDelta(known avatar.Coord, r *roster.Record) bool {
	lo := b.layout.Low
	dx, dz := r.Coord.X()-known.X(), r.Coord.Z()-known.Z()
	var op, width int
	switch {
	case encoding.SignedFits(dx, lo.SmallDeltaBits) && encoding.SignedFits(dz, lo.SmallDeltaBits):
		op, width = lo.Ops.DeltaSmall, lo.SmallDeltaBits
	case encoding.SignedFits(dx, lo.LargeDeltaBits) && encoding.SignedFits(dz, lo.LargeDeltaBits):
		op, width = lo.Ops.DeltaLarge, lo.LargeDeltaBits
	default:
		return false
	}
	jump := r.Teleport || known.Level() != r.Coord.Level() || avatar.Chebyshev(known, r.Coord) > 2
	b.bw.WriteBit(true)
	b.bw.WriteBits(uint32(op), lo.OpBits)
	b.bw.WriteBits(uint32(r.Coord.Level()), b.layout.LevelBits)
	b.bw.WriteSigned(dx, width)
	b.bw.WriteSigned(dz, width)
	b.bw.WriteBit(jump)
	return true
}

// gather collects the blocks idx must send this tick and queues it when there
// is at least one. A panic inside an encoder only costs this avatar its blocks.
func (b *builder) gather(idx avatar.Index, r *roster.Record) (ok bool) {
	start := len(b.refs)
	holds := len(b.holds)
	scratch := len(b.scratch)
	defer func() {
		if p := recover(); p != nil {
			b.refs = b.refs[:start]
			b.holds = b.holds[:holds]
			b.scratch = b.scratch[:scratch]
			b.c.report(idx, fmt.Errorf("extended info: panic: %v", p))
			ok = false
		}
	}()

	p := b.t.spec.Platform
	set := &r.Blocks
	d := b.t.deferred[idx]
	var stamp uint64
	for _, k := range b.pl.Kinds {
		if k.Persistent() {
			s := set.ChangedAt(k)
			if s == 0 || b.t.seen[idx] == s {
				continue
			}
			buf, err := set.Cached(k, p)
			if err != nil {
				b.cacheError(idx, k, err)
				continue
			}
			stamp = s
			b.refs = append(b.refs, blockRef{kind: k, shared: buf})
			b.stats.shared++
			continue
		}
		ref, fresh := b.fresh(idx, k, set)
		switch {
		case k.Event() && d != nil && len(d.events[k]) > 0:
			// Older events go out first; this tick's waits in the queue.
			b.refs = append(b.refs, blockRef{kind: k, shared: d.events[k][0], queued: true})
			if fresh {
				b.holds = append(b.holds, ref)
			}
		case fresh:
			b.refs = append(b.refs, ref)
		case d != nil && d.has[k]:
			b.refs = append(b.refs, blockRef{kind: k, shared: d.blocks[k]})
		}
	}
	if len(b.refs) == start {
		return false
	}
	b.queue = append(b.queue, queued{
		idx:        idx,
		refStart:   start,
		refEnd:     len(b.refs),
		holdStart:  holds,
		holdEnd:    len(b.holds),
		appearance: stamp,
	})
	return true
}

// fresh encodes k when it changed this tick. It reports false when there is
// nothing to send, including encoder failures, which are reported here.
func (b *builder) fresh(idx avatar.Index, k extinfo.Kind, set *extinfo.Set) (blockRef, bool) {
	if !set.Dirty(k) {
		return blockRef{}, false
	}
	p := b.t.spec.Platform
	if b.c.reg.IsPrecomputed(p, k) {
		buf, err := set.Cached(k, p)
		if err != nil {
			b.cacheError(idx, k, err)
			return blockRef{}, false
		}
		b.stats.shared++
		return blockRef{kind: k, shared: buf}, true
	}
	off := len(b.scratch)
	out, present, err := b.c.reg.OnDemand(p, k).EncodeFor(b.scratch, set, idx, b.t.spec.Index)
	if err != nil {
		b.scratch = b.scratch[:off]
		b.c.report(idx, fmt.Errorf("%s/%s: %w", k, p, err))
		return blockRef{}, false
	}
	b.scratch = out
	b.stats.onDemand++
	if !present {
		return blockRef{}, false
	}
	return blockRef{kind: k, off: off, end: len(out)}, true
}

// cacheError reports reads of caches that were never published or were
// already released. Failed encodes were reported during precompute.
func (b *builder) cacheError(idx avatar.Index, k extinfo.Kind, err error) {
	if errors.Is(err, extinfo.ErrNotCached) || errors.Is(err, extinfo.ErrCacheReleased) {
		b.c.report(idx, fmt.Errorf("%s/%s: %w", k, b.t.spec.Platform, err))
	}
}

func (b *builder) refBytes(r blockRef) []byte {
	if r.shared != nil {
		return r.shared
	}
	return b.scratch[r.off:r.end]
}

// assemble applies the byte ceiling and copies the packet. Once one avatar's
// block set does not fit, it and every later avatar are deferred whole.
func (b *builder) assemble(ctx context.Context) (*Packet, error) {
	ceiling := b.c.cfg.ByteCeiling
	bitBytes := b.bw.ByteLen()
	if bitBytes > ceiling {
		return nil, fmt.Errorf("bit section %d bytes exceeds ceiling %d", bitBytes, ceiling)
	}
	budget := ceiling - bitBytes
	used := 0
	deferring := false
	for i := range b.queue {
		q := &b.queue[i]
		size := 0
		for _, ref := range b.refs[q.refStart:q.refEnd] {
			q.mask |= b.pl.Flags[ref.kind]
			size += len(b.refBytes(ref))
		}
		size += codec.HeaderLen(q.mask)
		if !deferring && used+size <= budget {
			used += size
			q.send = true
			continue
		}
		deferring = true
		b.bw.PatchBit(q.bitPos, false)
		b.stats.deferred++
	}

	pkt, err := b.c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire output buffer: %w", err)
	}
	pkt.buf = append(pkt.buf, b.bw.AlignedBytes()...)
	for i := range b.queue {
		q := &b.queue[i]
		if !q.send {
			b.hold(q)
			continue
		}
		pkt.buf = b.pl.AppendHeader(pkt.buf, q.mask, b.layout.ExtendedMarker)
		for _, ref := range b.refs[q.refStart:q.refEnd] {
			pkt.buf = append(pkt.buf, b.refBytes(ref)...)
		}
		if q.appearance != 0 {
			b.t.seen[q.idx] = q.appearance
		}
		b.retire(q)
		b.stats.extSent++
	}
	b.stats.bytes = len(pkt.buf)
	return pkt, nil
}

// hold moves a deferred avatar's blocks into the tracker's store. State kinds
// keep only the newest bytes; events are queued behind older ones.
func (b *builder) hold(q *queued) {
	for _, ref := range b.refs[q.refStart:q.refEnd] {
		switch {
		case ref.kind.Persistent() || ref.queued:
		case ref.kind.Event():
			b.t.push(q.idx, ref.kind, b.refBytes(ref))
		default:
			b.t.stash(q.idx, ref.kind, b.refBytes(ref))
		}
	}
	for _, ref := range b.holds[q.holdStart:q.holdEnd] {
		b.t.push(q.idx, ref.kind, b.refBytes(ref))
	}
}

// retire updates the store once q's block set went out: sent events leave
// the queue, events that waited behind them join it.
func (b *builder) retire(q *queued) {
	d := b.t.deferred[q.idx]
	if d == nil {
		return
	}
	d.has = [extinfo.KindCount]bool{}
	for _, ref := range b.refs[q.refStart:q.refEnd] {
		if ref.queued {
			d.pop(ref.kind)
		}
	}
	for _, ref := range b.holds[q.holdStart:q.holdEnd] {
		b.t.push(q.idx, ref.kind, b.refBytes(ref))
	}
	if d.empty() {
		delete(b.t.deferred, q.idx)
	}
}
