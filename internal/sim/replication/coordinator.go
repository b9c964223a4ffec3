package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/roster"
	"gridcast.io/internal/sim/zone"
)

var (
	ErrObserverExists  = errors.New("replication: observer already connected")
	ErrUnknownObserver = errors.New("replication: observer not connected")
)

// ExceptionHook receives isolated per-avatar failures. It is called from
// worker goroutines and must be safe for concurrent use.
type ExceptionHook func(idx avatar.Index, err error)

type ObserverSpec struct {
	Index    avatar.Index
	Platform extinfo.Platform
	// Radii of zero take the configured defaults; larger values are clamped.
	HighRadius int
	LowRadius  int
	Sink       Sink
}

// TickReport summarizes one replication pass.
type TickReport struct {
	Tick      uint64         `json:"tick"`
	Observers int            `json:"observers"`
	Avatars   int            `json:"avatars"`
	Encodes   int            `json:"encodes"`
	Failures  int            `json:"failures"`
	Bytes     int            `json:"bytes"`
	MaxBytes  int            `json:"max_bytes"`
	Updates   int            `json:"updates"`
	Added     int            `json:"added"`
	Removed   int            `json:"removed"`
	ExtSent   int            `json:"ext_sent"`
	Deferred  int            `json:"deferred"`
	Shared    int            `json:"shared_copies"`
	OnDemand  int            `json:"on_demand_encodes"`
	Faulted   []avatar.Index `json:"faulted,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
}

type Option func(*Coordinator)

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithExceptionHook(h ExceptionHook) Option {
	return func(c *Coordinator) { c.hook = h }
}

func WithBufferPool(p *BufferPool) Option {
	return func(c *Coordinator) { c.pool = p }
}

// Coordinator drives replication one tick at a time. It is not safe for
// concurrent use: Connect, Disconnect and Tick must all be called from the
// goroutine that owns the table.
type Coordinator struct {
	cfg    Config
	layout *codec.Layout
	reg    *codec.Registry
	table  *roster.Table
	zone   *zone.Index
	pool   *BufferPool
	logger *log.Logger
	hook   ExceptionHook

	observers map[avatar.Index]*Tracker
	order     []*Tracker
	platforms [extinfo.PlatformCount]int

	builders sync.Pool
	scratch  []byte
	tick     uint64
	failures atomic.Int64

	metrics atomic.Value
}

func New(cfg Config, reg *codec.Registry, table *roster.Table, opts ...Option) (*Coordinator, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.validate(reg.Layout()); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		layout:    reg.Layout(),
		reg:       reg,
		table:     table,
		zone:      zone.New(cfg.ZoneShift),
		logger:    log.Default(),
		observers: make(map[avatar.Index]*Tracker),
	}
	for _, o := range opts {
		o(c)
	}
	if c.pool == nil {
		c.pool = NewBufferPool(cfg.PoolPackets, cfg.ByteCeiling)
	}
	if c.hook == nil {
		c.hook = func(idx avatar.Index, err error) {
			c.logger.Printf("replication: avatar=%v err=%v", idx, err)
		}
	}
	c.builders.New = func() any { return newBuilder(c) }
	return c, nil
}

func (c *Coordinator) Config() Config            { return c.cfg }
func (c *Coordinator) Zone() *zone.Index         { return c.zone }
func (c *Coordinator) Pool() *BufferPool         { return c.pool }
func (c *Coordinator) Registry() *codec.Registry { return c.reg }
func (c *Coordinator) Observers() int            { return len(c.order) }

// CurrentTick is the number of the next tick to run.
func (c *Coordinator) CurrentTick() uint64 { return c.tick }

// Tracker exposes an observer's resolution state between ticks.
func (c *Coordinator) Tracker(idx avatar.Index) *Tracker { return c.observers[idx] }

func (c *Coordinator) report(idx avatar.Index, err error) {
	c.failures.Add(1)
	c.hook(idx, err)
}

func (c *Coordinator) Connect(spec ObserverSpec) error {
	if _, ok := c.observers[spec.Index]; ok {
		return fmt.Errorf("connect %v: %w", spec.Index, ErrObserverExists)
	}
	if c.table.Get(spec.Index) == nil {
		return fmt.Errorf("connect %v: %w", spec.Index, ErrObserverGone)
	}
	if spec.Platform >= extinfo.PlatformCount {
		return fmt.Errorf("connect %v: unknown platform %d", spec.Index, spec.Platform)
	}
	if spec.Sink == nil {
		return fmt.Errorf("connect %v: nil sink", spec.Index)
	}
	if spec.HighRadius <= 0 || spec.HighRadius > c.cfg.HighResRadius {
		spec.HighRadius = c.cfg.HighResRadius
	}
	if spec.LowRadius <= 0 || spec.LowRadius > c.cfg.LowResRadius {
		spec.LowRadius = c.cfg.LowResRadius
	}
	if spec.LowRadius < spec.HighRadius {
		spec.LowRadius = spec.HighRadius
	}
	t := newTracker(spec)
	c.observers[spec.Index] = t
	i := sort.Search(len(c.order), func(i int) bool { return c.order[i].spec.Index >= spec.Index })
	c.order = append(c.order, nil)
	copy(c.order[i+1:], c.order[i:])
	c.order[i] = t
	c.platforms[spec.Platform]++
	return nil
}

// Disconnect drops an observer. A packet the engine still owns is released.
func (c *Coordinator) Disconnect(idx avatar.Index) error {
	t, ok := c.observers[idx]
	if !ok {
		return fmt.Errorf("disconnect %v: %w", idx, ErrUnknownObserver)
	}
	if t.last != nil {
		_ = t.last.Release()
		t.last = nil
	}
	delete(c.observers, idx)
	for i, o := range c.order {
		if o == t {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.platforms[t.spec.Platform]--
	return nil
}

func (c *Coordinator) platformsInUse() extinfo.PlatformSet {
	var s extinfo.PlatformSet
	for p, n := range c.platforms {
		if n > 0 {
			s = s.Add(extinfo.Platform(p))
		}
	}
	return s
}

// Tick runs one full replication pass: consumption check, precompute, zone
// refresh, parallel build, hand-off and reset.
func (c *Coordinator) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	c.failures.Store(0)
	rep := TickReport{Tick: c.tick, Avatars: c.table.Len()}

	c.checkReceipts()
	rep.Encodes = c.precompute()
	c.refreshZones()

	if err := ctx.Err(); err != nil {
		c.endTick()
		return rep, err
	}

	tasks := c.order
	results := make([]*Packet, len(tasks))
	faults := make([]error, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, t := range tasks {
		g.Go(func() error {
			results[i], faults[i] = c.runObserver(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var faulted []*Tracker
	var total buildStats
	for i, t := range tasks {
		if faults[i] != nil {
			t.fault = faults[i]
			faulted = append(faulted, t)
			continue
		}
		pkt := results[i]
		rc := &receipt{tick: c.tick}
		pkt.rc = rc
		pkt.observer = t.spec.Index
		pkt.tick = c.tick
		rep.MaxBytes = max(rep.MaxBytes, pkt.Len())
		total.add(t.stats)

		t.last = pkt
		if err := t.spec.Sink.Deliver(pkt); err != nil {
			t.fault = fmt.Errorf("deliver: %w", err)
			faulted = append(faulted, t)
			continue
		}
		t.last = nil
		t.receipts = append(t.receipts, rc)
	}
	for _, t := range faulted {
		c.logger.Printf("replication: observer=%v faulted: %v", t.spec.Index, t.fault)
		t.spec.Sink.Fault(t.fault)
		rep.Faulted = append(rep.Faulted, t.spec.Index)
		_ = c.Disconnect(t.spec.Index)
	}

	c.endTick()
	rep.Bytes = total.bytes
	rep.Updates = total.updates
	rep.Added = total.added
	rep.Removed = total.removed
	rep.ExtSent = total.extSent
	rep.Deferred = total.deferred
	rep.Shared = total.shared
	rep.OnDemand = total.onDemand
	rep.Observers = len(c.order)
	rep.Failures = int(c.failures.Load())
	rep.Duration = time.Since(start)
	c.metrics.Store(rep)
	return rep, nil
}

// runObserver builds one observer's packet. A panic here faults only this
// observer.
func (c *Coordinator) runObserver(ctx context.Context, t *Tracker) (pkt *Packet, err error) {
	b := c.builders.Get().(*builder)
	defer func() {
		if p := recover(); p != nil {
			if pkt != nil {
				_ = pkt.Release()
			}
			pkt, err = nil, fmt.Errorf("observer task panic: %v", p)
		}
		b.t = nil
		c.builders.Put(b)
	}()
	return b.build(ctx, t)
}

// checkReceipts faults every observer holding a packet older than the grace
// window that the network layer never marked consumed.
func (c *Coordinator) checkReceipts() {
	grace := uint64(c.cfg.ConsumeGraceTicks)
	var stale []*Tracker
	for _, t := range c.order {
		keep := t.receipts[:0]
		var missed *receipt
		for _, rc := range t.receipts {
			if rc.consumed.Load() {
				continue
			}
			if c.tick-rc.tick >= grace {
				missed = rc
				continue
			}
			keep = append(keep, rc)
		}
		t.receipts = keep
		if missed != nil {
			t.fault = fmt.Errorf("tick %d: %w", missed.tick, ErrPacketNotConsumed)
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		c.logger.Printf("replication: observer=%v: %v", t.spec.Index, t.fault)
		t.spec.Sink.Fault(t.fault)
		_ = c.Disconnect(t.spec.Index)
	}
}

// precompute derives movement and publishes every shared encoding once per
// platform in use. It runs before fan-out; workers only read what it wrote.
func (c *Coordinator) precompute() int {
	platforms := c.platformsInUse()
	encodes := 0
	c.table.Each(func(r *roster.Record) {
		r.Move = avatar.Classify(r.Prev, r.Coord, r.Teleport)
		platforms.Each(func(p extinfo.Platform) {
			for k := extinfo.Kind(0); k < extinfo.KindCount; k++ {
				if !c.reg.IsPrecomputed(p, k) || !r.Blocks.NeedsEncode(k, p) {
					continue
				}
				encodes++
				c.encodeShared(r, k, p)
			}
		})
	})
	return encodes
}

func (c *Coordinator) encodeShared(r *roster.Record, k extinfo.Kind, p extinfo.Platform) {
	defer func() {
		if v := recover(); v != nil {
			err := fmt.Errorf("%s/%s: panic: %v", k, p, v)
			r.Blocks.Fail(k, p, err)
			c.report(r.Index, err)
		}
	}()
	out, err := c.reg.Precomputed(p, k).Encode(c.scratch[:0], &r.Blocks)
	if err != nil {
		err = fmt.Errorf("%s/%s: %w", k, p, err)
		r.Blocks.Fail(k, p, err)
		c.report(r.Index, err)
		return
	}
	c.scratch = out
	r.Blocks.Publish(k, p, out)
}

// refreshZones applies this tick's despawns and moves to the zone index.
func (c *Coordinator) refreshZones() {
	for _, rel := range c.table.Released() {
		if !rel.Indexed.Valid() {
			continue
		}
		if err := c.zone.Remove(rel.Index, rel.Indexed); err != nil {
			c.report(rel.Index, err)
		}
	}
	c.table.Each(func(r *roster.Record) {
		from := r.Indexed()
		if from == r.Coord {
			return
		}
		var err error
		if from.Valid() {
			err = c.zone.Move(r.Index, from, r.Coord)
		} else {
			err = c.zone.Add(r.Index, r.Coord)
		}
		if err != nil {
			c.report(r.Index, err)
			return
		}
		r.SetIndexed(r.Coord)
	})
}

func (c *Coordinator) endTick() {
	c.table.EndTick()
	c.tick++
}

// LastReport is safe to call from any goroutine.
func (c *Coordinator) LastReport() TickReport {
	v := c.metrics.Load()
	if v == nil {
		return TickReport{}
	}
	rep, _ := v.(TickReport)
	return rep
}
