package replication

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/roster"
)

// memSink copies every packet, marks it consumed and releases it, like a
// network writer that never falls behind.
type memSink struct {
	packets [][]byte
	faults  []error
	fail    error
	hold    bool
	held    []*Packet
}

func (s *memSink) Deliver(p *Packet) error {
	if s.fail != nil {
		return s.fail
	}
	if s.hold {
		s.held = append(s.held, p)
		return nil
	}
	s.packets = append(s.packets, append([]byte(nil), p.Bytes()...))
	if err := p.MarkConsumed(); err != nil {
		return err
	}
	return p.Release()
}

func (s *memSink) Fault(err error) { s.faults = append(s.faults, err) }

func (s *memSink) last() []byte { return s.packets[len(s.packets)-1] }

type harness struct {
	t     *testing.T
	table *roster.Table
	reg   *codec.Registry
	coord *Coordinator

	mu      sync.Mutex
	hookErr map[avatar.Index][]error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := codec.NewRegistry(codec.DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h := &harness{
		t:       t,
		table:   roster.NewTable(&extinfo.Counter{}, 4096),
		reg:     reg,
		hookErr: map[avatar.Index][]error{},
	}
	h.coord, err = New(cfg, reg, h.table,
		WithLogger(log.New(io.Discard, "", 0)),
		WithExceptionHook(func(idx avatar.Index, err error) {
			h.mu.Lock()
			h.hookErr[idx] = append(h.hookErr[idx], err)
			h.mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) player(x, z int) *roster.Record {
	h.t.Helper()
	r, err := h.table.SpawnPlayer(avatar.MustCoord(0, x, z))
	if err != nil {
		h.t.Fatalf("SpawnPlayer: %v", err)
	}
	return r
}

func (h *harness) npc(x, z int) *roster.Record {
	h.t.Helper()
	r, err := h.table.SpawnNPC(avatar.MustCoord(0, x, z))
	if err != nil {
		h.t.Fatalf("SpawnNPC: %v", err)
	}
	return r
}

func (h *harness) observe(r *roster.Record, p extinfo.Platform) (*memSink, *Decoder) {
	h.t.Helper()
	sink := &memSink{}
	if err := h.coord.Connect(ObserverSpec{Index: r.Index, Platform: p, Sink: sink}); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	return sink, NewDecoder(h.reg.Layout(), p, h.reg.Text())
}

func (h *harness) tick() TickReport {
	h.t.Helper()
	rep, err := h.coord.Tick(context.Background())
	if err != nil {
		h.t.Fatalf("Tick: %v", err)
	}
	return rep
}

func (h *harness) decode(s *memSink, d *Decoder) Frame {
	h.t.Helper()
	f, err := d.Decode(s.last())
	if err != nil {
		h.t.Fatalf("Decode: %v", err)
	}
	return f
}

func (h *harness) errorsFor(idx avatar.Index) []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hookErr[idx]
}

type countingEncoder struct {
	inner codec.PrecomputedEncoder
	n     int
}

func (e *countingEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	e.n++
	return e.inner.Encode(dst, s)
}

func (h *harness) countEncodes(p extinfo.Platform, k extinfo.Kind) *countingEncoder {
	h.t.Helper()
	ce := &countingEncoder{inner: h.reg.Precomputed(p, k)}
	if err := h.reg.Replace(p, k, ce); err != nil {
		h.t.Fatalf("Replace: %v", err)
	}
	return ce
}
