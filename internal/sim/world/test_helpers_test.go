package world

import (
	"io"
	"log"
	"sync"
	"testing"

	"gridcast.io/internal/protocol"
	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/replication"
)

// memSink keeps a copy of every packet and consumes it immediately.
type memSink struct {
	mu      sync.Mutex
	packets [][]byte
	faults  []error
	fail    error
}

func (s *memSink) Deliver(p *replication.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.packets = append(s.packets, append([]byte(nil), p.Bytes()...))
	if err := p.MarkConsumed(); err != nil {
		return err
	}
	return p.Release()
}

func (s *memSink) Fault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, err)
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *memSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[len(s.packets)-1]
}

type memTickLog struct{ entries []TickLogEntry }

func (l *memTickLog) WriteTick(e TickLogEntry) error {
	l.entries = append(l.entries, e)
	return nil
}

type memFaultLog struct{ entries []FaultEntry }

func (l *memFaultLog) WriteFault(e FaultEntry) error {
	l.entries = append(l.entries, e)
	return nil
}

func testConfig() WorldConfig {
	return WorldConfig{
		TickRateHz: 20,
		Spawn:      avatar.MustCoord(0, 3222, 3218),
		NPCMax:     64,
		Seed:       42,
		Lines:      []string{"baa"},
		RateLimits: RateLimitConfig{SayWindowTicks: 10, SayMax: 5, ActionsPerTickMax: 16},
	}
}

func newTestWorld(t *testing.T, cfg WorldConfig) (*World, *codec.Registry) {
	t.Helper()
	reg, err := codec.NewRegistry(codec.DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	w, err := New(cfg, reg, replication.DefaultConfig(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, reg
}

type client struct {
	idx  avatar.Index
	sink *memSink
	dec  *replication.Decoder
}

func (c *client) decode(t *testing.T) replication.Frame {
	t.Helper()
	f, err := c.dec.Decode(c.sink.last())
	if err != nil {
		t.Fatalf("decode for %v: %v", c.idx, err)
	}
	return f
}

func joinReq(name string, p extinfo.Platform, sink replication.Sink) JoinRequest {
	return JoinRequest{Name: name, Platform: p, Sink: sink, Resp: make(chan JoinResponse, 1)}
}

// joinAll admits every name in one step and decodes that step's packet.
func joinAll(t *testing.T, w *World, reg *codec.Registry, names ...string) []*client {
	t.Helper()
	var reqs []JoinRequest
	var out []*client
	for _, n := range names {
		c := &client{sink: &memSink{}, dec: replication.NewDecoder(reg.Layout(), extinfo.PlatformDesktop, reg.Text())}
		reqs = append(reqs, joinReq(n, extinfo.PlatformDesktop, c.sink))
		out = append(out, c)
	}
	w.StepOnce(reqs, nil, nil)
	for i, req := range reqs {
		resp := <-req.Resp
		if resp.Err != nil {
			t.Fatalf("join %s: %s %v", names[i], resp.Code, resp.Err)
		}
		out[i].idx = avatar.Index(resp.Welcome.Avatar)
		out[i].decode(t)
	}
	return out
}

func act(idx avatar.Index, actions ...protocol.Action) ActionEnvelope {
	return ActionEnvelope{Avatar: idx, Act: protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, Actions: actions}}
}

func u16(v uint16) *uint16 { return &v }
