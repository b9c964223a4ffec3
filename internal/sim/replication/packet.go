package replication

import (
	"context"
	"errors"
	"sync/atomic"

	"gridcast.io/internal/sim/avatar"
)

var (
	ErrPacketReleased    = errors.New("replication: packet already released")
	ErrPacketConsumed    = errors.New("replication: packet already consumed")
	ErrPacketNotConsumed = errors.New("replication: previous packet not consumed")
)

// Sink is the network layer's side of one observer.
type Sink interface {
	// Deliver transfers ownership of p. On error the engine keeps ownership.
	Deliver(p *Packet) error
	// Fault tells the network layer the observer's stream is no longer valid.
	Fault(err error)
}

// receipt outlives its packet so the coordinator can check consumption
// without holding a buffer that was already released.
type receipt struct {
	tick     uint64
	consumed atomic.Bool
}

// Packet is one observer's output for one tick. It has exactly one owner at a
// time: the engine until Deliver succeeds, then the network layer until Release.
type Packet struct {
	pool     *BufferPool
	buf      []byte
	observer avatar.Index
	tick     uint64
	rc       *receipt
	released atomic.Bool
}

func (p *Packet) Bytes() []byte          { return p.buf }
func (p *Packet) Len() int               { return len(p.buf) }
func (p *Packet) Tick() uint64           { return p.tick }
func (p *Packet) Observer() avatar.Index { return p.observer }

// MarkConsumed records that the packet was flushed to the connection. It must
// be called exactly once.
func (p *Packet) MarkConsumed() error {
	if p.released.Load() || p.rc == nil {
		return ErrPacketReleased
	}
	if p.rc.consumed.Swap(true) {
		return ErrPacketConsumed
	}
	return nil
}

func (p *Packet) Consumed() bool {
	return p.rc != nil && p.rc.consumed.Load()
}

// Release returns the buffer to its pool. The packet must not be used afterwards.
func (p *Packet) Release() error {
	if p.released.Swap(true) {
		return ErrPacketReleased
	}
	p.pool.put(p)
	return nil
}

// BufferPool hands out output buffers. Acquire blocks once limit buffers are
// in flight.
type BufferPool struct {
	free      chan *Packet
	sem       chan struct{}
	capacity  int
	allocated atomic.Int64
}

// NewBufferPool bounds the pool to limit packets of capacity bytes each; limit
// zero means unbounded.
func NewBufferPool(limit, capacity int) *BufferPool {
	bp := &BufferPool{capacity: capacity}
	if limit > 0 {
		bp.free = make(chan *Packet, limit)
		bp.sem = make(chan struct{}, limit)
	} else {
		bp.free = make(chan *Packet, 1024)
	}
	return bp
}

func (bp *BufferPool) Acquire(ctx context.Context) (*Packet, error) {
	select {
	case p := <-bp.free:
		return bp.reset(p), nil
	default:
	}
	if bp.sem == nil {
		return bp.reset(bp.alloc()), nil
	}
	select {
	case p := <-bp.free:
		return bp.reset(p), nil
	case bp.sem <- struct{}{}:
		return bp.reset(bp.alloc()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Allocated is the number of buffers created so far.
func (bp *BufferPool) Allocated() int { return int(bp.allocated.Load()) }

func (bp *BufferPool) alloc() *Packet {
	bp.allocated.Add(1)
	return &Packet{pool: bp, buf: make([]byte, 0, bp.capacity)}
}

func (bp *BufferPool) reset(p *Packet) *Packet {
	p.buf = p.buf[:0]
	p.rc = nil
	p.released.Store(false)
	return p
}

func (bp *BufferPool) put(p *Packet) {
	p.rc = nil
	select {
	case bp.free <- p:
	default:
		// Unbounded pools drop extras; bounded pools never overflow.
		if bp.sem != nil {
			<-bp.sem
		}
		bp.allocated.Add(-1)
	}
}
