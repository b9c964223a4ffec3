package ws

import (
	"errors"
	"sync"

	"gridcast.io/internal/sim/replication"
)

var (
	ErrQueueFull     = errors.New("ws: outbound queue full")
	ErrSessionClosed = errors.New("ws: session closed")
)

// session is the replication sink for one connection. Packets queue here
// until the writer goroutine flushes them.
type session struct {
	out  chan *replication.Packet
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	closed   bool
	desynced bool
	fault    error
}

func newSession(queue int) *session {
	if queue <= 0 {
		queue = 1
	}
	return &session{
		out:  make(chan *replication.Packet, queue),
		done: make(chan struct{}),
	}
}

// Deliver never drops: a packet that does not fit fails the delivery, which
// faults the observer.
func (s *session) Deliver(p *replication.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.out <- p:
		return nil
	default:
		s.desynced = true
		return ErrQueueFull
	}
}

func (s *session) Fault(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *session) Desynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desynced
}

// shutdown refuses further deliveries and releases anything still queued.
func (s *session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	for {
		select {
		case p := <-s.out:
			_ = p.Release()
		default:
			return
		}
	}
}

// flush writes one packet and hands it back to the engine's pool.
func flush(p *replication.Packet, write func([]byte) error) error {
	err := write(p.Bytes())
	if err == nil {
		err = p.MarkConsumed()
	}
	if rerr := p.Release(); err == nil {
		err = rerr
	}
	return err
}
