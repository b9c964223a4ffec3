package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gridcast.io/internal/protocol"
	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/replication"
	"gridcast.io/internal/sim/world"
)

func startWorld(t *testing.T) (*world.World, *codec.Registry, string) {
	t.Helper()
	reg, err := codec.NewRegistry(codec.DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rc := replication.DefaultConfig()
	rc.ConsumeGraceTicks = 10
	logger := log.New(io.Discard, "", 0)
	w, err := world.New(world.WorldConfig{
		TickRateHz: 50,
		Spawn:      avatar.MustCoord(0, 3222, 3218),
		NPCCount:   2,
		NPCMax:     16,
		Seed:       1,
		RateLimits: world.RateLimitConfig{SayWindowTicks: 10, SayMax: 5, ActionsPerTickMax: 8},
	}, reg, rc, logger)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(cancel)

	srv := httptest.NewServer(NewServer(w, logger).Handler())
	t.Cleanup(srv.Close)
	return w, reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorMsg {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(msg, &e); err != nil || e.Type != protocol.TypeError {
		t.Fatalf("expected ERROR, got %s", msg)
	}
	return e
}

func TestServer_HelloWelcomeAndPackets(t *testing.T) {
	w, reg, url := startWorld(t)
	conn := dial(t, url)

	sendJSON(t, conn, protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version,
		Name: "wsbot", Platform: "android", HighResRadius: 10,
	})
	mt, msg, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		t.Fatalf("read welcome: %v %d", err, mt)
	}
	var wm protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &wm); err != nil || wm.Type != protocol.TypeWelcome {
		t.Fatalf("welcome: %s", msg)
	}
	if wm.Platform != "android" || wm.WorldParams.HighResRadius != 10 || wm.WorldParams.TickRateHz != 50 {
		t.Fatalf("welcome: %+v", wm)
	}
	self := avatar.Index(wm.Avatar)

	dec := replication.NewDecoder(reg.Layout(), extinfo.PlatformAndroid, reg.Text())
	said := false
	sentSay := false
	for i := 0; i < 200 && !said; i++ {
		mt, pkt, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read packet %d: %v", i, err)
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("packet %d: message type %d", i, mt)
		}
		f, err := dec.Decode(pkt)
		if err != nil {
			t.Fatalf("decode packet %d: %v", i, err)
		}
		if b := f.Blocks[self]; b != nil && b.Say.Text == "over the wire" {
			said = true
		}
		if !sentSay && dec.Resolution(self) == replication.HighRes {
			sentSay = true
			sendJSON(t, conn, protocol.ActMsg{
				Type: protocol.TypeAct, ProtocolVersion: protocol.Version,
				Actions: []protocol.Action{{Type: protocol.ActSay, Text: "over the wire"}},
			})
		}
	}
	if !said {
		t.Fatalf("own say never replicated")
	}
	if len(dec.High()) != 3 {
		t.Fatalf("high %v, want self and 2 npcs", dec.High())
	}

	_ = conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for w.Metrics().Players != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("player not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_RefusesBadHandshakes(t *testing.T) {
	_, _, url := startWorld(t)
	cases := []struct {
		name string
		msg  any
		code string
	}{
		{"not hello", protocol.BaseMessage{Type: protocol.TypeAct, ProtocolVersion: protocol.Version}, protocol.ErrProtoBadRequest},
		{"version", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9"}, protocol.ErrProtoVersion},
		{"platform", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Platform: "amiga"}, protocol.ErrBadPlatform},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, url)
			sendJSON(t, conn, tc.msg)
			if e := readError(t, conn); e.Code != tc.code {
				t.Fatalf("code %s want %s", e.Code, tc.code)
			}
		})
	}
}

func acquire(t *testing.T, pool *replication.BufferPool) *replication.Packet {
	t.Helper()
	p, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return p
}

func TestSession_FullQueueDesyncs(t *testing.T) {
	pool := replication.NewBufferPool(4, 64)
	s := newSession(1)
	if err := s.Deliver(acquire(t, pool)); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	p := acquire(t, pool)
	if err := s.Deliver(p); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Deliver: %v", err)
	}
	if !s.Desynced() {
		t.Fatalf("session not desynced")
	}
	_ = p.Release()

	s.Fault(ErrQueueFull)
	s.Fault(errors.New("later"))
	select {
	case <-s.done:
	default:
		t.Fatalf("fault did not close the session")
	}
	if !errors.Is(s.Err(), ErrQueueFull) {
		t.Fatalf("Err: %v", s.Err())
	}

	s.shutdown()
	if len(s.out) != 0 {
		t.Fatalf("%d packets left queued", len(s.out))
	}
	if err := s.Deliver(acquire(t, pool)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Deliver after shutdown: %v", err)
	}
}

func TestFlush_ReleasesEvenOnWriteError(t *testing.T) {
	pool := replication.NewBufferPool(1, 64)
	p := acquire(t, pool)
	boom := errors.New("broken pipe")
	if err := flush(p, func([]byte) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("flush: %v", err)
	}
	// The single bounded buffer is back in the pool.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pool.Acquire(ctx); err != nil {
		t.Fatalf("buffer not released: %v", err)
	}
}

func TestWriteLoop_WriteErrorUnblocksReader(t *testing.T) {
	pool := replication.NewBufferPool(1, 64)
	sess := newSession(1)
	readDone := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		go func() {
			_, _, err := conn.ReadMessage()
			readDone <- err
		}()
		// Writes fail from here on while the read side stays open.
		if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		s := &Server{log: log.New(io.Discard, "", 0)}
		s.writeLoop(context.Background(), conn, sess, 0)
	}))
	defer srv.Close()
	dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	if err := sess.Deliver(acquire(t, pool)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	select {
	case err := <-readDone:
		if err == nil {
			t.Fatalf("reader returned without error")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reader still blocked after the writer failed")
	}
}
