package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"gridcast.io/internal/protocol"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/world"
)

const defaultQueue = 8

type Server struct {
	world *world.World
	log   *log.Logger

	// Queue is the per-connection packet backlog before a session desyncs.
	Queue int

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	s := &Server{
		world: w,
		log:   logger,
		Queue: defaultQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(64 * 1024)

		sess := newSession(s.Queue)
		idx, ok := s.handshake(conn, sess)
		if !ok {
			return
		}
		defer func() { s.world.Leave() <- idx }()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer cancel()
			s.writeLoop(ctx, conn, sess, idx)
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAct {
				continue
			}
			var act protocol.ActMsg
			if err := json.Unmarshal(msg, &act); err != nil {
				continue
			}
			if act.ProtocolVersion != protocol.Version {
				continue
			}
			select {
			case s.world.Inbox() <- world.ActionEnvelope{Avatar: idx, Act: act}:
			case <-ctx.Done():
			}
		}

		// Cleanup.
		cancel()
		sess.shutdown()
		_ = conn.Close()
		<-writerDone
	}
}

// writeLoop owns the socket's write side. Closing the socket on every exit
// unblocks the reader so the handler can leave the world.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session, idx avatar.Index) {
	defer conn.Close()
	write := func(b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, b)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			if err := sess.Err(); err != nil {
				s.log.Printf("ws: avatar=%v desync: %v", idx, err)
				_ = writeJSON(conn, protocol.NewError(protocol.ErrDesync, err.Error()))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "desync"), time.Now().Add(time.Second))
			}
			return
		case p := <-sess.out:
			if err := flush(p, write); err != nil {
				s.log.Printf("ws: avatar=%v write: %v", idx, err)
				return
			}
		}
	}
}

// handshake reads HELLO, joins the world and writes WELCOME. It returns the
// avatar the session drives.
func (s *Server) handshake(conn *websocket.Conn, sess *session) (avatar.Index, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		refuse(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return 0, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		refuse(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return 0, false
	}
	if hello.ProtocolVersion != protocol.Version {
		refuse(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return 0, false
	}
	platform := extinfo.PlatformDesktop
	if p := strings.TrimSpace(hello.Platform); p != "" {
		var ok bool
		if platform, ok = extinfo.ParsePlatform(p); !ok {
			refuse(conn, protocol.ErrBadPlatform, "unknown platform "+p)
			return 0, false
		}
	}

	respCh := make(chan world.JoinResponse, 1)
	select {
	case s.world.Join() <- world.JoinRequest{
		Name:          hello.Name,
		Platform:      platform,
		HighResRadius: hello.HighResRadius,
		LowResRadius:  hello.LowResRadius,
		Sink:          sess,
		Resp:          respCh,
	}:
	default:
		refuse(conn, protocol.ErrWorldBusy, "join queue full")
		return 0, false
	}
	resp := <-respCh
	if resp.Err != nil {
		refuse(conn, resp.Code, resp.Err.Error())
		return 0, false
	}
	idx := avatar.Index(resp.Welcome.Avatar)
	if err := writeJSON(conn, resp.Welcome); err != nil {
		sess.shutdown()
		s.world.Leave() <- idx
		return 0, false
	}
	return idx, true
}

func refuse(conn *websocket.Conn, code, msg string) {
	_ = writeJSON(conn, protocol.NewError(code, msg))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
