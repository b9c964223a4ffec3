package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/rand"

	"gridcast.io/internal/protocol"
	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/replication"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "avatar name")
		platform   = flag.String("platform", "desktop", "client platform: desktop, android or ios")
		layoutPath = flag.String("layout", "", "wire layout (default: embedded)")
		frames     = flag.Int("frames", 0, "exit after this many packets (0 = run until interrupted)")
		sayEvery   = flag.Int("say_every", 20, "say something every N packets (0 = never)")
		seed       = flag.Uint64("seed", 0, "walk seed (0 = time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	plat, ok := extinfo.ParsePlatform(*platform)
	if !ok {
		logger.Fatalf("unknown platform %q", *platform)
	}
	layout := codec.DefaultLayout()
	if *layoutPath != "" {
		var err error
		if layout, err = codec.LoadLayout(*layoutPath); err != nil {
			logger.Fatalf("load layout: %v", err)
		}
	}

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	b, welcome, err := dialBot(*url, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Name:            *name,
		Platform:        plat.String(),
	}, layout, *seed, *sayEvery, logger)
	if err != nil {
		logger.Fatalf("handshake: %v", err)
	}
	defer b.conn.Close()
	logger.Printf("WELCOME avatar=%d revision=%d tick=%d tick_rate=%d radii=%d/%d",
		welcome.Avatar, welcome.Revision, welcome.Tick, welcome.WorldParams.TickRateHz,
		welcome.WorldParams.HighResRadius, welcome.WorldParams.LowResRadius)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = b.conn.Close()
	}()

	if err := b.run(*frames); err != nil {
		if errors.Is(err, replication.ErrDesync) {
			logger.Fatalf("%v", err)
		}
		logger.Printf("%v", err)
	}
}

// dialBot connects, sends hello and waits for WELCOME. The server's wire
// revision must match the bot's layout.
func dialBot(url string, hello protocol.HelloMsg, layout *codec.Layout, seed uint64, sayEvery int, logger *log.Logger) (*bot, protocol.WelcomeMsg, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("dial: %w", err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, protocol.WelcomeMsg{}, fmt.Errorf("send HELLO: %w", err)
	}
	welcome, err := readWelcome(conn)
	if err == nil && welcome.Revision != layout.Revision {
		err = fmt.Errorf("server revision %d, bot layout revision %d", welcome.Revision, layout.Revision)
	}
	if err != nil {
		_ = conn.Close()
		return nil, welcome, err
	}
	plat, _ := extinfo.ParsePlatform(hello.Platform)
	return &bot{
		conn: conn,
		log:  logger,
		self: avatar.Index(welcome.Avatar),
		dec:  replication.NewDecoder(layout, plat, nil),
		rng:  rand.New(rand.NewSource(seed)),
		tick: welcome.Tick,
		say:  sayEvery,
	}, welcome, nil
}

// run handles packets until frames have been decoded (0 = forever) or the
// connection fails.
func (b *bot) run(frames int) error {
	for frames == 0 || b.frames < frames {
		kind, msg, err := b.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if kind == websocket.TextMessage {
			b.handleControl(msg)
			continue
		}
		if err := b.handlePacket(msg); err != nil {
			return fmt.Errorf("frame %d: %w", b.frames, err)
		}
	}
	return nil
}

func readWelcome(conn *websocket.Conn) (protocol.WelcomeMsg, error) {
	var w protocol.WelcomeMsg
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return w, err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return w, err
	}
	switch base.Type {
	case protocol.TypeWelcome:
		err = json.Unmarshal(msg, &w)
		return w, err
	case protocol.TypeError:
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		return w, fmt.Errorf("refused: %s %s", e.Code, e.Message)
	default:
		return w, fmt.Errorf("unexpected %q before WELCOME", base.Type)
	}
}

type bot struct {
	conn *websocket.Conn
	log  *log.Logger
	self avatar.Index
	dec  *replication.Decoder
	rng  *rand.Rand

	// tick is the server tick the next packet belongs to: one packet per tick.
	tick   uint64
	frames int
	say    int
}

func (b *bot) handleControl(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	if base.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		b.log.Printf("ERROR code=%s msg=%s", e.Code, e.Message)
	}
}

func (b *bot) handlePacket(pkt []byte) error {
	f, err := b.dec.Decode(pkt)
	if err != nil {
		return err
	}
	b.frames++
	b.tick++

	for _, idx := range f.Updated {
		blk := f.Blocks[idx]
		if blk == nil || idx == b.self {
			continue
		}
		if blk.Has(extinfo.KindSay) {
			b.log.Printf("tick=%d avatar=%d says %q", b.tick, idx, blk.Say.Text)
		}
		if blk.Has(extinfo.KindChat) {
			b.log.Printf("tick=%d avatar=%d chats %q", b.tick, idx, blk.Chat.Text)
		}
	}
	if len(f.Added) > 0 || len(f.Removed) > 0 || b.frames%10 == 0 {
		b.log.Printf("tick=%d bytes=%d high=%d low=%d added=%d removed=%d moved=%d",
			b.tick, len(pkt), len(b.dec.High()), len(b.dec.Low()), len(f.Added), len(f.Removed), len(f.Moved))
	}
	return b.act()
}

// act random-walks one tile and now and then says where it is.
func (b *bot) act() error {
	actions := []protocol.Action{{Type: protocol.ActMove, DX: b.rng.Intn(3) - 1, DZ: b.rng.Intn(3) - 1}}
	if b.say > 0 && b.frames%b.say == 0 {
		text := fmt.Sprintf("frame %d", b.frames)
		if c, ok := b.dec.Coord(b.self); ok {
			text = fmt.Sprintf("at %d,%d", c.X(), c.Z())
		}
		actions = append(actions, protocol.Action{Type: protocol.ActSay, Text: text})
	}
	return b.conn.WriteJSON(protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            b.tick,
		Actions:         actions,
	})
}
