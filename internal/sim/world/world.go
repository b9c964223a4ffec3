package world

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/replication"
	"gridcast.io/internal/sim/roster"
	"gridcast.io/internal/sim/tuning"
)

var ErrNoSpawnPoint = errors.New("world: no valid spawn point")

type WorldConfig struct {
	TickRateHz  int
	Spawn       avatar.Coord
	SpawnRadius int

	NPCCount int
	NPCMax   int
	Seed     int64
	// Per NPC per tick, in permille.
	WanderPermille int
	SayPermille    int
	Lines          []string

	RateLimits RateLimitConfig
}

type RateLimitConfig struct {
	SayWindowTicks    int
	SayMax            int
	ActionsPerTickMax int
}

// ConfigFromTuning maps a validated tuning file onto the world config.
func ConfigFromTuning(t tuning.Tuning) (WorldConfig, error) {
	spawn, err := t.SpawnCoord()
	if err != nil {
		return WorldConfig{}, err
	}
	return WorldConfig{
		TickRateHz:     t.TickRateHz,
		Spawn:          spawn,
		SpawnRadius:    t.Spawn.Radius,
		NPCCount:       t.NPCs.Count,
		NPCMax:         t.NPCs.Max,
		Seed:           t.NPCs.Seed,
		WanderPermille: t.NPCs.WanderPermille,
		SayPermille:    t.NPCs.SayPermille,
		Lines:          append([]string(nil), t.NPCs.Lines...),
		RateLimits: RateLimitConfig{
			SayWindowTicks:    t.RateLimits.SayWindowTicks,
			SayMax:            t.RateLimits.SayMax,
			ActionsPerTickMax: t.RateLimits.ActionsPerTickMax,
		},
	}, nil
}

// World is the single-threaded host of the avatar table.
// All state must be accessed only from the world loop goroutine.
type World struct {
	cfg    WorldConfig
	logger *log.Logger
	layout *codec.Layout

	tick atomic.Uint64

	table *roster.Table
	coord *replication.Coordinator
	rng   *rand.Rand

	players map[avatar.Index]*player
	npcs    []*npc

	inbox chan ActionEnvelope
	join  chan JoinRequest
	leave chan avatar.Index
	stop  chan struct{}

	stopOnce sync.Once

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	faultLogger FaultLogger

	rejected uint64
	faulted  uint64

	metrics atomic.Value // WorldMetrics
}

type player struct {
	name     string
	platform extinfo.Platform
	joined   uint64

	says      rateWindow
	actsTick  uint64
	actsCount int
}

// New builds the table, the replication coordinator and the initial NPCs.
func New(cfg WorldConfig, reg *codec.Registry, rc replication.Config, logger *log.Logger) (*World, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("world: tick rate %d", cfg.TickRateHz)
	}
	if !cfg.Spawn.Valid() {
		return nil, ErrNoSpawnPoint
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.NPCMax <= 0 {
		cfg.NPCMax = 1
	}
	w := &World{
		cfg:     cfg,
		logger:  logger,
		layout:  reg.Layout(),
		table:   roster.NewTable(&extinfo.Counter{}, cfg.NPCMax),
		rng:     rand.New(rand.NewSource(uint64(cfg.Seed))),
		players: make(map[avatar.Index]*player),
		inbox:   make(chan ActionEnvelope, 1024),
		join:    make(chan JoinRequest, 64),
		leave:   make(chan avatar.Index, 64),
		stop:    make(chan struct{}),
	}
	coord, err := replication.New(rc, reg, w.table, replication.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	w.coord = coord
	for i := 0; i < cfg.NPCCount; i++ {
		if err := w.spawnNPC(); err != nil {
			return nil, fmt.Errorf("world: spawn npc %d: %w", i, err)
		}
	}
	w.metrics.Store(WorldMetrics{NPCs: len(w.npcs)})
	return w, nil
}

func (w *World) SetTickLogger(l TickLogger)   { w.tickLogger = l }
func (w *World) SetFaultLogger(l FaultLogger) { w.faultLogger = l }

func (w *World) Inbox() chan<- ActionEnvelope { return w.inbox }
func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Leave() chan<- avatar.Index   { return w.leave }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) TickRateHz() int {
	if w == nil {
		return 0
	}
	return w.cfg.TickRateHz
}

// Table and Coordinator are for tests and tools that step the world directly.
func (w *World) Table() *roster.Table                   { return w.table }
func (w *World) Coordinator() *replication.Coordinator { return w.coord }

// spawnPoint picks a free-form tile around the configured spawn.
func (w *World) spawnPoint(radius int) avatar.Coord {
	s := w.cfg.Spawn
	if radius <= 0 {
		return s
	}
	dx := w.rng.Intn(2*radius+1) - radius
	dz := w.rng.Intn(2*radius+1) - radius
	c, err := s.Translate(s.Level(), dx, dz)
	if err != nil {
		return s
	}
	return c
}
