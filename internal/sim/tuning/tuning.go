package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/replication"
)

var ErrInvalid = errors.New("tuning: invalid value")

type Tuning struct {
	ProtocolRevision int `yaml:"protocol_revision"`
	TickRateHz       int `yaml:"tick_rate_hz"`
	// LayoutPath overrides the embedded wire layout when set.
	LayoutPath string `yaml:"layout_path,omitempty"`

	Spawn       Spawn       `yaml:"spawn"`
	Replication Replication `yaml:"replication"`
	NPCs        NPCs        `yaml:"npcs"`
	RateLimits  RateLimits  `yaml:"rate_limits"`
}

type Spawn struct {
	Level  int `yaml:"level"`
	X      int `yaml:"x"`
	Z      int `yaml:"z"`
	Radius int `yaml:"radius"`
}

type Replication struct {
	Workers             int `yaml:"workers"`
	ByteCeiling         int `yaml:"byte_ceiling"`
	ZoneShift           int `yaml:"zone_shift"`
	HighResRadius       int `yaml:"high_res_radius"`
	LowResRadius        int `yaml:"low_res_radius"`
	HighResCap          int `yaml:"high_res_cap"`
	LowResCap           int `yaml:"low_res_cap"`
	MaxAdditionsPerTick int `yaml:"max_additions_per_tick"`
	PoolPackets         int `yaml:"pool_packets"`
	ConsumeGraceTicks   int `yaml:"consume_grace_ticks"`
}

type NPCs struct {
	Count int   `yaml:"count"`
	Max   int   `yaml:"max"`
	Seed  int64 `yaml:"seed"`
	// Chances are per NPC per tick, in permille.
	WanderPermille int      `yaml:"wander_permille"`
	SayPermille    int      `yaml:"say_permille"`
	Lines          []string `yaml:"lines,omitempty"`
}

type RateLimits struct {
	SayWindowTicks    int `yaml:"say_window_ticks"`
	SayMax            int `yaml:"say_max"`
	ActionsPerTickMax int `yaml:"actions_per_tick_max"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolRevision: 1,
		TickRateHz:       2,
		Spawn:            Spawn{Level: 0, X: 3222, Z: 3218, Radius: 6},
		Replication: Replication{
			ByteCeiling:         40000,
			ZoneShift:           3,
			HighResRadius:       15,
			LowResRadius:        63,
			HighResCap:          255,
			LowResCap:           2047,
			MaxAdditionsPerTick: 40,
			ConsumeGraceTicks:   1,
		},
		NPCs: NPCs{
			Count:          64,
			Max:            8192,
			Seed:           1337,
			WanderPermille: 300,
			SayPermille:    5,
			Lines:          []string{"Hello there!", "Nice weather.", "Baa!"},
		},
		RateLimits: RateLimits{
			SayWindowTicks:    10,
			SayMax:            5,
			ActionsPerTickMax: 8,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	if t.ProtocolRevision <= 0 {
		t.ProtocolRevision = d.ProtocolRevision
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.Spawn.Radius < 0 {
		t.Spawn.Radius = 0
	}
	if t.NPCs.Max <= 0 {
		t.NPCs.Max = d.NPCs.Max
	}
	if t.NPCs.Count > t.NPCs.Max {
		t.NPCs.Count = t.NPCs.Max
	}
	if t.RateLimits.SayWindowTicks <= 0 {
		t.RateLimits.SayWindowTicks = d.RateLimits.SayWindowTicks
	}
	if t.RateLimits.SayMax <= 0 {
		t.RateLimits.SayMax = d.RateLimits.SayMax
	}
	if t.RateLimits.ActionsPerTickMax <= 0 {
		t.RateLimits.ActionsPerTickMax = d.RateLimits.ActionsPerTickMax
	}
}

// ReplicationConfig maps the replication section onto the engine config.
func (t Tuning) ReplicationConfig() replication.Config {
	r := t.Replication
	return replication.Config{
		Workers:             r.Workers,
		ByteCeiling:         r.ByteCeiling,
		ZoneShift:           r.ZoneShift,
		HighResRadius:       r.HighResRadius,
		LowResRadius:        r.LowResRadius,
		HighResCap:          r.HighResCap,
		LowResCap:           r.LowResCap,
		MaxAdditionsPerTick: r.MaxAdditionsPerTick,
		PoolPackets:         r.PoolPackets,
		ConsumeGraceTicks:   r.ConsumeGraceTicks,
	}
}

func (t Tuning) SpawnCoord() (avatar.Coord, error) {
	return avatar.NewCoord(t.Spawn.Level, t.Spawn.X, t.Spawn.Z)
}

// Validate checks t against the wire layout it will run with, including the
// worst-case bit section against the byte ceiling.
func (t Tuning) Validate(l *codec.Layout) error {
	if t.ProtocolRevision != l.Revision {
		return fmt.Errorf("%w: protocol_revision %d but layout is revision %d", ErrInvalid, t.ProtocolRevision, l.Revision)
	}
	if t.TickRateHz > 100 {
		return fmt.Errorf("%w: tick_rate_hz %d", ErrInvalid, t.TickRateHz)
	}
	c, err := t.SpawnCoord()
	if err != nil {
		return fmt.Errorf("%w: spawn: %v", ErrInvalid, err)
	}
	if c.X()+t.Spawn.Radius > avatar.MaxTile || c.Z()+t.Spawn.Radius > avatar.MaxTile || c.X() < t.Spawn.Radius || c.Z() < t.Spawn.Radius {
		return fmt.Errorf("%w: spawn radius %d leaves the map", ErrInvalid, t.Spawn.Radius)
	}
	if t.NPCs.Count < 0 {
		return fmt.Errorf("%w: npcs.count %d", ErrInvalid, t.NPCs.Count)
	}
	for name, v := range map[string]int{"wander_permille": t.NPCs.WanderPermille, "say_permille": t.NPCs.SayPermille} {
		if v < 0 || v > 1000 {
			return fmt.Errorf("%w: npcs.%s %d outside 0..1000", ErrInvalid, name, v)
		}
	}
	for _, line := range t.NPCs.Lines {
		if len(line) > codec.MaxTextLen {
			return fmt.Errorf("%w: npc line of %d bytes", ErrInvalid, len(line))
		}
	}
	if err := t.ReplicationConfig().Validate(l); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	return nil
}
