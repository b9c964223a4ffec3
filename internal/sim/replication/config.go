package replication

import (
	"errors"
	"fmt"
	"runtime"

	"gridcast.io/internal/protocol/codec"
)

var ErrInvalidConfig = errors.New("replication: invalid config")

// maxBlockSetBytes bounds one avatar's encoded extended info. The ceiling must
// leave room for at least one full block set after a worst-case bit section.
const maxBlockSetBytes = 4096

type Config struct {
	// Workers is the fan-out parallelism; zero means GOMAXPROCS.
	Workers int
	// ByteCeiling is the hard per-observer packet size.
	ByteCeiling int
	ZoneShift   int

	HighResRadius       int
	LowResRadius        int
	HighResCap          int
	LowResCap           int
	MaxAdditionsPerTick int

	// PoolPackets bounds the output buffers in flight; zero sizes the pool on demand.
	PoolPackets int
	// ConsumeGraceTicks is how many ticks a delivered packet may stay unconsumed.
	ConsumeGraceTicks int
}

func DefaultConfig() Config {
	return Config{
		ByteCeiling:         40000,
		ZoneShift:           3,
		HighResRadius:       15,
		LowResRadius:        63,
		HighResCap:          255,
		LowResCap:           2047,
		MaxAdditionsPerTick: 40,
		ConsumeGraceTicks:   1,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.ByteCeiling <= 0 {
		c.ByteCeiling = d.ByteCeiling
	}
	if c.ZoneShift <= 0 {
		c.ZoneShift = d.ZoneShift
	}
	if c.HighResRadius <= 0 {
		c.HighResRadius = d.HighResRadius
	}
	if c.LowResRadius <= 0 {
		c.LowResRadius = d.LowResRadius
	}
	if c.HighResCap <= 0 {
		c.HighResCap = d.HighResCap
	}
	if c.LowResCap <= 0 {
		c.LowResCap = d.LowResCap
	}
	if c.MaxAdditionsPerTick <= 0 {
		c.MaxAdditionsPerTick = d.MaxAdditionsPerTick
	}
	if c.ConsumeGraceTicks <= 0 {
		c.ConsumeGraceTicks = d.ConsumeGraceTicks
	}
}

// WorstCaseBits is the largest bit section a packet can carry under c and l.
func (c Config) WorstCaseBits(l *codec.Layout) int {
	skip := 1 + 2 + l.SkipBits[len(l.SkipBits)-1]
	high := c.HighResCap * (l.HighUpdateBits() + skip)
	low := c.LowResCap * (l.LowUpdateBits() + skip)
	adds := c.MaxAdditionsPerTick*l.AdditionBits() + 1
	return high + low + adds + 2*skip
}

func (c Config) validate(l *codec.Layout) error {
	if c.LowResRadius < c.HighResRadius {
		return fmt.Errorf("%w: low_res_radius %d below high_res_radius %d", ErrInvalidConfig, c.LowResRadius, c.HighResRadius)
	}
	// Both ends of a low-res delta lie within the radius of the observer.
	if 2*c.LowResRadius > l.LargeDeltaLimit() {
		return fmt.Errorf("%w: low_res_radius %d exceeds what %d-bit deltas can carry", ErrInvalidConfig, c.LowResRadius, l.Low.LargeDeltaBits)
	}
	if c.MaxAdditionsPerTick > c.HighResCap+c.LowResCap {
		return fmt.Errorf("%w: max_additions_per_tick above total caps", ErrInvalidConfig)
	}
	need := (c.WorstCaseBits(l)+7)/8 + maxBlockSetBytes
	if c.ByteCeiling < need {
		return fmt.Errorf("%w: byte_ceiling %d below worst case %d", ErrInvalidConfig, c.ByteCeiling, need)
	}
	return nil
}

// Validate checks c against l after filling defaults, the same way New does.
func (c Config) Validate(l *codec.Layout) error {
	c.normalize()
	return c.validate(l)
}
