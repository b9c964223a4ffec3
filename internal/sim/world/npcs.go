package world

import (
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

const (
	// npcSpread is how far from spawn NPCs are placed, in multiples of the spawn radius.
	npcSpread = 4
	// npcLeash bounds how far an NPC wanders from where it spawned.
	npcLeash = 8
)

type npc struct {
	idx  avatar.Index
	home avatar.Coord
}

func (w *World) spawnNPC() error {
	r, err := w.table.SpawnNPC(w.spawnPoint(max(w.cfg.SpawnRadius*npcSpread, npcLeash)))
	if err != nil {
		return err
	}
	r.Blocks.SetAppearance(extinfo.Appearance{Name: "npc", Combat: uint8(1 + w.rng.Intn(100))})
	w.npcs = append(w.npcs, &npc{idx: r.Index, home: r.Coord})
	return nil
}

// stepNPCs draws from the world's seeded source in spawn order, so a given
// seed and input stream always produce the same NPC behavior.
func (w *World) stepNPCs() {
	for _, n := range w.npcs {
		r := w.table.Get(n.idx)
		if r == nil {
			continue
		}
		if w.rng.Intn(1000) < w.cfg.WanderPermille {
			dx := w.rng.Intn(3) - 1
			dz := w.rng.Intn(3) - 1
			next, err := r.Coord.Translate(r.Coord.Level(), dx, dz)
			if err == nil && avatar.Chebyshev(next, n.home) <= npcLeash {
				r.MoveTo(next)
			}
		}
		if len(w.cfg.Lines) > 0 && w.rng.Intn(1000) < w.cfg.SayPermille {
			r.Blocks.SetSay(extinfo.Say{Text: w.cfg.Lines[w.rng.Intn(len(w.cfg.Lines))]})
		}
	}
}
