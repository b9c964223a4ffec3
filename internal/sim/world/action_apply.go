package world

import (
	"errors"
	"fmt"
	"strings"

	"gridcast.io/internal/protocol"
	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/roster"
)

var (
	ErrBadAction     = errors.New("world: bad action")
	ErrInvalidTarget = errors.New("world: invalid target")
	ErrRateLimited   = errors.New("world: rate limited")
)

// codeFor maps an action error onto the wire error code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTarget):
		return protocol.ErrInvalidTarget
	case errors.Is(err, ErrRateLimited):
		return protocol.ErrRateLimit
	case errors.Is(err, ErrBadAction):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}

type rateWindow struct {
	StartTick uint64
	Count     int
}

func (rw *rateWindow) allow(nowTick, window uint64, max int) bool {
	if window == 0 || max <= 0 {
		return true
	}
	if rw.Count == 0 || nowTick-rw.StartTick >= window {
		rw.StartTick = nowTick
		rw.Count = 0
	}
	rw.Count++
	return rw.Count <= max
}

// applyAction mutates the acting avatar (or its target) between ticks.
func (w *World) applyAction(r *roster.Record, p *player, a protocol.Action, nowTick uint64) error {
	if p.actsTick != nowTick {
		p.actsTick = nowTick
		p.actsCount = 0
	}
	p.actsCount++
	if max := w.cfg.RateLimits.ActionsPerTickMax; max > 0 && p.actsCount > max {
		return fmt.Errorf("%w: more than %d actions this tick", ErrRateLimited, max)
	}

	switch a.Type {
	case protocol.ActMove:
		if a.DX < -2 || a.DX > 2 || a.DZ < -2 || a.DZ > 2 {
			return fmt.Errorf("%w: step (%d,%d)", ErrBadAction, a.DX, a.DZ)
		}
		if r.Coord != r.Prev || r.Teleport {
			return fmt.Errorf("%w: already moved this tick", ErrBadAction)
		}
		c, err := r.Coord.Translate(r.Coord.Level(), a.DX, a.DZ)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadAction, err)
		}
		r.MoveTo(c)

	case protocol.ActTeleport:
		if a.Pos == nil {
			return fmt.Errorf("%w: teleport without pos", ErrBadAction)
		}
		c, err := avatar.NewCoord(a.Pos[0], a.Pos[1], a.Pos[2])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadAction, err)
		}
		r.TeleportTo(c)

	case protocol.ActSay, protocol.ActChat:
		if a.Text == "" || len(a.Text) > codec.MaxTextLen {
			return fmt.Errorf("%w: text of %d bytes", ErrBadAction, len(a.Text))
		}
		rl := w.cfg.RateLimits
		if !p.says.allow(nowTick, uint64(rl.SayWindowTicks), rl.SayMax) {
			return fmt.Errorf("%w: say", ErrRateLimited)
		}
		if a.Type == protocol.ActSay {
			r.Blocks.SetSay(extinfo.Say{Text: a.Text})
		} else {
			r.Blocks.SetChat(extinfo.Chat{Text: a.Text, Colour: a.Colour, Effects: a.Effects})
		}

	case protocol.ActAnim:
		if a.Anim == nil {
			return fmt.Errorf("%w: anim without id", ErrBadAction)
		}
		r.Blocks.SetSequence(extinfo.Sequence{ID: *a.Anim, Delay: a.Delay})

	case protocol.ActHit, protocol.ActHeal:
		target, err := w.target(r, a.Target)
		if err != nil {
			return err
		}
		if len(target.Blocks.Hits()) >= codec.MaxHits {
			return fmt.Errorf("%w: %v has too many hits this tick", ErrRateLimited, target.Index)
		}
		h := extinfo.Hit{Source: r.Index, Type: a.HitType, Amount: a.Amount, Delay: a.Delay}
		if a.Type == protocol.ActHeal {
			h.Kind = extinfo.HitHeal
		}
		if a.Involved {
			h.Visibility = extinfo.VisibleInvolved
		}
		target.Blocks.AddHit(h)

	case protocol.ActTint:
		if a.Duration <= 0 || a.Duration > 0xFFFF {
			return fmt.Errorf("%w: tint duration %d", ErrBadAction, a.Duration)
		}
		r.Blocks.SetTint(extinfo.Tint{
			Start:      0,
			End:        uint16(a.Duration),
			Hue:        a.Hue,
			Saturation: a.Saturation,
			Lightness:  a.Lightness,
			Weight:     a.Weight,
		})

	case protocol.ActFace:
		switch {
		case a.Angle != nil:
			if *a.Angle > extinfo.MaxAngle {
				return fmt.Errorf("%w: angle %d", ErrBadAction, *a.Angle)
			}
			r.Blocks.SetFaceAngle(extinfo.FaceAngle{Angle: *a.Angle})
		case a.Target != nil && avatar.Index(*a.Target) == avatar.None:
			r.Blocks.SetFaceAvatar(extinfo.FaceAvatar{Target: avatar.None})
		default:
			target, err := w.target(r, a.Target)
			if err != nil {
				return err
			}
			r.Blocks.SetFaceAvatar(extinfo.FaceAvatar{Target: target.Index})
		}

	case protocol.ActAppearance:
		if len(a.Body) > 12 || len(a.Colours) > 5 {
			return fmt.Errorf("%w: %d body parts, %d colours", ErrBadAction, len(a.Body), len(a.Colours))
		}
		app := r.Blocks.Appearance()
		app.Name = p.name
		app.Gender = a.Gender
		app.Combat = a.Combat
		app.Body = [12]uint16{}
		copy(app.Body[:], a.Body)
		app.Colours = [5]uint8{}
		copy(app.Colours[:], a.Colours)
		r.Blocks.SetAppearance(app)

	default:
		return fmt.Errorf("%w: unknown action %q", ErrBadAction, a.Type)
	}
	return nil
}

// target resolves an avatar the actor can see in detail.
func (w *World) target(r *roster.Record, id *uint16) (*roster.Record, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: missing target", ErrInvalidTarget)
	}
	t := w.table.Get(avatar.Index(*id))
	if t == nil {
		return nil, fmt.Errorf("%w: %d not active", ErrInvalidTarget, *id)
	}
	radius := w.coord.Config().HighResRadius
	if tr := w.coord.Tracker(r.Index); tr != nil {
		radius = tr.HighRadius()
	}
	if t.Coord.Level() != r.Coord.Level() || avatar.Chebyshev(t.Coord, r.Coord) > radius {
		return nil, fmt.Errorf("%w: %v out of range", ErrInvalidTarget, t.Index)
	}
	return t, nil
}

// sanitizeName trims the requested display name to what appearance blocks carry.
func sanitizeName(name string, idx avatar.Index) string {
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		name = fmt.Sprintf("player%d", uint16(idx))
	}
	if len(name) > codec.MaxNameLen {
		name = name[:codec.MaxNameLen]
	}
	return name
}

func defaultAppearance(name string) extinfo.Appearance {
	return extinfo.Appearance{Name: name, Combat: 3}
}
