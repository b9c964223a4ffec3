package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

var ErrTruncated = errors.New("codec: truncated block data")

// DecodedHit is a hit as one observer received it.
type DecodedHit struct {
	Class  extinfo.HitClass
	Kind   extinfo.HitKind
	Type   uint16
	Amount uint16
	Delay  uint8
}

// Blocks is one avatar's decoded extended info.
type Blocks struct {
	Present    [extinfo.KindCount]bool
	Appearance extinfo.Appearance
	Sequence   extinfo.Sequence
	FaceAngle  extinfo.FaceAngle
	FaceAvatar extinfo.FaceAvatar
	Say        extinfo.Say
	Chat       extinfo.Chat
	Hits       []DecodedHit
	Tint       extinfo.Tint
	SpotAnim   extinfo.SpotAnim
}

func (b *Blocks) Has(k extinfo.Kind) bool { return b.Present[k] }

type cursor struct {
	b     []byte
	off   int
	order binary.ByteOrder
}

func (c *cursor) need(n int) error {
	if c.off+n > len(c.b) {
		return ErrTruncated
	}
	return nil
}

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.b[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := c.order.Uint16(c.b[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.b[c.off : c.off+n]
	c.off += n
	return v, nil
}

// DecodeBlocks parses one avatar's flag header and blocks from data and
// returns the number of bytes consumed.
func DecodeBlocks(l *Layout, p extinfo.Platform, text TextCompressor, data []byte) (Blocks, int, error) {
	var out Blocks
	pl := l.Platform(p)
	c := &cursor{b: data, order: pl.Read}

	lo, err := c.u8()
	if err != nil {
		return out, 0, err
	}
	mask := uint16(lo)
	if mask&l.ExtendedMarker != 0 {
		hi, err := c.u8()
		if err != nil {
			return out, 0, err
		}
		mask = (mask &^ l.ExtendedMarker) | uint16(hi)<<8
	}

	var known uint16
	for _, f := range pl.Flags {
		known |= f
	}
	if mask&^known != 0 {
		return out, 0, fmt.Errorf("%s: unknown flag bits %#x", p, mask&^known)
	}

	for _, k := range pl.Kinds {
		if mask&pl.Flags[k] == 0 {
			continue
		}
		if err := decodeBlock(c, k, text, &out); err != nil {
			return out, 0, fmt.Errorf("%s: %w", k, err)
		}
		out.Present[k] = true
	}
	return out, c.off, nil
}

func decodeBlock(c *cursor, k extinfo.Kind, text TextCompressor, out *Blocks) error {
	var err error
	u8 := func() byte {
		if err != nil {
			return 0
		}
		var v byte
		v, err = c.u8()
		return v
	}
	u16 := func() uint16 {
		if err != nil {
			return 0
		}
		var v uint16
		v, err = c.u16()
		return v
	}
	str := func(n int) string {
		if err != nil {
			return ""
		}
		var b []byte
		b, err = c.bytes(n)
		return string(b)
	}

	switch k {
	case extinfo.KindAppearance:
		n := int(u8())
		start := c.off
		a := &out.Appearance
		a.Gender = u8()
		a.Invisible = u8() != 0
		a.Combat = u8()
		for i := range a.Body {
			a.Body[i] = u16()
		}
		for i := range a.Colours {
			a.Colours[i] = u8()
		}
		a.Name = str(int(u8()))
		if err == nil && c.off-start != n {
			err = fmt.Errorf("length %d, consumed %d", n, c.off-start)
		}
	case extinfo.KindSequence:
		out.Sequence = extinfo.Sequence{ID: u16(), Delay: u8()}
	case extinfo.KindFaceAngle:
		out.FaceAngle = extinfo.FaceAngle{Angle: u16(), Instant: u8() != 0}
	case extinfo.KindFaceAvatar:
		out.FaceAvatar = extinfo.FaceAvatar{Target: avatar.Index(u16())}
	case extinfo.KindSay:
		out.Say = extinfo.Say{Text: str(int(u8()))}
	case extinfo.KindChat:
		ch := extinfo.Chat{Colour: u8(), Effects: u8(), ModIcon: u8(), AutoTyped: u8() != 0}
		mode := u8()
		plain := int(u16())
		payload := int(u16())
		raw := str(payload)
		if err != nil {
			return err
		}
		b, derr := text.Decompress(mode, []byte(raw), plain)
		if derr != nil {
			return derr
		}
		ch.Text = string(b)
		out.Chat = ch
	case extinfo.KindHits:
		n := int(u8())
		out.Hits = out.Hits[:0]
		for i := 0; i < n && err == nil; i++ {
			out.Hits = append(out.Hits, DecodedHit{
				Class:  extinfo.HitClass(u8()),
				Kind:   extinfo.HitKind(u8()),
				Type:   u16(),
				Amount: u16(),
				Delay:  u8(),
			})
		}
	case extinfo.KindTint:
		out.Tint = extinfo.Tint{
			Start:      u16(),
			End:        u16(),
			Hue:        int8(u8()),
			Saturation: int8(u8()),
			Lightness:  int8(u8()),
			Weight:     u8(),
		}
	case extinfo.KindSpotAnim:
		out.SpotAnim = extinfo.SpotAnim{ID: u16(), Height: u16(), Delay: u16()}
	default:
		return fmt.Errorf("no decoder for kind %d", k)
	}
	return err
}
