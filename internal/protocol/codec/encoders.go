package codec

import (
	"encoding/binary"
	"fmt"

	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

const (
	MaxNameLen = 12
	MaxTextLen = 255
	// MaxHits caps how many hits one avatar carries per tick.
	MaxHits = 255
)

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

type appearanceEncoder struct{ order binary.AppendByteOrder }

func (e appearanceEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	a := s.Appearance()
	if len(a.Name) > MaxNameLen {
		return dst, fmt.Errorf("appearance name %d bytes: %w", len(a.Name), ErrFieldRange)
	}
	n := 3 + 2*len(a.Body) + len(a.Colours) + 1 + len(a.Name)
	dst = append(dst, byte(n), a.Gender, boolByte(a.Invisible), a.Combat)
	for _, part := range a.Body {
		dst = e.order.AppendUint16(dst, part)
	}
	dst = append(dst, a.Colours[:]...)
	dst = append(dst, byte(len(a.Name)))
	return append(dst, a.Name...), nil
}

type sequenceEncoder struct{ order binary.AppendByteOrder }

func (e sequenceEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	q := s.Sequence()
	dst = e.order.AppendUint16(dst, q.ID)
	return append(dst, q.Delay), nil
}

type faceAngleEncoder struct{ order binary.AppendByteOrder }

func (e faceAngleEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	f := s.FaceAngle()
	if f.Angle > extinfo.MaxAngle {
		return dst, fmt.Errorf("face angle %d: %w", f.Angle, ErrFieldRange)
	}
	dst = e.order.AppendUint16(dst, f.Angle)
	return append(dst, boolByte(f.Instant)), nil
}

type faceAvatarEncoder struct{ order binary.AppendByteOrder }

func (e faceAvatarEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	return e.order.AppendUint16(dst, uint16(s.FaceAvatar().Target)), nil
}

type sayEncoder struct{}

func (sayEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	text := s.Say().Text
	if len(text) > MaxTextLen {
		return dst, fmt.Errorf("say %d bytes: %w", len(text), ErrFieldRange)
	}
	dst = append(dst, byte(len(text)))
	return append(dst, text...), nil
}

type chatEncoder struct {
	order binary.AppendByteOrder
	text  TextCompressor
}

func (e chatEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	c := s.Chat()
	if len(c.Text) > MaxTextLen {
		return dst, fmt.Errorf("chat %d bytes: %w", len(c.Text), ErrFieldRange)
	}
	dst = append(dst, c.Colour, c.Effects, c.ModIcon, boolByte(c.AutoTyped))
	head := len(dst)
	// mode, plain length and payload length are filled in after compression.
	dst = append(dst, 0, 0, 0, 0, 0)
	mode, out, err := e.text.Compress(dst, []byte(c.Text))
	if err != nil {
		return dst[:head-4], err
	}
	payload := len(out) - len(dst)
	out[head] = mode
	hdr := e.order.AppendUint16(nil, uint16(len(c.Text)))
	hdr = e.order.AppendUint16(hdr, uint16(payload))
	copy(out[head+1:head+5], hdr)
	return out, nil
}

type tintEncoder struct{ order binary.AppendByteOrder }

func (e tintEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	t := s.Tint()
	if t.End < t.Start {
		return dst, fmt.Errorf("tint ends at %d before start %d: %w", t.End, t.Start, ErrFieldRange)
	}
	dst = e.order.AppendUint16(dst, t.Start)
	dst = e.order.AppendUint16(dst, t.End)
	return append(dst, byte(t.Hue), byte(t.Saturation), byte(t.Lightness), t.Weight), nil
}

type spotAnimEncoder struct{ order binary.AppendByteOrder }

func (e spotAnimEncoder) Encode(dst []byte, s *extinfo.Set) ([]byte, error) {
	a := s.SpotAnim()
	dst = e.order.AppendUint16(dst, a.ID)
	dst = e.order.AppendUint16(dst, a.Height)
	return e.order.AppendUint16(dst, a.Delay), nil
}

// hitsEncoder classifies every hit relative to the observer, so it never
// shares output between observers.
type hitsEncoder struct{ order binary.AppendByteOrder }

func (e hitsEncoder) EncodeFor(dst []byte, s *extinfo.Set, subject, observer avatar.Index) ([]byte, bool, error) {
	hits := s.Hits()
	if len(hits) > MaxHits {
		return dst, false, fmt.Errorf("%d hits: %w", len(hits), ErrFieldRange)
	}
	start := len(dst)
	dst = append(dst, 0)
	n := 0
	for _, h := range hits {
		if !h.VisibleTo(subject, observer) {
			continue
		}
		dst = append(dst, byte(h.Classify(subject, observer)), byte(h.Kind))
		dst = e.order.AppendUint16(dst, h.Type)
		dst = e.order.AppendUint16(dst, h.Amount)
		dst = append(dst, h.Delay)
		n++
	}
	if n == 0 {
		return dst[:start], false, nil
	}
	dst[start] = byte(n)
	return dst, true, nil
}
