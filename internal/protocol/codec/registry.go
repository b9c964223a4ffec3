package codec

import (
	"errors"
	"fmt"

	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

var (
	ErrMissingEncoder   = errors.New("codec: no encoder registered")
	ErrDuplicateEncoder = errors.New("codec: encoder already registered")
	ErrFieldRange       = errors.New("codec: field out of range")
)

// PrecomputedEncoder depends only on the block's own fields, so its output is
// shared by every observer on the same platform.
type PrecomputedEncoder interface {
	Encode(dst []byte, s *extinfo.Set) ([]byte, error)
}

// OnDemandEncoder depends on who is looking. present is false when nothing of
// the block is visible to observer.
type OnDemandEncoder interface {
	EncodeFor(dst []byte, s *extinfo.Set, subject, observer avatar.Index) (out []byte, present bool, err error)
}

type entry struct {
	pre PrecomputedEncoder
	od  OnDemandEncoder
}

// Registry is the fixed [platform][kind] dispatch table.
type Registry struct {
	layout  *Layout
	text    TextCompressor
	entries [extinfo.PlatformCount][extinfo.KindCount]entry
}

// NewRegistry registers the default encoders for every platform of layout and
// checks completeness.
func NewRegistry(layout *Layout, text TextCompressor) (*Registry, error) {
	r := NewEmptyRegistry(layout, text)
	for p := extinfo.Platform(0); p < extinfo.PlatformCount; p++ {
		if err := r.registerDefaults(p); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewEmptyRegistry returns a registry with nothing registered.
func NewEmptyRegistry(layout *Layout, text TextCompressor) *Registry {
	if text == nil {
		text = NewHuffmanText()
	}
	return &Registry{layout: layout, text: text}
}

func (r *Registry) Layout() *Layout     { return r.layout }
func (r *Registry) Text() TextCompressor { return r.text }

func (r *Registry) RegisterPrecomputed(p extinfo.Platform, k extinfo.Kind, e PrecomputedEncoder) error {
	en := &r.entries[p][k]
	if en.pre != nil || en.od != nil {
		return fmt.Errorf("%s/%s: %w", p, k, ErrDuplicateEncoder)
	}
	en.pre = e
	return nil
}

func (r *Registry) RegisterOnDemand(p extinfo.Platform, k extinfo.Kind, e OnDemandEncoder) error {
	en := &r.entries[p][k]
	if en.pre != nil || en.od != nil {
		return fmt.Errorf("%s/%s: %w", p, k, ErrDuplicateEncoder)
	}
	en.od = e
	return nil
}

// Replace swaps the encoder of (p, k), keeping its shape. Used to inject
// instrumented encoders.
func (r *Registry) Replace(p extinfo.Platform, k extinfo.Kind, e any) error {
	en := &r.entries[p][k]
	switch v := e.(type) {
	case PrecomputedEncoder:
		if en.od != nil {
			return fmt.Errorf("%s/%s is on-demand: %w", p, k, ErrDuplicateEncoder)
		}
		en.pre = v
	case OnDemandEncoder:
		if en.pre != nil {
			return fmt.Errorf("%s/%s is precomputed: %w", p, k, ErrDuplicateEncoder)
		}
		en.od = v
	default:
		return fmt.Errorf("%s/%s: %T is not an encoder", p, k, e)
	}
	return nil
}

// Validate reports the first (platform, kind) without an encoder.
func (r *Registry) Validate() error {
	for p := extinfo.Platform(0); p < extinfo.PlatformCount; p++ {
		for k := extinfo.Kind(0); k < extinfo.KindCount; k++ {
			en := r.entries[p][k]
			if en.pre == nil && en.od == nil {
				return fmt.Errorf("%s/%s: %w", p, k, ErrMissingEncoder)
			}
		}
	}
	return nil
}

// IsPrecomputed reports whether (p, k) is shared across observers.
func (r *Registry) IsPrecomputed(p extinfo.Platform, k extinfo.Kind) bool {
	return r.entries[p][k].pre != nil
}

func (r *Registry) Precomputed(p extinfo.Platform, k extinfo.Kind) PrecomputedEncoder {
	return r.entries[p][k].pre
}

func (r *Registry) OnDemand(p extinfo.Platform, k extinfo.Kind) OnDemandEncoder {
	return r.entries[p][k].od
}

func (r *Registry) registerDefaults(p extinfo.Platform) error {
	order := r.layout.Platform(p).Order
	pre := [...]struct {
		k extinfo.Kind
		e PrecomputedEncoder
	}{
		{extinfo.KindAppearance, appearanceEncoder{order}},
		{extinfo.KindSequence, sequenceEncoder{order}},
		{extinfo.KindFaceAngle, faceAngleEncoder{order}},
		{extinfo.KindFaceAvatar, faceAvatarEncoder{order}},
		{extinfo.KindSay, sayEncoder{}},
		{extinfo.KindChat, chatEncoder{order, r.text}},
		{extinfo.KindTint, tintEncoder{order}},
		{extinfo.KindSpotAnim, spotAnimEncoder{order}},
	}
	for _, e := range pre {
		if err := r.RegisterPrecomputed(p, e.k, e.e); err != nil {
			return err
		}
	}
	return r.RegisterOnDemand(p, extinfo.KindHits, hitsEncoder{order})
}
