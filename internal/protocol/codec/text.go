package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/huff0"
)

// Text compression modes carried on the wire.
const (
	TextRaw     byte = 0
	TextHuffman byte = 1
)

// TextCompressor turns chat text into its wire payload.
type TextCompressor interface {
	Compress(dst, plain []byte) (mode byte, out []byte, err error)
	Decompress(mode byte, payload []byte, plainLen int) ([]byte, error)
}

// minHuffmanInput is the shortest text worth a Huffman table.
const minHuffmanInput = 16

// HuffmanText compresses with huff0 and falls back to raw bytes for short or
// incompressible text.
type HuffmanText struct {
	scratch sync.Pool
}

func NewHuffmanText() *HuffmanText {
	return &HuffmanText{scratch: sync.Pool{New: func() any {
		return &huff0.Scratch{Reuse: huff0.ReusePolicyNone}
	}}}
}

func (h *HuffmanText) Compress(dst, plain []byte) (byte, []byte, error) {
	if len(plain) >= minHuffmanInput {
		s := h.scratch.Get().(*huff0.Scratch)
		out, _, err := huff0.Compress1X(plain, s)
		switch {
		case err == nil && len(out) < len(plain):
			dst = append(dst, out...)
			h.scratch.Put(s)
			return TextHuffman, dst, nil
		case err == nil, errors.Is(err, huff0.ErrIncompressible), errors.Is(err, huff0.ErrUseRLE):
			h.scratch.Put(s)
		default:
			h.scratch.Put(s)
			return 0, dst, fmt.Errorf("huffman: %w", err)
		}
	}
	return TextRaw, append(dst, plain...), nil
}

func (h *HuffmanText) Decompress(mode byte, payload []byte, plainLen int) ([]byte, error) {
	switch mode {
	case TextRaw:
		if len(payload) != plainLen {
			return nil, fmt.Errorf("raw text: length %d, header says %d", len(payload), plainLen)
		}
		return append([]byte(nil), payload...), nil
	case TextHuffman:
		s, rest, err := huff0.ReadTable(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("huffman table: %w", err)
		}
		out, err := s.Decoder().Decompress1X(make([]byte, 0, plainLen), rest)
		if err != nil {
			return nil, fmt.Errorf("huffman: %w", err)
		}
		if len(out) != plainLen {
			return nil, fmt.Errorf("huffman: decoded %d bytes, header says %d", len(out), plainLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown text mode %d", mode)
	}
}
