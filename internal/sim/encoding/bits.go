package encoding

import (
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("bit reader: short buffer")

// BitWriter packs fields MSB-first into a growable byte slice.
// The zero value is ready to use.
type BitWriter struct {
	buf  []byte
	nbit int
}

func NewBitWriter(capBytes int) *BitWriter {
	return &BitWriter{buf: make([]byte, 0, capBytes)}
}

// Reset truncates the writer but keeps the backing array.
func (w *BitWriter) Reset() {
	w.buf = w.buf[:0]
	w.nbit = 0
}

func (w *BitWriter) BitLen() int { return w.nbit }

// ByteLen is the number of bytes the bit section occupies once aligned.
func (w *BitWriter) ByteLen() int { return (w.nbit + 7) >> 3 }

func (w *BitWriter) WriteBit(v bool) {
	if v {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// WriteBits appends the low n bits of value (n <= 32).
func (w *BitWriter) WriteBits(value uint32, n int) {
	if n < 0 || n > 32 {
		panic(fmt.Sprintf("bit writer: width %d out of range", n))
	}
	for n > 0 {
		off := w.nbit & 7
		if off == 0 {
			w.buf = append(w.buf, 0)
		}
		free := 8 - off
		take := n
		if take > free {
			take = free
		}
		chunk := byte((value >> uint(n-take)) & (1<<uint(take) - 1))
		w.buf[len(w.buf)-1] |= chunk << uint(free-take)
		w.nbit += take
		n -= take
	}
}

// WriteSigned writes v as an n-bit two's complement field.
func (w *BitWriter) WriteSigned(v int, n int) {
	w.WriteBits(uint32(v)&mask(n), n)
}

// PatchBit overwrites a single previously written bit.
func (w *BitWriter) PatchBit(pos int, v bool) {
	if pos < 0 || pos >= w.nbit {
		panic(fmt.Sprintf("bit writer: patch position %d outside [0,%d)", pos, w.nbit))
	}
	b := &w.buf[pos>>3]
	m := byte(0x80) >> uint(pos&7)
	if v {
		*b |= m
	} else {
		*b &^= m
	}
}

// AlignedBytes returns the bit section padded with zero bits to a byte boundary.
// The slice aliases the writer's buffer.
func (w *BitWriter) AlignedBytes() []byte {
	return w.buf
}

// SignedFits reports whether v is representable as an n-bit two's complement value.
func SignedFits(v int, n int) bool {
	lo := -(1 << uint(n-1))
	hi := (1 << uint(n-1)) - 1
	return v >= lo && v <= hi
}

func mask(n int) uint32 {
	if n >= 32 {
		return 0xFFFFFFFF
	}
	return 1<<uint(n) - 1
}

// BitReader is the inverse of BitWriter.
type BitReader struct {
	buf  []byte
	nbit int
}

func NewBitReader(b []byte) *BitReader {
	return &BitReader{buf: b}
}

func (r *BitReader) Pos() int { return r.nbit }

func (r *BitReader) ReadBit() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

func (r *BitReader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, fmt.Errorf("bit reader: width %d out of range", n)
	}
	if r.nbit+n > len(r.buf)*8 {
		return 0, ErrShortBuffer
	}
	var v uint32
	for n > 0 {
		off := r.nbit & 7
		avail := 8 - off
		take := n
		if take > avail {
			take = avail
		}
		b := r.buf[r.nbit>>3]
		chunk := (b >> uint(avail-take)) & (1<<uint(take) - 1)
		v = v<<uint(take) | uint32(chunk)
		r.nbit += take
		n -= take
	}
	return v, nil
}

func (r *BitReader) ReadSigned(n int) (int, error) {
	v, err := r.ReadBits(n)
	if err != nil {
		return 0, err
	}
	if n < 32 && v&(1<<uint(n-1)) != 0 {
		return int(v) - (1 << uint(n)), nil
	}
	return int(int32(v)), nil
}

// Align skips to the next byte boundary and returns the byte offset.
func (r *BitReader) Align() int {
	r.nbit = (r.nbit + 7) &^ 7
	return r.nbit >> 3
}
