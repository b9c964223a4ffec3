package encoding

import (
	"errors"
	"testing"
)

func TestBitWriter_RoundTrip(t *testing.T) {
	type field struct {
		v uint32
		n int
	}
	fields := []field{
		{1, 1}, {0, 1}, {3, 2}, {0x1F, 5}, {0, 0}, {0xAB, 8}, {0x3FFF, 14}, {5, 3}, {0xDEADBEEF, 32}, {1, 1},
	}

	var w BitWriter
	total := 0
	for _, f := range fields {
		w.WriteBits(f.v, f.n)
		total += f.n
	}
	if w.BitLen() != total {
		t.Fatalf("BitLen=%d want %d", w.BitLen(), total)
	}
	if got, want := len(w.AlignedBytes()), (total+7)/8; got != want || w.ByteLen() != want {
		t.Fatalf("aligned len=%d ByteLen=%d want %d", got, w.ByteLen(), want)
	}

	r := NewBitReader(w.AlignedBytes())
	for i, f := range fields {
		got, err := r.ReadBits(f.n)
		if err != nil {
			t.Fatalf("field %d: %v", i, err)
		}
		if got != f.v {
			t.Fatalf("field %d: got %#x want %#x", i, got, f.v)
		}
	}
}

func TestBitWriter_MSBFirstLayout(t *testing.T) {
	var w BitWriter
	w.WriteBit(true)
	w.WriteBits(0, 2)
	w.WriteBits(0x1F, 5)
	w.WriteBits(0x3, 2)
	b := w.AlignedBytes()
	if len(b) != 2 || b[0] != 0x9F || b[1] != 0xC0 {
		t.Fatalf("layout = %x, want 9fc0", b)
	}
}

func TestBitWriter_Signed(t *testing.T) {
	cases := []struct {
		v, n int
	}{
		{-1, 5}, {-16, 5}, {15, 5}, {0, 5}, {-128, 8}, {127, 8}, {-3, 14},
	}
	var w BitWriter
	for _, c := range cases {
		if !SignedFits(c.v, c.n) {
			t.Fatalf("SignedFits(%d,%d)=false", c.v, c.n)
		}
		w.WriteSigned(c.v, c.n)
	}
	r := NewBitReader(w.AlignedBytes())
	for _, c := range cases {
		got, err := r.ReadSigned(c.n)
		if err != nil {
			t.Fatalf("ReadSigned: %v", err)
		}
		if got != c.v {
			t.Fatalf("got %d want %d (n=%d)", got, c.v, c.n)
		}
	}
	if SignedFits(16, 5) || SignedFits(-17, 5) {
		t.Fatalf("SignedFits accepted out-of-range value")
	}
}

func TestBitWriter_PatchBit(t *testing.T) {
	var w BitWriter
	w.WriteBits(0, 3)
	pos := w.BitLen()
	w.WriteBit(true)
	w.WriteBits(0x7, 3)

	w.PatchBit(pos, false)
	r := NewBitReader(w.AlignedBytes())
	_, _ = r.ReadBits(3)
	if v, _ := r.ReadBit(); v {
		t.Fatalf("patched bit still set")
	}
	if v, _ := r.ReadBits(3); v != 0x7 {
		t.Fatalf("neighbour bits clobbered: %#x", v)
	}
}

func TestBitReader_ShortBufferAndAlign(t *testing.T) {
	r := NewBitReader([]byte{0xFF})
	if _, err := r.ReadBits(3); err != nil {
		t.Fatalf("ReadBits: %v", err)
	}
	if off := r.Align(); off != 1 {
		t.Fatalf("Align=%d want 1", off)
	}
	if _, err := r.ReadBits(1); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestBitWriter_ResetKeepsCapacity(t *testing.T) {
	w := NewBitWriter(64)
	w.WriteBits(0xFFFF, 16)
	w.Reset()
	if w.BitLen() != 0 || len(w.AlignedBytes()) != 0 {
		t.Fatalf("reset left data behind")
	}
	if cap(w.AlignedBytes()) < 64 {
		t.Fatalf("reset dropped capacity")
	}
}
