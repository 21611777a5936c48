package bitvector

import "testing"

func TestSetTestMSBFirst(t *testing.T) {
	v := New(16)
	v.Set(0)
	v.Set(15)
	if v.Bytes()[0] != 0x80 {
		t.Fatalf("bit 0 should be MSB of byte 0, got %08b", v.Bytes()[0])
	}
	if v.Bytes()[1] != 0x01 {
		t.Fatalf("bit 15 should be LSB of byte 1, got %08b", v.Bytes()[1])
	}
	if !v.Test(0) || !v.Test(15) {
		t.Fatal("expected bits 0 and 15 set")
	}
	if v.Test(1) || v.Test(14) {
		t.Fatal("expected only bits 0 and 15 set")
	}
}

func TestWithBitSet(t *testing.T) {
	v := WithBitSet(10, 3)
	for i := 0; i < 10; i++ {
		if v.Test(i) != (i == 3) {
			t.Fatalf("bit %d: got %v", i, v.Test(i))
		}
	}
}

func TestXorSelfInverse(t *testing.T) {
	a := WithBitSet(64, 5)
	b := WithBitSet(64, 5)
	xor, err := Xor(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 64; i++ {
		if xor.Test(i) {
			t.Fatalf("bit %d should be cleared after self-XOR", i)
		}
	}
}

func TestXorLengthMismatch(t *testing.T) {
	a := New(8)
	b := New(16)
	if _, err := Xor(a, b); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if err := a.XorInto(b); err == nil {
		t.Fatal("expected length mismatch error from XorInto")
	}
}

func TestCorrectnessInvariant(t *testing.T) {
	// The PIR correctness invariant: XOR of k per-mirror query vectors that
	// each mark a disjoint set of indices for one requested bit leaves that
	// bit set an odd number of times and every other bit set an even number
	// (here zero) of times.
	const n = 32
	const target = 17
	k := 4
	acc := New(n)
	for i := 0; i < k; i++ {
		v := New(n)
		if i == 0 {
			v.Set(target)
		}
		if err := acc.XorInto(v); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		want := i == target
		if acc.Test(i) != want {
			t.Fatalf("bit %d: got %v, want %v", i, acc.Test(i), want)
		}
	}
}

func TestFromBytesLengthCheck(t *testing.T) {
	if _, err := FromBytes([]byte{0x00}, 16); err == nil {
		t.Fatal("expected length mismatch for short byte slice")
	}
	v, err := FromBytes([]byte{0xFF, 0x00}, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Test(0) || v.Test(8) {
		t.Fatal("unexpected bit pattern from wrapped bytes")
	}
}

func TestChunkLayoutEvenSplit(t *testing.T) {
	layout, err := NewChunkLayout(4, 64) // 8 bytes / 4 chunks = 2 bytes each
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		start, end, err := layout.ByteRange(i)
		if err != nil {
			t.Fatal(err)
		}
		if end-start != 2 {
			t.Fatalf("chunk %d: expected 2 bytes, got %d", i, end-start)
		}
	}
}

func TestChunkLayoutRemainderGoesToLastChunk(t *testing.T) {
	// 10 bytes over 3 chunks: base=floor(10/3)=3 -> sizes [3,3,4]
	layout, err := NewChunkLayout(3, 80)
	if err != nil {
		t.Fatal(err)
	}
	sizes := make([]int, 3)
	prevEnd := 0
	for i := 0; i < 3; i++ {
		start, end, err := layout.ByteRange(i)
		if err != nil {
			t.Fatal(err)
		}
		if start != prevEnd {
			t.Fatalf("chunk %d not contiguous: start=%d, prevEnd=%d", i, start, prevEnd)
		}
		sizes[i] = end - start
		prevEnd = end
	}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 4 {
		t.Fatalf("unexpected chunk sizes: %v", sizes)
	}
	if prevEnd != 10 {
		t.Fatalf("chunks do not cover full byte length: %d", prevEnd)
	}
}

func TestChunkLayoutRejectsTooSmallVector(t *testing.T) {
	if _, err := NewChunkLayout(8, 32); err == nil {
		t.Fatal("expected error: n=32 bits insufficient for k=8 chunks (need n>=8k)")
	}
}
