package bitfield

import "testing"

func TestBitfieldSetHas(t *testing.T) {
	bf := New(10)
	if bf.Len() != 16 {
		t.Fatalf("expected 16 addressable bits for 10 pieces, got %d", bf.Len())
	}

	if bf.Has(0) {
		t.Fatalf("expected bit 0 unset initially")
	}
	if !bf.Set(0) {
		t.Fatalf("expected Set(0) to report a change")
	}
	if !bf.Has(0) {
		t.Fatalf("expected bit 0 set after Set(0)")
	}
	if bf.Set(0) {
		t.Fatalf("expected Set(0) to report no change the second time")
	}
}

func TestBitfieldUnset(t *testing.T) {
	bf := New(10)
	bf.Set(3)

	if !bf.Unset(3) {
		t.Fatalf("expected Unset(3) to report a change")
	}
	if bf.Has(3) {
		t.Fatalf("expected bit 3 clear after Unset(3)")
	}
	if bf.Unset(3) {
		t.Fatalf("expected Unset(3) to report no change the second time")
	}
	if bf.Unset(-1) || bf.Unset(100) {
		t.Fatalf("expected out-of-range Unset to report no change")
	}
}

func TestBitfieldMSBFirst(t *testing.T) {
	bf := New(8)
	bf.Set(0)

	if bf[0] != 0b1000_0000 {
		t.Fatalf("expected bit 0 to map to the MSB, got %08b", bf[0])
	}
}

func TestBitfieldOutOfRange(t *testing.T) {
	bf := New(4)

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("expected out-of-range Has to report false")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatalf("expected out-of-range Set to report no change")
	}
}

func TestBitfieldFromBytesAndCount(t *testing.T) {
	raw := []byte{0b1100_0000}
	bf := FromBytes(raw)

	if bf.Count() != 2 {
		t.Fatalf("expected 2 set bits, got %d", bf.Count())
	}
	if !bf.Has(0) || !bf.Has(1) || bf.Has(2) {
		t.Fatalf("unexpected bit pattern decoded from bytes")
	}

	clone := bf.Clone()
	clone.Set(2)
	if bf.Has(2) {
		t.Fatalf("expected Clone to be independent of the original")
	}
}
