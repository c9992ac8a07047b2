package piece

import "testing"

func TestCountAndLengthAtExactMultiple(t *testing.T) {
	// 4 pieces of 10 bytes exactly: the last piece must be full length, not
	// a zero-length remainder.
	const size, pieceLen = 40, 10
	if got := Count(size, pieceLen); got != 4 {
		t.Fatalf("Count = %d, want 4", got)
	}
	if got := LengthAt(3, size, pieceLen); got != 10 {
		t.Fatalf("LengthAt(last) = %d, want 10", got)
	}
}

func TestCountAndLengthAtRemainder(t *testing.T) {
	const size, pieceLen = 45, 10
	if got := Count(size, pieceLen); got != 5 {
		t.Fatalf("Count = %d, want 5", got)
	}
	if got := LengthAt(4, size, pieceLen); got != 5 {
		t.Fatalf("LengthAt(last) = %d, want 5", got)
	}
	if got := LengthAt(0, size, pieceLen); got != 10 {
		t.Fatalf("LengthAt(0) = %d, want 10", got)
	}
}

func TestOffsetBounds(t *testing.T) {
	start, end := OffsetBounds(2, 45, 10)
	if start != 20 || end != 30 {
		t.Fatalf("OffsetBounds = (%d,%d), want (20,30)", start, end)
	}
}

func TestBlockBoundsExactAndRemainder(t *testing.T) {
	if n := BlockCount(32768, 16384); n != 2 {
		t.Fatalf("BlockCount = %d, want 2", n)
	}
	begin, length := BlockBounds(32768, 16384, 1)
	if begin != 16384 || length != 16384 {
		t.Fatalf("BlockBounds(last, exact) = (%d,%d), want (16384,16384)", begin, length)
	}

	begin, length = BlockBounds(20000, 16384, 1)
	if begin != 16384 || length != 3616 {
		t.Fatalf("BlockBounds(last, remainder) = (%d,%d), want (16384,3616)", begin, length)
	}
}

func TestBlockBoundsOutOfRange(t *testing.T) {
	if begin, length := BlockBounds(100, 10, -1); begin != 0 || length != 0 {
		t.Fatalf("expected zero bounds for negative index")
	}
	if begin, length := BlockBounds(100, 10, 99); begin != 0 || length != 0 {
		t.Fatalf("expected zero bounds for out-of-range index")
	}
}
