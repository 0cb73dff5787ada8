package rzcobs

import (
	"bytes"
	"testing"
)

// roundTrip encodes plain, checks the stream carries no embedded frame
// delimiter, and asserts Decode reproduces plain exactly.
func roundTrip(t *testing.T, plain []byte) {
	t.Helper()
	encoded := Encode(plain)
	for _, b := range encoded {
		if b == 0x00 {
			t.Fatalf("Encode(%v) produced embedded 0x00 byte: %v", plain, encoded)
		}
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode(Encode(%v)) failed: %v", plain, err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("Decode(Encode(%v)) = %v, want exactly the input", plain, decoded)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	roundTrip(t, nil)
}

func TestRoundTripSingleByte(t *testing.T) {
	for _, b := range []byte{0x00, 0x01, 0x7F, 0x80, 0xFF} {
		roundTrip(t, []byte{b})
	}
}

func TestRoundTripShortMixed(t *testing.T) {
	roundTrip(t, []byte{0x02, 0x00, 0x2A, 0x00, 0x00, 0x09})
}

func TestRoundTripIndexLikePrefix(t *testing.T) {
	// A typical tiny frame: a 2-byte little-endian istr index whose high
	// byte happens to be zero, the common case for small format tables.
	roundTrip(t, []byte{0x05, 0x00})
}

func TestRoundTripAllZero(t *testing.T) {
	roundTrip(t, make([]byte, 20))
}

func TestRoundTripNoZerosShort(t *testing.T) {
	roundTrip(t, bytes.Repeat([]byte{0xAB}, 5))
}

func TestRoundTripNoZerosMedium(t *testing.T) {
	roundTrip(t, bytes.Repeat([]byte{0xCD}, 40))
}

func TestRoundTripNoZeros16(t *testing.T) {
	roundTrip(t, bytes.Repeat([]byte{0xAB}, 16))
}

func TestRoundTripLongRunExactly134(t *testing.T) {
	data := append([]byte{0x01}, bytes.Repeat([]byte{0xEE}, 134)...)
	roundTrip(t, data)
}

func TestRoundTripLongRunOver134(t *testing.T) {
	data := append([]byte{0x01}, bytes.Repeat([]byte{0xEE}, 260)...)
	roundTrip(t, data)
}

func TestRoundTripVariousLengths(t *testing.T) {
	for n := 0; n < 300; n += 7 {
		data := make([]byte, n)
		for i := range data {
			// Mix of zero and non-zero bytes, deterministic pattern.
			if i%5 == 0 {
				data[i] = 0
			} else {
				data[i] = byte(i*31 + 7)
			}
		}
		roundTrip(t, data)
	}
}

func TestEncodePadsUnterminatedTailRun(t *testing.T) {
	// A plaintext ending in a run of 7+ non-zero bytes with earlier
	// content before it has no exact segmentation: the bitmask form needs
	// a zero, the run form ends on one, and the bulk form is exactly 134
	// bytes. Encode appends the fewest zeros that unlock a segmentation;
	// the frame decoder reads only as many bytes as the format string's
	// parameters require, so the padding is never observed above this
	// package.
	frame := []byte{0x10, 0x00, 0x78, 0x56, 0x34, 0x12, 3, 'h', 'i', '!'}
	encoded := Encode(frame)
	for _, b := range encoded {
		if b == 0x00 {
			t.Fatalf("embedded 0x00 in %v", encoded)
		}
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := append(append([]byte{}, frame...), 0x00)
	if !bytes.Equal(decoded, want) {
		t.Fatalf("got %v, want the input plus a single zero of padding %v", decoded, want)
	}
}

func TestDecodeRejectsZeroControlByte(t *testing.T) {
	if _, err := Decode([]byte{0x00}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsZeroDataByte(t *testing.T) {
	// 0x01's bit 6 is clear, so a data byte is consumed; a 0x00 there can
	// only be a misplaced frame delimiter.
	if _, err := Decode([]byte{0x00, 0x01}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodePartialLeadingBitmaskGroup(t *testing.T) {
	// The stream's leading group may run out of input on a data slot; the
	// frame ends cleanly there instead of erroring. 0x40 is "one zero,
	// one data byte, stop on exhaustion".
	got, err := Decode([]byte{0x05, 0x40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("got %v, want [5 0]", got)
	}
}

func TestDecodeRejectsTruncatedZeroRunGroup(t *testing.T) {
	// 0x80 means "insert 0x00 then copy 7 more bytes"; only 2 remain. A
	// run group cannot be partial: its zero precedes its data bytes.
	if _, err := Decode([]byte{0xAA, 0xBB, 0x80}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeBitmaskAllZeroBits(t *testing.T) {
	// x = 0x7F sets all 7 bits, so decode produces seven literal zero
	// bytes and consumes no further input.
	got, err := Decode([]byte{0x7F})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := make([]byte, 7)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
