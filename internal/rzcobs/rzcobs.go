// Package rzcobs implements the "reverse zero-terminated COBS" framing
// codec defmt uses to make its rzcobs encoding resynchronizable: any 0x00
// byte found in the transport is an unambiguous frame delimiter, so a
// decoder that loses sync on a corrupted frame can always recover at the
// next delimiter.
//
// Decode walks the input right to left, dispatching on each control byte.
// Encode is its exact inverse: it searches for a segmentation of the
// plaintext into the group forms Decode understands, so that
// Decode(Encode(p)) == p whenever such a segmentation exists. The one
// exception is a plaintext whose last seven or more bytes are all
// non-zero with earlier content before them: no group form can end a
// frame inside such a run, so Encode appends the fewest zero bytes that
// unlock a segmentation and Decode yields the plaintext plus that
// padding (which a frame decoder, reading by its format string's schema,
// never looks at).
package rzcobs

import "errors"

// ErrMalformed is returned when a control byte dispatch expects more input
// than remains, or a 0x00 byte is encountered where the frame contract
// forbids one (0x00 may only ever appear as the external frame delimiter,
// never inside a framed payload).
var ErrMalformed = errors.New("rzcobs: malformed frame")

// Decode reverses the rzCOBS framing applied by Encode, returning the
// original plaintext. data must not contain the 0x00 frame delimiter;
// callers split on 0x00 before calling Decode.
//
// The stream's leading group may be partial: when a bitmask or bulk-copy
// group runs out of input on a data slot, the frame ends cleanly there.
// The encoder uses this to emit short leading groups instead of padding
// every frame up to a whole group. A run group (0x80-0xFE) cannot be
// partial — its reconstructed zero byte precedes its data — so truncation
// inside one is still malformed.
func Decode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	i := len(data)

loop:
	for i > 0 {
		i--
		ctrl := data[i]

		switch {
		case ctrl == 0x00:
			return nil, ErrMalformed

		case ctrl <= 0x7F:
			for bit := 6; bit >= 0; bit-- {
				mask := byte(1) << uint(bit)
				if ctrl&mask == 0 {
					if i == 0 {
						break loop // partial leading group
					}
					i--
					if data[i] == 0 {
						return nil, ErrMalformed
					}
					out = append(out, data[i])
				} else {
					out = append(out, 0x00)
				}
			}

		case ctrl <= 0xFE:
			n := int(ctrl&0x7F) + 7
			if i < n {
				return nil, ErrMalformed
			}
			out = append(out, 0x00)
			for k := 0; k < n; k++ {
				i--
				if data[i] == 0 {
					return nil, ErrMalformed
				}
				out = append(out, data[i])
			}

		default: // 0xFF
			for k := 0; k < 134; k++ {
				if i == 0 {
					break loop // partial leading bulk group
				}
				i--
				if data[i] == 0 {
					return nil, ErrMalformed
				}
				out = append(out, data[i])
			}
		}
	}

	reverseBytes(out)
	return out, nil
}

// Encode applies rzCOBS framing to data, producing a byte stream with no
// embedded 0x00 bytes, suitable for delimiting with a 0x00 terminator.
func Encode(data []byte) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	// A segmentation almost always exists for the plaintext as given. When
	// it doesn't (the unterminated-tail-run case), a handful of appended
	// zeros always unlocks one: the first seals the trailing run so the
	// run form can absorb it, and at most six more align the zero tail to
	// the 7-byte bitmask group size.
	for pad := 0; ; pad++ {
		padded := data
		if pad > 0 {
			padded = make([]byte, len(data)+pad)
			copy(padded, data)
		}
		if t, ok := tile(padded); ok {
			return emit(padded, t)
		}
	}
}

// tiling is one exact segmentation of a plaintext into decode groups.
// head is the length of a partial leading group (0 when the first group
// is complete); headBulk selects the bulk form for it.
type tiling struct {
	next     []int // next[s] = end of the complete segment starting at s
	head     int
	headBulk bool
}

// tile searches for a segmentation of data into the three complete group
// forms — a 7-byte chunk containing a zero, a 7-133-byte non-zero run
// plus its trailing zero, or 134 non-zero bytes — optionally led by one
// partial group. Reports ok=false when none exists.
func tile(data []byte) (tiling, bool) {
	length := len(data)

	// run[s] = length of the non-zero run starting at s.
	run := make([]int, length+1)
	for s := length - 1; s >= 0; s-- {
		if data[s] != 0 {
			run[s] = run[s+1] + 1
		}
	}
	zeroIn := func(s, e int) bool {
		for k := s; k < e; k++ {
			if data[k] == 0 {
				return true
			}
		}
		return false
	}

	ok := make([]bool, length+1)
	next := make([]int, length+1)
	ok[length] = true

	complete := func(s int) bool {
		switch r := run[s]; {
		case r >= 134 && ok[s+134]:
			next[s] = s + 134
		case r >= 7 && r <= 133 && s+r < length && ok[s+r+1]:
			// data[s+r] == 0 since the run is maximal
			next[s] = s + r + 1
		case s+7 <= length && zeroIn(s, s+7) && ok[s+7]:
			next[s] = s + 7
		default:
			return false
		}
		return true
	}

	for s := length - 1; s >= 1; s-- {
		ok[s] = complete(s)
	}

	if complete(0) {
		return tiling{next: next}, true
	}

	// No complete group starts the stream; try a partial leading group.
	// Bulk form: any all-non-zero prefix. Longest first, fewest groups.
	for m := minInt(run[0], 133); m >= 1; m-- {
		if ok[m] {
			return tiling{next: next, head: m, headBulk: true}, true
		}
	}
	// Bitmask form: up to six bytes. An all-non-zero chunk of six is out:
	// its control byte would have no bit left below the stop slot to keep
	// it non-zero.
	for m := minInt(length, 6); m >= 1; m-- {
		if ok[m] && (m <= 5 || zeroIn(0, m)) {
			return tiling{next: next, head: m}, true
		}
	}
	return tiling{}, false
}

func emit(data []byte, t tiling) []byte {
	out := make([]byte, 0, len(data)+len(data)/7+2)
	s := 0
	if t.head > 0 {
		out = emitPartialHead(out, data[:t.head], t.headBulk)
		s = t.head
	}
	for s < len(data) {
		e := t.next[s]
		out = emitGroup(out, data[s:e])
		s = e
	}
	return out
}

// emitGroup appends one complete segment's encoding: data bytes first,
// control byte last (Decode reads the stream back to front).
func emitGroup(out, seg []byte) []byte {
	n := len(seg)
	if n == 7 {
		// Bitmask group: control bit i set means seg[i] is a zero.
		var ctrl byte
		for i, b := range seg {
			if b == 0 {
				ctrl |= 1 << uint(i)
			} else {
				out = append(out, b)
			}
		}
		return append(out, ctrl)
	}
	if seg[n-1] == 0 {
		// Run group: n-1 non-zero bytes, the trailing zero folded into
		// the control byte.
		out = append(out, seg[:n-1]...)
		return append(out, 0x80|byte(n-1-7))
	}
	// Bulk group: exactly 134 non-zero bytes.
	out = append(out, seg...)
	return append(out, 0xFF)
}

// emitPartialHead appends the stream's leading group when it carries
// fewer bytes than a complete group: Decode stops cleanly on input
// exhaustion.
func emitPartialHead(out, seg []byte, bulk bool) []byte {
	if bulk {
		out = append(out, seg...)
		return append(out, 0xFF)
	}
	m := len(seg)
	var ctrl byte
	for i, b := range seg {
		if b == 0 {
			ctrl |= 1 << uint(7-m+i)
		} else {
			out = append(out, b)
		}
	}
	// Bit 6-m stays clear: Decode reaches it with the input exhausted and
	// ends the frame there. For an all-non-zero chunk (at most five bytes,
	// tile guarantees) a bit below the stop slot keeps the control byte
	// non-zero; it is never processed.
	if ctrl == 0 {
		ctrl = 0x01
	}
	return append(out, ctrl)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
