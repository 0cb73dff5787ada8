// Package encode implements the target-side encoder primitives: the
// acquire/header/<type>/release call sequence that generated logging code
// issues for every log statement, and the single-writer-per-context
// discipline the transport contract relies on.
//
// There is no Rust-style proc-macro layer here — Go has no equivalent code
// generation hook into the compiler — so Logger exposes the primitives
// directly as methods, callable from hand-written call sites or from a
// generator that emits the equivalent Go. The contract is the one every
// defmt log statement follows: one Acquire, a Header, a sequence of typed
// writes, one Release.
package encode

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/defmtd/defmt/internal/rzcobs"
	"github.com/defmtd/defmt/internal/wire"
)

// Sink is the transport collaborator a Logger writes encoded frame bytes
// to (RTT, ITM, semihosting, a serial bridge). Implementations must not
// block indefinitely inside Write: a block-if-full ring buffer that
// busy-waits is fine, but forgetting to return from Write stalls the sole
// writer for the whole context.
type Sink interface {
	// Write appends p to the transport's outgoing buffer.
	Write(p []byte)
	// Flush blocks until all bytes handed to Write have been drained by the
	// underlying channel (RTT, ITM, serial, ...). It must never fail.
	Flush()
}

// TimestampFunc, when set on a Logger, is invoked once per Acquire/Release
// frame (inside Header) to emit the process-wide timestamp's argument
// bytes using the same typed writers as any other log statement.
type TimestampFunc func(l *Logger)

// Logger is a single-writer-per-context encoder. It accumulates one
// frame's bytes between Acquire and Release, then hands the raw or
// rzCOBS-framed result to Sink.
//
// A Logger has exactly one execution context: the zero value is ready to
// use, and a second Acquire before the matching Release is a caller bug
// and panics. Callers that need per-interrupt-priority or per-core
// contexts construct one Logger per context; each enforces its own
// discipline independently.
type Logger struct {
	Sink      Sink
	Encoding  wire.Encoding
	Timestamp TimestampFunc

	mu       sync.Mutex
	acquired atomic.Bool
	buf      bytes.Buffer
}

// Acquire begins a frame. It panics if this Logger's context already holds
// an unreleased frame. The transport/caller must arrange mutual exclusion
// before calling Acquire at all; Acquire only detects reentrant misuse of
// a single context.
func (l *Logger) Acquire() {
	if !l.acquired.CompareAndSwap(false, true) {
		panic("encode: Acquire called while this context already holds the logger")
	}
	l.mu.Lock()
	l.buf.Reset()
}

// mustBeAcquired panics if called outside an Acquire/Release pair — every
// typed writer below requires it, matching the macro-generated call
// sequence's contract that no primitive is ever called standalone.
func (l *Logger) mustBeAcquired() {
	if !l.acquired.Load() {
		panic("encode: typed write called outside Acquire/Release")
	}
}

// Header emits the frame's 2-byte little-endian string index, then invokes
// the configured TimestampFunc (if any) to append its argument bytes.
func (l *Logger) Header(istr uint16) {
	l.mustBeAcquired()
	var b [2]byte
	b[0] = byte(istr)
	b[1] = byte(istr >> 8)
	l.buf.Write(b[:])
	if l.Timestamp != nil {
		l.Timestamp(l)
	}
}

// Release finalizes the frame: the accumulated bytes are framed per
// l.Encoding (raw passthrough, or rzCOBS followed by the 0x00 delimiter) and
// handed to Sink.Write, then the context is released for the next Acquire.
func (l *Logger) Release() {
	l.mustBeAcquired()
	raw := append([]byte(nil), l.buf.Bytes()...)
	switch l.Encoding {
	case wire.EncodingRzcobs:
		framed := rzcobs.Encode(raw)
		l.Sink.Write(framed)
		l.Sink.Write([]byte{0x00})
	default:
		l.Sink.Write(raw)
	}
	l.acquired.Store(false)
	l.mu.Unlock()
}

// Flush blocks until the sink has drained every byte written so far. It is
// only valid to call while the logger is acquired.
func (l *Logger) Flush() {
	l.mustBeAcquired()
	l.Sink.Flush()
}

func (l *Logger) write(p []byte) {
	l.mustBeAcquired()
	l.buf.Write(p)
}

// --- primitive integer/float/bool/char writers ---

func (l *Logger) U8(v uint8)   { l.write([]byte{v}) }
func (l *Logger) I8(v int8)    { l.write([]byte{byte(v)}) }
func (l *Logger) Bool(v bool) {
	if v {
		l.write([]byte{1})
	} else {
		l.write([]byte{0})
	}
}

func (l *Logger) U16(v uint16) { l.write(leUint(uint64(v), 2)) }
func (l *Logger) U32(v uint32) { l.write(leUint(uint64(v), 4)) }
func (l *Logger) U64(v uint64) { l.write(leUint(v, 8)) }
func (l *Logger) I16(v int16)  { l.write(leUint(uint64(uint16(v)), 2)) }
func (l *Logger) I32(v int32)  { l.write(leUint(uint64(uint32(v)), 4)) }
func (l *Logger) I64(v int64)  { l.write(leUint(uint64(v), 8)) }

// U128/I128 take a *big.Int; the caller supplies the true (unsigned for U128,
// two's-complement for I128) 128-bit value. Only the low 16 bytes are
// emitted, little-endian.
func (l *Logger) U128(v *big.Int) { a := le128(v, false); l.write(a[:]) }
func (l *Logger) I128(v *big.Int) { a := le128(v, true); l.write(a[:]) }

// Usize/Isize are always written as 32-bit little-endian, regardless of
// the host's native pointer width.
func (l *Logger) Usize(v uint32) { l.write(leUint(uint64(v), 4)) }
func (l *Logger) Isize(v int32)  { l.write(leUint(uint64(uint32(v)), 4)) }

func (l *Logger) F32(v float32) { l.U32(f32Bits(v)) }
func (l *Logger) F64(v float64) { l.U64(f64Bits(v)) }

// Char writes the 4-byte little-endian Unicode scalar value. Surrogate
// code points are not valid Unicode scalar values and are rejected.
func (l *Logger) Char(r rune) {
	if r >= 0xD800 && r <= 0xDFFF {
		panic(fmt.Sprintf("encode: %U is a surrogate, not a valid Unicode scalar value", r))
	}
	l.U32(uint32(r))
}

// Str writes a 4-byte little-endian length prefix followed by the raw
// UTF-8 bytes, exactly as Slice does; the two share an encoding.
func (l *Logger) Str(s string) { l.Slice([]byte(s)) }

// Slice writes a 4-byte little-endian length prefix followed by b.
func (l *Logger) Slice(b []byte) {
	l.write(leUint(uint64(len(b)), 4))
	l.write(b)
}

// U8Array writes b with no length prefix: the length is carried by the
// format string's `[u8; N]` tag, not the wire bytes.
func (l *Logger) U8Array(b []byte) { l.write(b) }

// Istr writes a 2-byte little-endian index referencing an already-interned
// string (the `istr` type — a reference to a Str-tagged table entry).
func (l *Logger) Istr(index uint16) { l.U16(index) }

// BitField emits the bytes spanning [start/8 .. ceil(end/8)) of the
// source integer, little-endian, widened to the smallest of 1, 2, 4, 8 or
// 16 bytes (the width the receiving side reads back). value holds the
// full source integer; start/end are bit offsets with end <= 128.
func (l *Logger) BitField(value *big.Int, start, end uint8) {
	lowByte := start / 8
	highByte := (end + 7) / 8
	span := int(highByte - lowByte)

	width := 16
	for _, w := range []int{1, 2, 4, 8} {
		if span <= w {
			width = w
			break
		}
	}

	shifted := new(big.Int).Rsh(value, uint(lowByte)*8)
	full := le128(shifted, false)
	l.write(full[:width])
}

// Fmt emits a nested Format value: the inner interned-string index, then
// invokes argsFn to emit that format string's own arguments. If the inner
// format string is an enum (numVariants>1, i.e. it contains "|"), argsFn
// must first write the variant discriminant via EnumDiscriminant and then
// that variant's arguments — Fmt itself only emits the istr.
func (l *Logger) Fmt(istr uint16, argsFn func()) {
	l.Istr(istr)
	if argsFn != nil {
		argsFn()
	}
}

// EnumDiscriminant writes the variant index of an N-variant enum using
// ceil(log256 N) bytes, little-endian. A single-variant enum (n<=1) emits
// nothing.
func (l *Logger) EnumDiscriminant(variant uint64, n int) {
	switch {
	case n <= 1:
		return
	case n <= 256:
		l.write([]byte{byte(variant)})
	case n <= 65536:
		l.write(leUint(variant, 2))
	case n <= 1<<32:
		l.write(leUint(variant, 4))
	default:
		l.write(leUint(variant, 8))
	}
}

// FormatSlice writes a dynamic slice of Format values: 4-byte LE length,
// the element type's istr (written once via elemIstr), then the
// concatenated per-element payloads produced by elemFn for each index.
func (l *Logger) FormatSlice(n int, elemIstr uint16, elemFn func(i int)) {
	l.write(leUint(uint64(n), 4))
	l.Istr(elemIstr)
	for i := 0; i < n; i++ {
		elemFn(i)
	}
}

// FormatArray writes a fixed-size [?; N] slice: the element istr once, then
// N payloads with no length prefix (N is carried by the format string).
func (l *Logger) FormatArray(n int, elemIstr uint16, elemFn func(i int)) {
	l.Istr(elemIstr)
	for i := 0; i < n; i++ {
		elemFn(i)
	}
}

// FormatSequence writes a terminator-delimited stream of (istr, args)
// pairs, ending the sequence with an istr of zero.
func (l *Logger) FormatSequence(entries []FormatSequenceEntry) {
	for _, e := range entries {
		l.Istr(e.Istr)
		if e.ArgsFn != nil {
			e.ArgsFn()
		}
	}
	l.Istr(0)
}

// FormatSequenceEntry is one (istr, args) pair written by FormatSequence.
type FormatSequenceEntry struct {
	Istr   uint16
	ArgsFn func()
}

// Debug writes the UTF-8 bytes of text followed by a single 0xFF
// terminator. rendered must not itself contain a literal 0xFF byte as part
// of valid UTF-8 (it cannot — 0xFF never appears in well-formed UTF-8).
func (l *Logger) Debug(text string) { l.preformatted(text) }

// Display writes text the same way Debug does; the two differ only in
// which Rust trait produced the text, which has already been resolved by
// the time bytes reach the wire.
func (l *Logger) Display(text string) { l.preformatted(text) }

func (l *Logger) preformatted(text string) {
	l.write([]byte(text))
	l.write([]byte{0xFF})
}

// --- bit-twiddling helpers ---

func leUint(v uint64, width int) []byte {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

// le128 returns the 16-byte little-endian encoding of v. If twosComplement
// is true, negative v is encoded as its 128-bit two's-complement form.
func le128(v *big.Int, twosComplement bool) [16]byte {
	var out [16]byte
	x := v
	if twosComplement && v.Sign() < 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), 128)
		x = new(big.Int).Add(v, mod)
	}
	b := x.Bytes() // big-endian, no leading zero padding
	for i := 0; i < len(b) && i < 16; i++ {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func f32Bits(v float32) uint32 { return math.Float32bits(v) }

func f64Bits(v float64) uint64 { return math.Float64bits(v) }
