// Package render turns a decoded table.Frame into displayed text: the
// rendered timestamp, the (optionally colorized) level tag, and the
// message with every display hint, bitfield extraction, bitflags lookup,
// and nested/sequence format applied.
package render

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/defmtd/defmt/internal/decodeframe"
	"github.com/defmtd/defmt/internal/parser"
	"github.com/defmtd/defmt/internal/table"
	"github.com/defmtd/defmt/internal/wire"
)

// Renderer renders frames decoded against a particular table (needed to
// resolve bitflags names).
type Renderer struct {
	table *table.Table
}

// New returns a Renderer backed by t.
func New(t *table.Table) *Renderer {
	return &Renderer{table: t}
}

// RenderFrame renders f's timestamp (if any), level, and message as one
// line. When colored is true, ANSI color codes are applied to the level
// tag.
func (r *Renderer) RenderFrame(f *table.Frame, colored bool) (string, error) {
	var buf strings.Builder

	if f.HasTimestamp {
		ts, err := r.formatArgs(f.TimestampFormat, f.TimestampArgs, nil)
		if err != nil {
			return "", err
		}
		buf.WriteString(ts)
		buf.WriteByte(' ')
	}

	if f.HasLevel {
		buf.WriteString(levelTag(f.Level, colored))
		buf.WriteByte(' ')
	}

	msg, err := r.formatArgs(f.Format, f.Args, nil)
	if err != nil {
		return "", err
	}
	buf.WriteString(msg)

	return buf.String(), nil
}

// RenderMessage renders only f's message, without timestamp or level.
func (r *Renderer) RenderMessage(f *table.Frame) (string, error) {
	return r.formatArgs(f.Format, f.Args, nil)
}

func levelTag(level wire.Level, colored bool) string {
	s := level.String()
	if !colored {
		return s
	}
	const (
		reset  = "\x1b[0m"
		dim    = "\x1b[2m"
		green  = "\x1b[32m"
		yellow = "\x1b[33m"
		red    = "\x1b[31m"
	)
	switch level {
	case wire.LevelTrace:
		return dim + s + reset
	case wire.LevelInfo:
		return green + s + reset
	case wire.LevelWarn:
		return yellow + s + reset
	case wire.LevelError:
		return red + s + reset
	default:
		return s
	}
}

func (r *Renderer) formatArgs(format string, args []decodeframe.Arg, parentHint *parser.DisplayHint) (string, error) {
	frags, err := parser.Parse(format, parser.ForwardsCompatible)
	if err != nil {
		return "", fmt.Errorf("render: parsing format %q: %w", format, err)
	}
	var buf strings.Builder
	for _, frag := range frags {
		if err := r.formatFragment(frag, &buf, args, parentHint); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func (r *Renderer) formatFragment(frag parser.Fragment, buf *strings.Builder, args []decodeframe.Arg, parentHint *parser.DisplayHint) error {
	if frag.Parameter == nil {
		buf.WriteString(frag.Literal)
		return nil
	}
	p := frag.Parameter
	hint := p.Hint
	if hint == nil {
		hint = parentHint
	}

	if p.Index >= len(args) {
		return fmt.Errorf("render: parameter index %d out of range (have %d args)", p.Index, len(args))
	}
	arg := args[p.Index]

	switch arg.Kind {
	case decodeframe.ArgBool:
		fmt.Fprintf(buf, "%v", arg.Bool)

	case decodeframe.ArgF32:
		buf.WriteString(strconv.FormatFloat(float64(arg.F32), 'g', -1, 32))

	case decodeframe.ArgF64:
		buf.WriteString(strconv.FormatFloat(arg.F64, 'g', -1, 64))

	case decodeframe.ArgUxx:
		if p.Type == parser.TypeBitField {
			bits := extractBitfield(arg.Uxx, p.Start, p.End)
			if hint != nil && hint.Kind == parser.HintAscii {
				r.formatBytes(bitfieldBytes(bits, p.Start, p.End), hint, buf)
			} else {
				// A binary bitfield with no explicit width renders every
				// bit of its range, leading zeros included, so the output
				// lines up with the field's declared width.
				if hint != nil && hint.Kind == parser.HintBinary && hint.ZeroPad == 0 {
					padded := *hint
					padded.ZeroPad = int(p.End - p.Start)
					hint = &padded
				}
				r.formatU128(bits, hint, buf)
			}
		} else if hint != nil && hint.Kind == parser.HintISO8601 {
			formatISO8601(arg.Uxx.Uint64(), hint.Precision, buf)
		} else {
			r.formatU128(arg.Uxx, hint, buf)
		}

	case decodeframe.ArgIxx:
		r.formatI128(arg.Ixx, p.Type, hint, buf)

	case decodeframe.ArgStr, decodeframe.ArgPreformatted, decodeframe.ArgIStr:
		formatStr(arg.Str, hint, buf)

	case decodeframe.ArgFormat:
		if parentHint != nil && parentHint.Kind == parser.HintAscii {
			s, err := r.formatArgs(arg.Format.Format, arg.Format.Args, parentHint)
			if err != nil {
				return err
			}
			buf.WriteString(s)
		} else {
			s, err := r.formatArgs(arg.Format.Format, arg.Format.Args, hint)
			if err != nil {
				return err
			}
			buf.WriteString(s)
		}

	case decodeframe.ArgFormatSequence:
		for _, a := range arg.FormatSequence {
			s, err := r.formatArgs("{=?}", []decodeframe.Arg{a}, hint)
			if err != nil {
				return err
			}
			buf.WriteString(s)
		}

	case decodeframe.ArgFormatSlice:
		if err := r.formatFormatSlice(arg.FormatSlice, hint, buf); err != nil {
			return err
		}

	case decodeframe.ArgSlice:
		r.formatBytes(arg.Slice, hint, buf)

	case decodeframe.ArgChar:
		buf.WriteRune(arg.Char)
	}

	return nil
}

func (r *Renderer) formatFormatSlice(elements []decodeframe.FormatSliceElement, hint *parser.DisplayHint, buf *strings.Builder) error {
	if hint != nil && hint.Kind == parser.HintAscii && sliceIsU8Elements(elements) {
		vals := make([]byte, len(elements))
		for i, e := range elements {
			vals[i] = byte(e.Args[0].Uxx.Uint64())
		}
		r.formatBytes(vals, hint, buf)
		return nil
	}

	buf.WriteByte('[')
	for i, e := range elements {
		if i > 0 {
			buf.WriteString(", ")
		}
		s, err := r.formatArgs(e.Format, e.Args, hint)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	}
	buf.WriteByte(']')
	return nil
}

func sliceIsU8Elements(elements []decodeframe.FormatSliceElement) bool {
	for _, e := range elements {
		if e.Format == "{=u8}" {
			return true
		}
	}
	return false
}

var (
	twoPow128 = new(big.Int).Lsh(big.NewInt(1), 128)
)

// extractBitfield isolates bits [start, end) out of x, which decodeframe
// left at its natural byte-aligned wire position, and right-aligns the
// result to bit 0: a left shift to drop the bits above end (taken modulo
// 2^128, the way a u128 shift wraps on the target), then a right shift to
// drop the bits below start.
func extractBitfield(x *big.Int, start, end uint8) *big.Int {
	leftZeroes := 128 - int(end)
	rightZeroes := leftZeroes + int(start)

	shifted := new(big.Int).Lsh(x, uint(leftZeroes))
	shifted.Mod(shifted, twoPow128)
	shifted.Rsh(shifted, uint(rightZeroes))
	return shifted
}

// bitfieldBytes is the ascii-hint byte extraction for bitfields: the
// big-endian 16-byte form of the already right-aligned bitfield value,
// with the all-zero leading bytes outside the range dropped.
func bitfieldBytes(bits *big.Int, start, end uint8) []byte {
	leftZeroes := 128 - int(end)
	rightZeroes := leftZeroes + int(start)

	full := make([]byte, 16)
	bits.FillBytes(full)
	skip := rightZeroes / 8
	if skip > 16 {
		skip = 16
	}
	return full[skip:]
}

func (r *Renderer) formatU128(x *big.Int, hint *parser.DisplayHint, buf *strings.Builder) {
	if hint == nil {
		buf.WriteString(x.String())
		return
	}
	switch hint.Kind {
	case parser.HintBinary:
		buf.WriteString(formatBaseN(x, 2, hint.Alternate, false, hint.ZeroPad))
	case parser.HintOctal:
		buf.WriteString(formatBaseN(x, 8, hint.Alternate, false, hint.ZeroPad))
	case parser.HintHexadecimal:
		buf.WriteString(formatBaseN(x, 16, hint.Alternate, hint.Uppercase, hint.ZeroPad))
	case parser.HintSeconds:
		formatSecondsHint(x.Uint64(), hint.Precision, buf)
	case parser.HintTime:
		formatTime(x.Uint64(), hint.Precision, buf)
	case parser.HintBitflags:
		r.formatBitflagsValue(x, hint, buf)
	default:
		buf.WriteString(zeroPadDecimal(x, hint.ZeroPad))
	}
}

func (r *Renderer) formatBitflagsValue(x *big.Int, hint *parser.DisplayHint, buf *strings.Builder) {
	key := table.BitflagsKey{
		Ident:     hint.BitflagsIdent,
		Package:   hint.BitflagsPackage,
		Disambig:  hint.BitflagsDisambiguator,
		CrateName: hint.BitflagsCrateName,
	}
	flags, ok := r.table.BitflagsValues(key)
	if !ok {
		buf.WriteString(x.String())
		return
	}

	zero := big.NewInt(0)
	var names []string
	for _, fl := range flags {
		if fl.Value.Cmp(zero) == 0 {
			if x.Cmp(zero) != 0 {
				continue
			}
		} else {
			masked := new(big.Int).And(x, fl.Value)
			if masked.Cmp(fl.Value) != 0 {
				continue
			}
		}
		names = append(names, fl.Name)
	}
	if len(names) == 0 {
		buf.WriteString("(empty)")
		return
	}
	buf.WriteString(strings.Join(names, " | "))
}

func (r *Renderer) formatI128(x *big.Int, ty parser.Type, hint *parser.DisplayHint, buf *strings.Builder) {
	if hint == nil {
		buf.WriteString(x.String())
		return
	}
	switch hint.Kind {
	case parser.HintBinary:
		buf.WriteString(formatBaseN(truncatedUnsigned(x, parser.TypeI128), 2, hint.Alternate, false, hint.ZeroPad))
	case parser.HintOctal:
		buf.WriteString(formatBaseN(truncatedUnsigned(x, parser.TypeI128), 8, hint.Alternate, false, hint.ZeroPad))
	case parser.HintHexadecimal:
		buf.WriteString(formatBaseN(truncatedUnsigned(x, ty), 16, hint.Alternate, hint.Uppercase, hint.ZeroPad))
	default:
		buf.WriteString(zeroPadDecimal(x, hint.ZeroPad))
	}
}

// truncatedUnsigned returns x reinterpreted as the unsigned bit pattern
// of ty's natural width (8/16/32/64/128 bits). formatI128 passes the
// value's own type for hexadecimal, so hex exposes only that width's bits;
// binary and octal pass TypeI128 and show the widened 128-bit form.
func truncatedUnsigned(x *big.Int, ty parser.Type) *big.Int {
	bits := intTypeBits(ty)
	modulus := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	v := new(big.Int).Mod(x, modulus)
	return v
}

func intTypeBits(ty parser.Type) int {
	switch ty {
	case parser.TypeI8:
		return 8
	case parser.TypeI16:
		return 16
	case parser.TypeI32, parser.TypeIsize:
		return 32
	case parser.TypeI64:
		return 64
	default:
		return 128
	}
}

func formatBaseN(v *big.Int, base int, alternate, uppercase bool, zeroPad int) string {
	digits := v.Text(base)
	if uppercase {
		digits = strings.ToUpper(digits)
	}
	if zeroPad > len(digits) {
		digits = strings.Repeat("0", zeroPad-len(digits)) + digits
	}
	if !alternate {
		return digits
	}
	switch base {
	case 2:
		return "0b" + digits
	case 8:
		return "0o" + digits
	case 16:
		if uppercase {
			return "0X" + digits
		}
		return "0x" + digits
	default:
		return digits
	}
}

func zeroPadDecimal(x *big.Int, zeroPad int) string {
	s := x.String()
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	if zeroPad > len(digits) {
		digits = strings.Repeat("0", zeroPad-len(digits)) + digits
	}
	if neg {
		return "-" + digits
	}
	return digits
}

func formatSecondsHint(x uint64, precision parser.TimePrecision, buf *strings.Builder) {
	switch precision {
	case parser.PrecisionMicros:
		fmt.Fprintf(buf, "%d.%06d", x/1_000_000, x%1_000_000)
	default: // PrecisionMillis
		fmt.Fprintf(buf, "%d.%03d", x/1_000, x%1_000)
	}
}

func formatTime(x uint64, precision parser.TimePrecision, buf *strings.Builder) {
	var timestamp, decimals uint64
	switch precision {
	case parser.PrecisionMicros:
		timestamp, decimals = x/1_000_000, x%1_000_000
	case parser.PrecisionMillis:
		timestamp, decimals = x/1_000, x%1_000
	default:
		timestamp = x
	}

	seconds := timestamp % 60
	timestamp /= 60
	minutes := timestamp % 60
	timestamp /= 60
	hours := timestamp % 24
	days := timestamp / 24

	var prefix string
	if days != 0 {
		prefix = fmt.Sprintf("%d:", days)
	}

	switch precision {
	case parser.PrecisionMicros:
		fmt.Fprintf(buf, "%s%02d:%02d:%02d.%06d", prefix, hours, minutes, seconds, decimals)
	case parser.PrecisionMillis:
		fmt.Fprintf(buf, "%s%02d:%02d:%02d.%03d", prefix, hours, minutes, seconds, decimals)
	default:
		fmt.Fprintf(buf, "%s%02d:%02d:%02d", prefix, hours, minutes, seconds)
	}
}

func formatISO8601(x uint64, precision parser.TimePrecision, buf *strings.Builder) {
	var nanos int64
	var layout string
	switch precision {
	case parser.PrecisionMillis:
		nanos = int64(x) * 1_000_000
		layout = "2006-01-02T15:04:05.000Z"
	default:
		nanos = int64(x) * 1_000_000_000
		layout = "2006-01-02T15:04:05Z"
	}
	t := time.Unix(0, nanos).UTC()
	buf.WriteString(t.Format(layout))
}

func formatStr(s string, hint *parser.DisplayHint, buf *strings.Builder) {
	if hint != nil && hint.Kind == parser.HintDebug {
		buf.WriteString(strconv.Quote(s))
		return
	}
	buf.WriteString(s)
}

func (r *Renderer) formatBytes(b []byte, hint *parser.DisplayHint, buf *strings.Builder) {
	if hint == nil {
		writeDebugByteSlice(b, buf)
		return
	}
	switch hint.Kind {
	case parser.HintAscii:
		writeAsciiByteString(b, buf)
	case parser.HintHexadecimal, parser.HintOctal, parser.HintBinary:
		buf.WriteByte('[')
		for i, by := range b {
			if i > 0 {
				buf.WriteString(", ")
			}
			r.formatU128(big.NewInt(int64(by)), hint, buf)
		}
		buf.WriteByte(']')
	default:
		writeDebugByteSlice(b, buf)
	}
}

func writeDebugByteSlice(b []byte, buf *strings.Builder) {
	buf.WriteByte('[')
	for i, by := range b {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(buf, "%d", by)
	}
	buf.WriteByte(']')
}

func writeAsciiByteString(b []byte, buf *strings.Builder) {
	buf.WriteString(`b"`)
	for _, by := range b {
		switch by {
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case ' ':
			buf.WriteByte(' ')
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		default:
			if by >= '!' && by <= '~' {
				buf.WriteByte(by)
			} else {
				fmt.Fprintf(buf, `\x%02x`, by)
			}
		}
	}
	buf.WriteByte('"')
}
