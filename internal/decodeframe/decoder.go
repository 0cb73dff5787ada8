package decodeframe

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/defmtd/defmt/internal/parser"
)

// Lookup is the subset of internal/table.Table's interface decodeframe
// needs: resolving an interned-string index to its format text, for the
// istr type, nested Format values, FormatSlice/FormatArray elements and
// FormatSequence entries. It is an interface (rather than a direct
// dependency on the table package) so that internal/table can in turn
// depend on internal/decodeframe to build top-level Frames without an
// import cycle.
type Lookup interface {
	GetWithoutLevel(index uint16) (format string, ok bool)
}

// DecodeFormat decodes format's parameters from the start of data using
// table to resolve any interned-string references the format requires.
func DecodeFormat(format string, data []byte, table Lookup) ([]Arg, int, error) {
	r := newReader(data)
	args, err := decodeFormat(format, r, table)
	if err != nil {
		return nil, 0, err
	}
	return args, r.pos, nil
}

func decodeFormat(format string, r *reader, table Lookup) ([]Arg, error) {
	frags, err := parser.Parse(format, parser.ForwardsCompatible)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing format %q: %v", ErrMalformed, format, err)
	}
	params := prepareParams(frags)

	args := make([]Arg, len(params))
	for i, p := range params {
		a, err := decodeOne(p, r, table)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return args, nil
}

// prepareParams flattens a parsed format string's parameters, merges any
// bitfields sharing an index into one parameter per index, sorts by index,
// and drops duplicate indices (keeping the first), so the result is the
// exact sequence of values the wire format carries, in wire order.
func prepareParams(frags []parser.Fragment) []*parser.Parameter {
	var params []*parser.Parameter
	for i := range frags {
		if frags[i].Parameter != nil {
			params = append(params, frags[i].Parameter)
		}
	}

	params = mergeBitfields(params)

	sort.SliceStable(params, func(i, j int) bool { return params[i].Index < params[j].Index })

	out := params[:0:0]
	seen := make(map[int]bool, len(params))
	for _, p := range params {
		if seen[p.Index] {
			continue
		}
		seen[p.Index] = true
		out = append(out, p)
	}
	return out
}

// mergeBitfields merges all BitField parameters sharing an index into a
// single BitField parameter spanning their combined range. Non-bitfield
// parameters keep their original relative order; merged bitfields are
// appended to the end in ascending index order (the order is not
// load-bearing — decoding sorts by index afterwards).
func mergeBitfields(params []*parser.Parameter) []*parser.Parameter {
	maxIndex := -1
	for _, p := range params {
		if p.Index > maxIndex {
			maxIndex = p.Index
		}
	}

	var merged []*parser.Parameter
	isMergedIndex := make(map[int]bool)

	for idx := 0; idx <= maxIndex; idx++ {
		var start, end uint8
		found := false
		for _, p := range params {
			if p.Index != idx || p.Type != parser.TypeBitField {
				continue
			}
			if !found || p.Start < start {
				start = p.Start
			}
			if !found || p.End > end {
				end = p.End
			}
			found = true
		}
		if found {
			merged = append(merged, &parser.Parameter{Index: idx, Type: parser.TypeBitField, Start: start, End: end})
			isMergedIndex[idx] = true
		}
	}

	var rest []*parser.Parameter
	for _, p := range params {
		if p.Type == parser.TypeBitField && isMergedIndex[p.Index] {
			continue
		}
		rest = append(rest, p)
	}

	return append(rest, merged...)
}

func decodeOne(p *parser.Parameter, r *reader, table Lookup) (Arg, error) {
	switch p.Type {
	case parser.TypeBool:
		v, err := r.readU8()
		if err != nil {
			return Arg{}, err
		}
		if v != 0 && v != 1 {
			return Arg{}, fmt.Errorf("%w: bool byte %#x is neither 0 nor 1", ErrMalformed, v)
		}
		return Arg{Kind: ArgBool, Bool: v == 1}, nil

	case parser.TypeI8, parser.TypeI16, parser.TypeI32, parser.TypeI64, parser.TypeI128, parser.TypeIsize:
		return decodeSignedInt(p.Type, r)

	case parser.TypeU8, parser.TypeU16, parser.TypeU32, parser.TypeU64, parser.TypeU128, parser.TypeUsize:
		return decodeUnsignedInt(p.Type, r)

	case parser.TypeF32:
		bits, err := r.readU32LE()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgF32, F32: float32FromBits(bits)}, nil

	case parser.TypeF64:
		bits, err := r.readU64LE()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgF64, F64: float64FromBits(bits)}, nil

	case parser.TypeChar:
		v, err := r.readU32LE()
		if err != nil {
			return Arg{}, err
		}
		if !utf8.ValidRune(rune(v)) {
			return Arg{}, fmt.Errorf("%w: invalid char code point %#x", ErrMalformed, v)
		}
		return Arg{Kind: ArgChar, Char: rune(v)}, nil

	case parser.TypeStr:
		n, err := r.readU32LE()
		if err != nil {
			return Arg{}, err
		}
		b, err := r.readN(int(n))
		if err != nil {
			return Arg{}, err
		}
		if !utf8.Valid(b) {
			return Arg{}, fmt.Errorf("%w: str argument is not valid utf-8", ErrMalformed)
		}
		return Arg{Kind: ArgStr, Str: string(b)}, nil

	case parser.TypeIStr:
		idx, err := r.readU16LE()
		if err != nil {
			return Arg{}, err
		}
		s, ok := table.GetWithoutLevel(idx)
		if !ok {
			return Arg{}, fmt.Errorf("%w: no table entry for istr index %d", ErrMalformed, idx)
		}
		return Arg{Kind: ArgIStr, Str: s}, nil

	case parser.TypeU8Slice:
		n, err := r.readU32LE()
		if err != nil {
			return Arg{}, err
		}
		b, err := r.readN(int(n))
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgSlice, Slice: append([]byte(nil), b...)}, nil

	case parser.TypeU8Array:
		b, err := r.readN(p.ArrayLen)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgSlice, Slice: append([]byte(nil), b...)}, nil

	case parser.TypeFormat:
		fa, err := decodeNestedFormat(r, table)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgFormat, Format: fa}, nil

	case parser.TypeFormatSlice:
		n, err := r.readU32LE()
		if err != nil {
			return Arg{}, err
		}
		elems, err := decodeFormatSlice(int(n), r, table)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgFormatSlice, FormatSlice: elems}, nil

	case parser.TypeFormatArray:
		elems, err := decodeFormatSlice(p.ArrayLen, r, table)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgFormatSlice, FormatSlice: elems}, nil

	case parser.TypeBitField:
		return decodeBitField(p, r)

	case parser.TypeDebug, parser.TypeDisplay:
		s, err := readPreformatted(r)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgPreformatted, Str: s}, nil

	case parser.TypeFormatSequence:
		var seq []Arg
		for {
			idx, err := r.readU16LE()
			if err != nil {
				return Arg{}, err
			}
			if idx == 0 {
				break
			}
			format, ok := table.GetWithoutLevel(idx)
			if !ok {
				return Arg{}, fmt.Errorf("%w: no table entry for format-sequence index %d", ErrMalformed, idx)
			}
			format, err = resolveVariant(format, r)
			if err != nil {
				return Arg{}, err
			}
			args, err := decodeFormat(format, r, table)
			if err != nil {
				return Arg{}, err
			}
			seq = append(seq, Arg{Kind: ArgFormat, Format: &FormatArg{Format: format, Args: args}})
		}
		return Arg{Kind: ArgFormatSequence, FormatSequence: seq}, nil

	default:
		return Arg{}, fmt.Errorf("%w: unsupported parameter type %v", ErrMalformed, p.Type)
	}
}

func decodeSignedInt(t parser.Type, r *reader) (Arg, error) {
	var nbytes int
	switch t {
	case parser.TypeI8:
		nbytes = 1
	case parser.TypeI16:
		nbytes = 2
	case parser.TypeI32, parser.TypeIsize: // isize always decodes as 4 bytes on the wire
		nbytes = 4
	case parser.TypeI64:
		nbytes = 8
	case parser.TypeI128:
		nbytes = 16
	}
	u, err := r.readBigLE(nbytes)
	if err != nil {
		return Arg{}, err
	}
	v := signExtend(u, nbytes*8)
	return Arg{Kind: ArgIxx, Ixx: v}, nil
}

func decodeUnsignedInt(t parser.Type, r *reader) (Arg, error) {
	var nbytes int
	switch t {
	case parser.TypeU8:
		nbytes = 1
	case parser.TypeU16:
		nbytes = 2
	case parser.TypeU32, parser.TypeUsize: // usize always decodes as 4 bytes on the wire
		nbytes = 4
	case parser.TypeU64:
		nbytes = 8
	case parser.TypeU128:
		nbytes = 16
	}
	u, err := r.readBigLE(nbytes)
	if err != nil {
		return Arg{}, err
	}
	return Arg{Kind: ArgUxx, Uxx: u}, nil
}

// signExtend reinterprets the lower bits-wide unsigned value u as a two's
// complement signed integer of that width.
func signExtend(u *big.Int, bits int) *big.Int {
	signBit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	if u.Cmp(signBit) < 0 {
		return u
	}
	modulus := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	return new(big.Int).Sub(u, modulus)
}

func float32FromBits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func float64FromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}

// decodeBitField reads the smallest run of whole bytes covering
// [p.Start, p.End), then shifts the result left by the number of whole
// bytes skipped at the low end, so the returned value's bit positions
// line up with the original range regardless of byte alignment.
func decodeBitField(p *parser.Parameter, r *reader) (Arg, error) {
	lowestByte := int(p.Start) / 8
	highestByte := int(p.End-1) / 8
	size := highestByte - lowestByte + 1

	var nbytes int
	switch {
	case size <= 1:
		nbytes = 1
	case size <= 2:
		nbytes = 2
	case size <= 4:
		nbytes = 4
	case size <= 8:
		nbytes = 8
	case size <= 16:
		nbytes = 16
	default:
		return Arg{}, fmt.Errorf("%w: bitfield range %d..%d spans more than 128 bits", ErrMalformed, p.Start, p.End)
	}

	u, err := r.readBigLE(nbytes)
	if err != nil {
		return Arg{}, err
	}
	shifted := new(big.Int).Lsh(u, uint(lowestByte*8))
	return Arg{Kind: ArgUxx, Uxx: shifted}, nil
}

// decodeNestedFormat reads a single interned-format reference (u16 index,
// optional enum-variant discriminant, then that format's own arguments).
func decodeNestedFormat(r *reader, table Lookup) (*FormatArg, error) {
	idx, err := r.readU16LE()
	if err != nil {
		return nil, err
	}
	format, ok := table.GetWithoutLevel(idx)
	if !ok {
		return nil, fmt.Errorf("%w: no table entry for format index %d", ErrMalformed, idx)
	}
	format, err = resolveVariant(format, r)
	if err != nil {
		return nil, err
	}
	args, err := decodeFormat(format, r, table)
	if err != nil {
		return nil, err
	}
	return &FormatArg{Format: format, Args: args}, nil
}

// decodeFormatSlice decodes the payloads of a `[?]` or `[?; N]` argument.
// The element type's interned index is carried once on the wire, before
// the first payload; when the element format is an enum, each payload
// still starts with its own variant discriminant.
func decodeFormatSlice(n int, r *reader, table Lookup) ([]FormatSliceElement, error) {
	idx, err := r.readU16LE()
	if err != nil {
		return nil, err
	}
	format, ok := table.GetWithoutLevel(idx)
	if !ok {
		return nil, fmt.Errorf("%w: no table entry for format index %d", ErrMalformed, idx)
	}

	elems := make([]FormatSliceElement, n)
	for i := 0; i < n; i++ {
		variant, err := resolveVariant(format, r)
		if err != nil {
			return nil, err
		}
		args, err := decodeFormat(variant, r, table)
		if err != nil {
			return nil, err
		}
		elems[i] = FormatSliceElement{Format: variant, Args: args}
	}
	return elems, nil
}

// resolveVariant checks whether format names an enum (its variants joined
// by '|'); if so it reads a discriminant (width chosen by how many
// variants exist) and returns the chosen variant's format string instead.
// A format with no '|' is returned unchanged without consuming any bytes.
func resolveVariant(format string, r *reader) (string, error) {
	if !strings.Contains(format, "|") {
		return format, nil
	}
	parts := strings.Split(format, "|")
	n := len(parts)

	var discriminant uint64
	var err error
	switch {
	case n <= 1<<8:
		var v uint8
		v, err = r.readU8()
		discriminant = uint64(v)
	case n <= 1<<16:
		var v uint16
		v, err = r.readU16LE()
		discriminant = uint64(v)
	case n <= 1<<32:
		var v uint32
		v, err = r.readU32LE()
		discriminant = uint64(v)
	default:
		discriminant, err = r.readU64LE()
	}
	if err != nil {
		return "", err
	}
	if int(discriminant) >= n {
		return "", fmt.Errorf("%w: enum discriminant %d out of range for %d variants", ErrMalformed, discriminant, n)
	}
	return parts[discriminant], nil
}

// readPreformatted reads a Debug/Display value: UTF-8 text terminated by a
// literal 0xFF byte (never itself a valid UTF-8 byte, so the scan cannot
// be fooled by the text's own content).
func readPreformatted(r *reader) (string, error) {
	start := r.pos
	for {
		b, err := r.readU8()
		if err != nil {
			return "", err
		}
		if b == 0xFF {
			text := r.data[start : r.pos-1]
			if !utf8.Valid(text) {
				return "", fmt.Errorf("%w: preformatted value is not valid utf-8", ErrMalformed)
			}
			return string(text), nil
		}
	}
}
