// Package parser implements the defmt format-string mini-language:
// "{[index]['='type][':'hint]}" fragments interleaved with literal text.
//
// It is used on two occasions: by build-time tooling validating a firmware
// image's format strings (Strict mode, where an unrecognized type or hint
// is a hard error) and by the decoder, which always parses in
// ForwardsCompatible mode so that a host tool built against an older
// defmt version can still decode frames emitted by newer firmware that
// uses hints it doesn't recognize yet — those become HintUnknown instead
// of aborting the whole decode.
package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects strict vs. forwards-compatible parsing.
type Mode int

const (
	ForwardsCompatible Mode = iota
	Strict
)

// ParseError reports a malformed format string.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "parser: " + e.Msg }

// Fragment is one piece of a parsed format string: either literal text to
// be copied verbatim to the rendered output, or a Parameter describing a
// value to decode and render.
type Fragment struct {
	Literal   string // valid only when Parameter == nil
	Parameter *Parameter
}

// Parameter describes one "{...}" placeholder.
type Parameter struct {
	// Index is the parameter's position in the argument list. An explicit
	// "{0=...}" sets it; an implicit "{}" is resolved later by
	// assignIndices to the lowest index not already used.
	Index int
	// IndexExplicit records whether Index came from the source text, so
	// assignIndices knows not to touch it.
	IndexExplicit bool

	Type Type
	// Start/End hold the bit range for Type == TypeBitField: [Start, End).
	Start, End uint8
	// ArrayLen holds the element count for Type == TypeU8Array / TypeFormatArray.
	ArrayLen int

	Hint    *DisplayHint // nil when no ":" hint was present
}

// Parse parses a defmt format string into a flat sequence of fragments.
// Parameter indices are resolved: explicit indices are kept as written,
// and every implicit "{}" is assigned the lowest index not already in
// use (see assignIndices).
func Parse(format string, mode Mode) ([]Fragment, error) {
	frags, err := tokenize(format, mode)
	if err != nil {
		return nil, err
	}
	if err := assignIndices(frags); err != nil {
		return nil, err
	}
	return frags, nil
}

func tokenize(format string, mode Mode) ([]Fragment, error) {
	var frags []Fragment
	var lit strings.Builder

	flushLiteral := func() {
		if lit.Len() > 0 {
			frags = append(frags, Fragment{Literal: lit.String()})
			lit.Reset()
		}
	}

	runes := []rune(format)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch c {
		case '{':
			if i+1 < len(runes) && runes[i+1] == '{' {
				lit.WriteRune('{')
				i += 2
				continue
			}
			end := indexRune(runes, i+1, '}')
			if end < 0 {
				return nil, &ParseError{Msg: "unterminated '{' in format string"}
			}
			flushLiteral()
			spec := string(runes[i+1 : end])
			p, err := parseParameter(spec, mode)
			if err != nil {
				return nil, err
			}
			frags = append(frags, Fragment{Parameter: p})
			i = end + 1
		case '}':
			if i+1 < len(runes) && runes[i+1] == '}' {
				lit.WriteRune('}')
				i += 2
				continue
			}
			return nil, &ParseError{Msg: "unmatched '}' in format string"}
		default:
			lit.WriteRune(c)
			i++
		}
	}
	flushLiteral()
	return frags, nil
}

func indexRune(runes []rune, from int, target rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}

// parseParameter parses the text between "{" and "}", e.g. "0=u8:x" or
// "=[u8;4]" or "" (bare implicit placeholder, type defaults to Format).
func parseParameter(spec string, mode Mode) (*Parameter, error) {
	p := &Parameter{Type: TypeFormat}

	// Split off the ":hint" suffix first, so "=" parsing doesn't confuse
	// hint text (bitflags hints contain "@" but never "=" or ":").
	rest := spec
	var hintText string
	hasHint := false
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		hintText = rest[idx+1:]
		rest = rest[:idx]
		hasHint = true
	}

	// Optional leading index, then optional "=type".
	idxPart := rest
	var typePart string
	hasType := false
	if eq := strings.IndexByte(rest, '='); eq >= 0 {
		idxPart = rest[:eq]
		typePart = rest[eq+1:]
		hasType = true
	}

	if idxPart != "" {
		n, err := strconv.Atoi(idxPart)
		if err != nil {
			return nil, &ParseError{Msg: "invalid parameter index: " + idxPart}
		}
		p.Index = n
		p.IndexExplicit = true
	}

	if hasType {
		if err := applyType(p, typePart, mode); err != nil {
			return nil, err
		}
	}

	if hasHint {
		h, err := parseHint(hintText, mode == Strict)
		if err != nil {
			return nil, err
		}
		p.Hint = &h
	}

	return p, nil
}

func applyType(p *Parameter, tok string, mode Mode) error {
	switch {
	case tok == "i8":
		p.Type = TypeI8
	case tok == "i16":
		p.Type = TypeI16
	case tok == "i32":
		p.Type = TypeI32
	case tok == "i64":
		p.Type = TypeI64
	case tok == "i128":
		p.Type = TypeI128
	case tok == "isize":
		p.Type = TypeIsize
	case tok == "u8":
		p.Type = TypeU8
	case tok == "u16":
		p.Type = TypeU16
	case tok == "u32":
		p.Type = TypeU32
	case tok == "u64":
		p.Type = TypeU64
	case tok == "u128":
		p.Type = TypeU128
	case tok == "usize":
		p.Type = TypeUsize
	case tok == "f32":
		p.Type = TypeF32
	case tok == "f64":
		p.Type = TypeF64
	case tok == "bool":
		p.Type = TypeBool
	case tok == "char":
		p.Type = TypeChar
	case tok == "str":
		p.Type = TypeStr
	case tok == "istr":
		p.Type = TypeIStr
	case tok == "[u8]":
		p.Type = TypeU8Slice
	case tok == "?":
		p.Type = TypeFormat
	case tok == "[?]":
		p.Type = TypeFormatSlice
	case tok == "__internal_Debug":
		p.Type = TypeDebug
	case tok == "__internal_Display":
		p.Type = TypeDisplay
	case tok == "__internal_FormatSequence":
		p.Type = TypeFormatSequence
	case strings.HasPrefix(tok, "[u8;") && strings.HasSuffix(tok, "]"):
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(tok, "[u8;"), "]"))
		if err != nil {
			return &ParseError{Msg: "invalid array length: " + tok}
		}
		p.Type = TypeU8Array
		p.ArrayLen = n
	case strings.HasPrefix(tok, "[?;") && strings.HasSuffix(tok, "]"):
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(tok, "[?;"), "]"))
		if err != nil {
			return &ParseError{Msg: "invalid array length: " + tok}
		}
		p.Type = TypeFormatArray
		p.ArrayLen = n
	case strings.Contains(tok, ".."):
		start, end, err := parseBitRange(tok)
		if err != nil {
			return err
		}
		p.Type = TypeBitField
		p.Start, p.End = start, end
	default:
		if mode == Strict {
			return &ParseError{Msg: "unknown type: " + tok}
		}
		// Forwards-compatible: an unrecognized type token from newer
		// firmware. There is nothing sensible to decode it as, so this
		// remains an error even in forwards-compatible mode — unlike
		// hints, the wire layout itself depends on the type.
		return &ParseError{Msg: "unknown type: " + tok}
	}
	return nil
}

func parseBitRange(tok string) (uint8, uint8, error) {
	parts := strings.SplitN(tok, "..", 2)
	if len(parts) != 2 {
		return 0, 0, &ParseError{Msg: "invalid bitfield range: " + tok}
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, &ParseError{Msg: "invalid bitfield range start: " + tok}
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, &ParseError{Msg: "invalid bitfield range end: " + tok}
	}
	if start < 0 || end > 128 || start >= end {
		return 0, 0, &ParseError{Msg: fmt.Sprintf("invalid bitfield range %d..%d", start, end)}
	}
	return uint8(start), uint8(end), nil
}

// assignIndices resolves every implicit parameter index to the lowest
// non-negative integer not already used by an explicit index, in the order
// parameters appear in the format string. Explicit indices are collected
// first, then each implicit placeholder claims the smallest unused index;
// that index is immediately marked used so later implicit placeholders
// don't collide with it.
func assignIndices(frags []Fragment) error {
	used := make(map[int]bool)
	for _, f := range frags {
		if f.Parameter != nil && f.Parameter.IndexExplicit {
			used[f.Parameter.Index] = true
		}
	}

	next := 0
	nextFree := func() int {
		for used[next] {
			next++
		}
		used[next] = true
		return next
	}

	for i := range frags {
		p := frags[i].Parameter
		if p == nil || p.IndexExplicit {
			continue
		}
		p.Index = nextFree()
	}
	return nil
}

// MaxIndex returns the highest parameter index referenced by frags, or -1
// if frags contains no parameters.
func MaxIndex(frags []Fragment) int {
	max := -1
	for _, f := range frags {
		if f.Parameter != nil && f.Parameter.Index > max {
			max = f.Parameter.Index
		}
	}
	return max
}
