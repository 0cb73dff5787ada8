package parser

import (
	"strconv"
	"strings"
)

// HintKind identifies which display hint a Parameter carries. Hints are the
// part of a format specifier after the ":" — they select how the decoded
// value should be rendered, independent of its wire Type.
type HintKind int

const (
	HintNone HintKind = iota
	HintBinary
	HintOctal
	HintHexadecimal
	HintAscii
	HintDebug
	HintSeconds
	HintTime
	HintISO8601
	HintBitflags
	HintUnknown // forwards-compatible mode: an unrecognized hint string
)

// TimePrecision distinguishes the sub-second precision carried by a
// Seconds/Time/ISO8601 hint.
type TimePrecision int

const (
	PrecisionSeconds TimePrecision = iota
	PrecisionMillis
	PrecisionMicros
)

// DisplayHint is the parsed form of everything after the ":" in a format
// specifier: an optional "#" alternate flag, an optional zero-pad width,
// and the hint keyword itself (with any keyword-specific payload).
type DisplayHint struct {
	Kind      HintKind
	Alternate bool
	Uppercase bool
	ZeroPad   int // 0 means "no zero-pad width specified"
	Precision TimePrecision

	// Bitflags payload, populated only when Kind == HintBitflags.
	BitflagsIdent        string
	BitflagsPackage      string
	BitflagsDisambiguator string
	BitflagsCrateName    string

	// Raw is the original hint text, kept for HintUnknown so a
	// forwards-compatible decoder can still surface it in diagnostics.
	Raw string
}

// parseHint parses the text following the ":" in a format specifier.
// strict selects behavior on an unrecognized hint keyword: in strict mode
// (used when validating firmware-side format strings at compile/build
// time) an unknown hint is a parse error; in forwards-compatible mode
// (always used by the decoder, since a newer firmware may emit hints an
// older host tool doesn't know about yet) an unknown hint becomes
// HintUnknown rather than failing the whole parse.
func parseHint(s string, strict bool) (DisplayHint, error) {
	h := DisplayHint{Raw: s}

	if strings.HasPrefix(s, "#") {
		h.Alternate = true
		s = s[1:]
	}

	// Zero-pad width: one or more digits, possibly followed by a base
	// specifier or other keyword (e.g. "04x", "08b").
	if n, rest, ok := parseLeadingDigits(s); ok {
		h.ZeroPad = n
		s = rest
	}

	switch {
	case s == "":
		h.Kind = HintNone
		return h, nil
	case s == "b":
		h.Kind = HintBinary
		return h, nil
	case s == "o":
		h.Kind = HintOctal
		return h, nil
	case s == "x":
		h.Kind = HintHexadecimal
		return h, nil
	case s == "X":
		h.Kind = HintHexadecimal
		h.Uppercase = true
		return h, nil
	case s == "a":
		h.Kind = HintAscii
		return h, nil
	case s == "?":
		h.Kind = HintDebug
		return h, nil
	case s == "us":
		h.Kind = HintSeconds
		h.Precision = PrecisionMicros
		return h, nil
	case s == "ms":
		h.Kind = HintSeconds
		h.Precision = PrecisionMillis
		return h, nil
	case s == "ts":
		h.Kind = HintTime
		h.Precision = PrecisionSeconds
		return h, nil
	case s == "tms":
		h.Kind = HintTime
		h.Precision = PrecisionMillis
		return h, nil
	case s == "tus":
		h.Kind = HintTime
		h.Precision = PrecisionMicros
		return h, nil
	case s == "iso8601s":
		h.Kind = HintISO8601
		h.Precision = PrecisionSeconds
		return h, nil
	case s == "iso8601ms":
		h.Kind = HintISO8601
		h.Precision = PrecisionMillis
		return h, nil
	case strings.HasPrefix(s, "__internal_bitflags_"):
		rest := strings.TrimPrefix(s, "__internal_bitflags_")
		parts := strings.Split(rest, "@")
		if len(parts) != 4 {
			if strict {
				return DisplayHint{}, &ParseError{Msg: "malformed bitflags hint: " + s}
			}
			h.Kind = HintUnknown
			return h, nil
		}
		h.Kind = HintBitflags
		h.BitflagsIdent = parts[0]
		h.BitflagsPackage = parts[1]
		h.BitflagsDisambiguator = parts[2]
		h.BitflagsCrateName = parts[3]
		return h, nil
	default:
		if strict {
			return DisplayHint{}, &ParseError{Msg: "unknown display hint: " + s}
		}
		h.Kind = HintUnknown
		return h, nil
	}
}

// parseLeadingDigits consumes a run of leading ASCII digits from s and
// returns the parsed integer, the remainder of the string, and whether any
// digits were found.
func parseLeadingDigits(s string) (int, string, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, s, false
	}
	return n, s[i:], true
}
