// Package wire defines the small enumerations shared by every other defmt
// package: the log Level a frame was emitted at, the
// Tag identifying what kind of interned string a table entry holds, and the
// on-the-wire Encoding a byte stream was framed with.
package wire

import (
	"fmt"
	"strings"
)

// Version is the wire-format version this implementation speaks. It is
// compared against the `_defmt_version_` symbol embedded in a target ELF
// file by the table builder.
const Version = "3"

// Level is the severity a log statement was emitted at. The zero value,
// LevelNone, means "no level" — used for non-log interned strings such as
// nested Format strings, timestamps, and bitflags names.
type Level uint8

const (
	LevelNone Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

// String renders the level the way it appears in a rendered frame prefix.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return ""
	}
}

// Tag identifies what an interned string in the `.defmt` ELF section is
// used for. Only a subset of tags carry a Level (Trace..Error); the rest
// are structural (derived format strings, bitflags metadata, the timestamp
// format).
type Tag uint8

const (
	TagUnknown Tag = iota
	TagPrim
	TagDerived
	TagBitflags
	TagBitflagsValue
	TagWrite
	TagTimestamp
	TagStr
	TagPrintln
	TagTrace
	TagDebug
	TagInfo
	TagWarn
	TagError
)

// ParseTag maps the string tag literal embedded in a demangled symbol's
// JSON payload onto a Tag constant. Unrecognized literals map to
// TagUnknown rather than an error: the table builder skips those symbols,
// leaving the tag namespace open to third-party tooling.
func ParseTag(s string) Tag {
	switch s {
	case "defmt_prim":
		return TagPrim
	case "defmt_derived":
		return TagDerived
	case "defmt_bitflags":
		return TagBitflags
	case "defmt_bitflags_value":
		return TagBitflagsValue
	case "defmt_write":
		return TagWrite
	case "defmt_timestamp":
		return TagTimestamp
	case "defmt_str":
		return TagStr
	case "defmt_println":
		return TagPrintln
	case "defmt_trace":
		return TagTrace
	case "defmt_debug":
		return TagDebug
	case "defmt_info":
		return TagInfo
	case "defmt_warn":
		return TagWarn
	case "defmt_error":
		return TagError
	default:
		return TagUnknown
	}
}

// ToLevel returns the Level a tag carries, if any. Only the five log-level
// tags carry a level; everything else returns (LevelNone, false).
func (t Tag) ToLevel() (Level, bool) {
	switch t {
	case TagTrace:
		return LevelTrace, true
	case TagDebug:
		return LevelDebug, true
	case TagInfo:
		return LevelInfo, true
	case TagWarn:
		return LevelWarn, true
	case TagError:
		return LevelError, true
	default:
		return LevelNone, false
	}
}

// HasIndexEntry reports whether a tag's interned string is one the stream
// decoder can be asked to decode as a top-level log frame (i.e. it appears
// in Table.Indices()): every leveled tag, plus plain Println statements.
func (t Tag) HasIndexEntry() bool {
	if _, ok := t.ToLevel(); ok {
		return true
	}
	return t == TagPrintln
}

// Encoding names the framing applied to a byte stream before it reaches the
// stream decoder. It is read from the `_defmt_encoding_` ELF symbol.
type Encoding uint8

const (
	EncodingRaw Encoding = iota
	EncodingRzcobs
)

// ParseEncoding parses the value of a `_defmt_encoding_` symbol.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return EncodingRaw, nil
	case "rzcobs":
		return EncodingRzcobs, nil
	default:
		return 0, fmt.Errorf("wire: unknown defmt encoding %q", s)
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingRzcobs:
		return "rzcobs"
	default:
		return "unknown"
	}
}

// CanRecover reports whether a stream encoded with e can resynchronize
// after a malformed or dropped frame. Raw encoding has no framing markers
// to resynchronize on; rzcobs can always scan forward to the next 0x00
// delimiter.
func (e Encoding) CanRecover() bool {
	return e == EncodingRzcobs
}
