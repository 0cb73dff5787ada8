// Package table implements the interned-string table built from a target
// ELF image's `.defmt` section: an address-keyed map from string index to
// (tag, format string), a side table of bitflags name/value pairs, and an
// optional process-wide timestamp format string.
package table

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/defmtd/defmt/internal/decodeframe"
	"github.com/defmtd/defmt/internal/wire"
)

// Entry is one interned string: its Tag (what kind of string it is) and
// its format text, plus the raw (mangled) ELF symbol name it came from for
// diagnostics.
type Entry struct {
	Tag       wire.Tag
	Format    string
	RawSymbol string
}

// BitflagsKey uniquely identifies a `defmt::bitflags!`-style invocation,
// since the same struct name can be reused across packages and crates.
type BitflagsKey struct {
	Ident     string
	Package   string
	Disambig  string
	CrateName string
}

// FlagValue is one named value belonging to a bitflags definition.
type FlagValue struct {
	Name  string
	Value *big.Int
}

// Table is the decoded `.defmt` section: every interned string, keyed by
// its symbol address, plus bitflags metadata and the optional timestamp
// entry.
type Table struct {
	timestamp *Entry
	entries   map[uint64]Entry
	bitflags  map[BitflagsKey][]FlagValue
	encoding  wire.Encoding
}

// New returns an empty table that will frame-decode streams as encoding.
func New(encoding wire.Encoding) *Table {
	return &Table{
		entries:  make(map[uint64]Entry),
		bitflags: make(map[BitflagsKey][]FlagValue),
		encoding: encoding,
	}
}

// AddEntry records one interned string at address addr. A second
// defmt_timestamp entry is an error: the table invariant is at most one
// timestamp format string process-wide.
func (t *Table) AddEntry(addr uint64, tag wire.Tag, format, rawSymbol string) error {
	entry := Entry{Tag: tag, Format: format, RawSymbol: rawSymbol}
	if tag == wire.TagTimestamp {
		if t.timestamp != nil {
			return fmt.Errorf("table: duplicate defmt_timestamp entry (already have %q, got %q)", t.timestamp.Format, format)
		}
		t.timestamp = &entry
		return nil
	}
	if _, exists := t.entries[addr]; exists {
		return fmt.Errorf("table: duplicate entry address %#x", addr)
	}
	t.entries[addr] = entry
	return nil
}

// AddBitflagsValue records one named value of a bitflags definition.
func (t *Table) AddBitflagsValue(key BitflagsKey, name string, value *big.Int) {
	t.bitflags[key] = append(t.bitflags[key], FlagValue{Name: name, Value: value})
}

// BitflagsValues returns the named values registered for key, or nil if
// none were registered (an undeclared bitflags hint renders the raw
// integer instead).
func (t *Table) BitflagsValues(key BitflagsKey) ([]FlagValue, bool) {
	v, ok := t.bitflags[key]
	return v, ok
}

// GetWithLevel looks up index, returning its Level (if the tag carries
// one) and its format string.
func (t *Table) GetWithLevel(index uint64) (level wire.Level, hasLevel bool, format string, ok bool) {
	entry, ok := t.entries[index]
	if !ok {
		return 0, false, "", false
	}
	level, hasLevel = entry.Tag.ToLevel()
	return level, hasLevel, entry.Format, true
}

// GetWithoutLevel looks up index, but only succeeds for entries whose tag
// carries no level (nested formats, istr payloads, bitflags names, ...).
// It implements decodeframe.Lookup.
func (t *Table) GetWithoutLevel(index uint16) (format string, ok bool) {
	entry, exists := t.entries[uint64(index)]
	if !exists {
		return "", false
	}
	if _, hasLevel := entry.Tag.ToLevel(); hasLevel {
		return "", false
	}
	return entry.Format, true
}

// Indices returns every entry address that can be the top-level index of
// a decoded frame: every leveled tag, plus plain Println statements.
// The result is sorted ascending.
func (t *Table) Indices() []uint64 {
	var out []uint64
	for idx, entry := range t.entries {
		if entry.Tag.HasIndexEntry() {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsEmpty reports whether the table has no interned entries at all.
func (t *Table) IsEmpty() bool {
	return len(t.entries) == 0
}

// RawSymbols returns the raw (mangled) ELF symbol name of every entry, in
// no particular order; used by diagnostics that print the symbol table.
func (t *Table) RawSymbols() []string {
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.RawSymbol)
	}
	return out
}

// Encoding reports the framing this table's stream was built with.
func (t *Table) Encoding() wire.Encoding {
	return t.encoding
}

// Frame is one decoded log frame: the resolved level and format string,
// their decoded arguments, and the timestamp format/args if the table
// carries a timestamp entry.
type Frame struct {
	Level         wire.Level
	HasLevel      bool
	Index         uint64
	HasTimestamp  bool
	TimestampFormat string
	TimestampArgs []decodeframe.Arg
	Format        string
	Args          []decodeframe.Arg
}

// Decode reads one frame from data: a 2-byte LE string index, optional
// timestamp arguments (if the table has a timestamp entry), then the
// frame's own arguments as dictated by its format string. It returns the
// decoded Frame and the number of bytes of data it consumed.
func (t *Table) Decode(data []byte) (*Frame, int, error) {
	if len(data) < 2 {
		return nil, 0, decodeframe.ErrUnexpectedEOF
	}
	index := binary.LittleEndian.Uint16(data[:2])
	rest := data[2:]

	frame := &Frame{Index: uint64(index)}

	entry, ok := t.entries[uint64(index)]
	if !ok {
		return nil, 0, fmt.Errorf("%w: no table entry for frame index %d", decodeframe.ErrMalformed, index)
	}
	// Only log statements are valid top-level frame indices. An index that
	// lands on a derived/str/write/bitflags entry is a corrupt frame, not a
	// log call.
	if !entry.Tag.HasIndexEntry() {
		return nil, 0, fmt.Errorf("%w: frame index %d is not a log statement", decodeframe.ErrMalformed, index)
	}
	frame.Level, frame.HasLevel = entry.Tag.ToLevel()
	frame.Format = entry.Format

	if t.timestamp != nil {
		frame.HasTimestamp = true
		frame.TimestampFormat = t.timestamp.Format
		args, n, err := decodeframe.DecodeFormat(t.timestamp.Format, rest, t)
		if err != nil {
			return nil, 0, err
		}
		frame.TimestampArgs = args
		rest = rest[n:]
	}

	args, n, err := decodeframe.DecodeFormat(entry.Format, rest, t)
	if err != nil {
		return nil, 0, err
	}
	frame.Args = args
	rest = rest[n:]

	consumed := len(data) - len(rest)
	return frame, consumed, nil
}
