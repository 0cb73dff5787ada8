// Package elf builds a table.Table (and optional source Locations) from a
// target firmware ELF image: it scans the `.defmt` section's symbol table,
// demangles each symbol's JSON-encoded payload, and classifies it by tag
// into table entries, a timestamp entry, or bitflags name/value metadata.
package elf

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/defmtd/defmt/internal/table"
	"github.com/defmtd/defmt/internal/wire"
)

const versionMarkerPrefix = "_defmt_version_ = "
const encodingMarkerPrefix = "_defmt_encoding_ = "

// Location is the source position a log statement was written at.
type Location struct {
	File   string
	Line   uint64
	Module string
}

// Locations maps a log statement's `.defmt` symbol address to its source
// Location.
type Locations map[uint64]Location

// Parse reads elfData and builds the table.Table described by its `.defmt`
// section. It returns (nil, nil) if the image has no `.defmt` section at
// all (defmt is simply not in use) — a plain non-defmt binary is not an
// error. checkVersion, when true, rejects a `.defmt` section whose
// `_defmt_version_` doesn't match wire.Version.
func Parse(elfData []byte, checkVersion bool) (*table.Table, error) {
	f, err := elf.NewFile(bytes.NewReader(elfData))
	if err != nil {
		return nil, fmt.Errorf("elf: parsing image: %w", err)
	}

	syms, err := f.Symbols()
	if err != nil {
		// A binary with no symbol table at all has no defmt data either.
		return nil, nil
	}

	version, encodingStr, err := scanMarkers(syms)
	if err != nil {
		return nil, err
	}

	defmtSection := f.Section(".defmt")
	switch {
	case defmtSection == nil && version == "":
		return nil, nil
	case defmtSection != nil && version == "":
		return nil, fmt.Errorf("elf: `.defmt` section found, but no version symbol - check your linker configuration")
	case defmtSection == nil && version != "":
		return nil, fmt.Errorf("elf: defmt version found, but no `.defmt` section - check your linker configuration")
	}

	if checkVersion {
		if err := checkVersionCompat(version); err != nil {
			return nil, err
		}
	}

	encoding := wire.EncodingRaw
	if encodingStr != "" {
		encoding, err = wire.ParseEncoding(encodingStr)
		if err != nil {
			return nil, fmt.Errorf("elf: %w", err)
		}
	}

	sectionData, err := defmtSection.Data()
	if err != nil {
		return nil, fmt.Errorf("elf: reading `.defmt` section data: %w", err)
	}

	tb := table.New(encoding)
	sectionIndex := sectionIndexOf(f, defmtSection)

	for _, sym := range syms {
		name := sym.Name
		if name == "" {
			continue
		}
		if isVersionMarker(name) || strings.HasPrefix(name, "__DEFMT_MARKER") || isEncodingMarker(name) {
			continue
		}
		if int(sym.Section) != sectionIndex {
			continue
		}

		dsym, err := demangleSymbol(name)
		if err != nil {
			return nil, err
		}

		tag := wire.ParseTag(dsym.Tag)
		switch tag {
		case wire.TagTimestamp:
			if err := tb.AddEntry(0, wire.TagTimestamp, dsym.Data, name); err != nil {
				return nil, err
			}
		case wire.TagBitflagsValue:
			if sym.Size != 16 {
				return nil, fmt.Errorf("elf: bitflags value does not occupy 16 bytes (symbol %q)", name)
			}
			addr := sym.Value
			offset := addr - defmtSection.Addr
			if offset+16 > uint64(len(sectionData)) {
				return nil, fmt.Errorf("elf: bitflags value at %#x outside of `.defmt` section", addr)
			}
			value := le128(sectionData[offset : offset+16])

			segments := strings.SplitN(dsym.Data, "::", 2)
			if len(segments) != 2 {
				return nil, fmt.Errorf("elf: malformed bitflags value string %q", dsym.Data)
			}
			key := table.BitflagsKey{
				Ident:     segments[0],
				Package:   dsym.Package,
				Disambig:  dsym.Disambiguator,
				CrateName: dsym.CrateName,
			}
			tb.AddBitflagsValue(key, segments[1], value)
		case wire.TagUnknown:
			// Custom (non-defmt_*) tag: used by other tooling, ignored here.
		default:
			if err := tb.AddEntry(sym.Value, tag, dsym.Data, name); err != nil {
				return nil, err
			}
		}
	}

	return tb, nil
}

func sectionIndexOf(f *elf.File, target *elf.Section) int {
	for i, s := range f.Sections {
		if s == target {
			return i
		}
	}
	return -1
}

// le128 decodes a 16-byte little-endian bitflags value, as written by the
// defmt proc-macro for every `defmt_bitflags_value` symbol.
func le128(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func scanMarkers(syms []elf.Symbol) (version, encoding string, err error) {
	for _, sym := range syms {
		name := sym.Name
		if name == "" {
			continue
		}
		if isVersionMarker(name) {
			v := strings.TrimSuffix(trimVersionPrefix(name), `"`)
			if version != "" && version != v {
				return "", "", fmt.Errorf("elf: multiple defmt versions in use: %s and %s (only one is supported)", version, v)
			}
			version = v
		}
		if isEncodingMarker(name) {
			encoding = strings.TrimSuffix(trimEncodingPrefix(name), `"`)
		}
	}
	return version, encoding, nil
}

func isVersionMarker(name string) bool {
	return strings.HasPrefix(name, `"`+versionMarkerPrefix) || strings.HasPrefix(name, versionMarkerPrefix)
}

func trimVersionPrefix(name string) string {
	name = strings.TrimPrefix(name, `"`+versionMarkerPrefix)
	return strings.TrimPrefix(name, versionMarkerPrefix)
}

func isEncodingMarker(name string) bool {
	return strings.HasPrefix(name, `"`+encodingMarkerPrefix) || strings.HasPrefix(name, encodingMarkerPrefix)
}

func trimEncodingPrefix(name string) string {
	name = strings.TrimPrefix(name, `"`+encodingMarkerPrefix)
	return strings.TrimPrefix(name, encodingMarkerPrefix)
}

// symbol is the JSON payload a defmt proc-macro mangles into every symbol
// name placed in the `.defmt` section.
type symbol struct {
	Package       string `json:"package"`
	Disambiguator string `json:"disambiguator"`
	Tag           string `json:"tag"`
	Data          string `json:"data"`
	CrateName     string `json:"crate_name,omitempty"`
}

// demangleSymbol decodes one `.defmt`-section symbol name into its JSON
// payload, first undoing the "__defmt_hex_" hex-encoding some linkers force
// symbol names through (since raw JSON contains characters some linkers or
// demanglers mangle).
func demangleSymbol(raw string) (symbol, error) {
	text := raw
	if hexPart, ok := strings.CutPrefix(raw, "__defmt_hex_"); ok {
		decoded, err := hex.DecodeString(hexPart)
		if err != nil {
			return symbol{}, fmt.Errorf("elf: invalid hex-encoded symbol %q: %w", raw, err)
		}
		text = string(decoded)
	}

	var sym symbol
	if err := json.Unmarshal([]byte(text), &sym); err != nil {
		return symbol{}, fmt.Errorf("elf: failed to demangle defmt symbol %q: %w", raw, err)
	}
	return sym, nil
}

// checkVersionCompat produces an actionable mismatch message: both
// versions are classified as either a semver release or a git commit hash,
// and the suggested fix depends on which combination mismatched.
func checkVersionCompat(version string) error {
	if version == wire.Version {
		return nil
	}

	kindOf := func(v string) string {
		if strings.Contains(v, ".") {
			return "semver"
		}
		if _, err := strconv.ParseUint(v, 10, 64); err == nil {
			return "semver"
		}
		return "git"
	}

	msg := fmt.Sprintf("defmt version mismatch: firmware is using %s, this tool supports %s\nsuggestion: ", version, wire.Version)

	switch kindOf(version) + "/" + kindOf(wire.Version) {
	case "git/git":
		msg += fmt.Sprintf("pin all defmt-related dependencies to the same revision as this tool (%s)", wire.Version)
	case "git/semver":
		msg += "migrate your firmware to a released version of defmt, or build this tool from the matching git revision"
	case "semver/git":
		msg += "use a released (non-git) build of this tool"
	default: // semver/semver
		msg += fmt.Sprintf("use a build of this tool that supports defmt %s", version)
	}
	return errors.New(msg)
}

// GetLocations walks elfData's DWARF debug info looking for
// DEFMT_LOG_STATEMENT marker variables, and returns the source Location of
// every log statement present in tb's raw symbol set (statements the linker
// garbage-collected are silently skipped, since their address info in the
// DWARF tree is stale).
func GetLocations(elfData []byte, tb *table.Table) (Locations, error) {
	f, err := elf.NewFile(bytes.NewReader(elfData))
	if err != nil {
		return nil, fmt.Errorf("elf: parsing image: %w", err)
	}
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("elf: reading DWARF info: %w", err)
	}

	known := make(map[string]bool)
	for _, s := range tb.RawSymbols() {
		known[s] = true
	}

	locs := make(Locations)
	reader := d.Reader()

	// namespaceStack[i] holds the namespace name pushed at depth
	// pushedAtDepth[i]; a Tag==0 terminator entry (the null DIE Go's reader
	// surfaces to close a children list, mirroring gimli's delta_depth) pops
	// every namespace pushed at or below the depth it closes.
	var namespaceStack []string
	var pushedAtDepth []int
	depth := 0

	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("elf: walking DWARF tree: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			for len(pushedAtDepth) > 0 && pushedAtDepth[len(pushedAtDepth)-1] > depth {
				pushedAtDepth = pushedAtDepth[:len(pushedAtDepth)-1]
				namespaceStack = namespaceStack[:len(namespaceStack)-1]
			}
			continue
		}

		switch entry.Tag {
		case dwarf.TagNamespace:
			if name, ok := entry.Val(dwarf.AttrName).(string); ok {
				namespaceStack = append(namespaceStack, name)
				pushedAtDepth = append(pushedAtDepth, depth)
			}
		case dwarf.TagVariable:
			name, _ := entry.Val(dwarf.AttrName).(string)
			linkageName, _ := entry.Val(dwarf.AttrLinkageName).(string)
			if name == "DEFMT_LOG_STATEMENT" && linkageName != "" && known[linkageName] {
				loc, ok, err := variableLocation(d, entry)
				if err != nil {
					return nil, err
				}
				if ok {
					loc.Module = strings.Join(namespaceStack, "::")
					addr, aerr := variableAddress(entry)
					if aerr == nil {
						if old, exists := locs[addr]; exists {
							return nil, fmt.Errorf("elf: DWARF variable filter index collision for addr %#08x (old=%+v, new=%+v)", addr, old, loc)
						}
						locs[addr] = loc
					}
				}
			}
		}
		if entry.Children {
			depth++
		}
	}

	return locs, nil
}

func variableAddress(entry *dwarf.Entry) (uint64, error) {
	loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok {
		return 0, fmt.Errorf("elf: variable has no location expression")
	}
	// A DW_OP_addr (0x03) opcode followed by a little-endian target address
	// is the only location-expression form defmt's build script emits for
	// these marker variables.
	const opAddr = 0x03
	for i := 0; i < len(loc); {
		op := loc[i]
		if op == opAddr && i+9 <= len(loc) {
			var addr uint64
			for b := 0; b < 8; b++ {
				addr |= uint64(loc[i+1+b]) << (8 * b)
			}
			return addr, nil
		}
		// Unknown opcodes aren't walked further; defmt only ever emits
		// DW_OP_addr for these statics.
		break
	}
	return 0, fmt.Errorf("elf: DW_OP_addr not found in location expression")
}

func variableLocation(d *dwarf.Data, entry *dwarf.Entry) (Location, bool, error) {
	fileIdx, fileOK := entry.Val(dwarf.AttrDeclFile).(int64)
	line, lineOK := entry.Val(dwarf.AttrDeclLine).(int64)
	if !fileOK || !lineOK {
		return Location{}, false, nil
	}

	cu := findCompileUnit(d, entry)
	if cu == nil {
		return Location{}, false, nil
	}
	lr, err := d.LineReader(cu)
	if err != nil || lr == nil {
		return Location{}, false, nil
	}
	files := lr.Files()
	if int(fileIdx) < 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
		return Location{}, false, nil
	}
	return Location{
		File: path.Clean(files[fileIdx].Name),
		Line: uint64(line),
	}, true, nil
}

// findCompileUnit re-walks the DWARF tree from the start to find the
// compile unit DIE enclosing target, identified by matching Offset (Entry
// values themselves are not comparable across Reader instances).
func findCompileUnit(d *dwarf.Data, target *dwarf.Entry) *dwarf.Entry {
	r := d.Reader()
	var cu *dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit {
			cu = e
		}
		if e.Offset == target.Offset {
			break
		}
	}
	return cu
}

// sortedAddrs returns locs's addresses in ascending order, for deterministic
// diagnostic dumps.
func sortedAddrs(locs Locations) []uint64 {
	out := make([]uint64, 0, len(locs))
	for a := range locs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
