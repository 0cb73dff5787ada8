package parser

import "fmt"

// Type is the type a format-string parameter decodes to. It mirrors the
// closed set of wire types in the defmt grammar: fixed-width integers,
// floats, bool, char, strings (owned and interned), raw byte slices/arrays,
// nested Format values, bitfields, and the three "preformatted" kinds
// (Debug, Display, FormatSequence) that embed arbitrary pre-rendered text.
type Type int

const (
	TypeI8 Type = iota
	TypeI16
	TypeI32
	TypeI64
	TypeI128
	TypeIsize
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeU128
	TypeUsize
	TypeF32
	TypeF64
	TypeBool
	TypeChar
	TypeStr
	TypeIStr
	TypeU8Slice
	TypeU8Array  // carries ArrayLen
	TypeFormat   // nested Format, i.e. "{=?}"
	TypeFormatSlice
	TypeFormatArray // carries ArrayLen
	TypeBitField    // carries Start/End
	TypeDebug
	TypeDisplay
	TypeFormatSequence
)

// String renders the type token that applyType accepts; the array kinds
// render with a literal "N" and a bitfield renders as "bitfield".
func (t Type) String() string {
	switch t {
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeI128:
		return "i128"
	case TypeIsize:
		return "isize"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeU128:
		return "u128"
	case TypeUsize:
		return "usize"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeChar:
		return "char"
	case TypeStr:
		return "str"
	case TypeIStr:
		return "istr"
	case TypeU8Slice:
		return "[u8]"
	case TypeU8Array:
		return "[u8; N]"
	case TypeFormat:
		return "?"
	case TypeFormatSlice:
		return "[?]"
	case TypeFormatArray:
		return "[?; N]"
	case TypeBitField:
		return "bitfield"
	case TypeDebug:
		return "__internal_Debug"
	case TypeDisplay:
		return "__internal_Display"
	case TypeFormatSequence:
		return "__internal_FormatSequence"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// IsSigned reports whether t is one of the signed integer types.
func (t Type) IsSigned() bool {
	switch t {
	case TypeI8, TypeI16, TypeI32, TypeI64, TypeI128, TypeIsize:
		return true
	default:
		return false
	}
}

// IsUnsignedInt reports whether t is one of the unsigned integer types,
// excluding BitField (which is tracked separately since it also carries a
// bit range).
func (t Type) IsUnsignedInt() bool {
	switch t {
	case TypeU8, TypeU16, TypeU32, TypeU64, TypeU128, TypeUsize:
		return true
	default:
		return false
	}
}
