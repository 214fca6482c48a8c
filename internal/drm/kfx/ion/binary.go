// Package ion reads and writes the binary Amazon Ion encoding used by KFX
// containers and their DRM envelopes.
package ion

import (
	"fmt"

	"github.com/sjzar/dedrm/internal/errors"
)

// Type is the high nibble of an Ion type descriptor.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypePosInt
	TypeNegInt
	TypeFloat
	TypeDecimal
	TypeTimestamp
	TypeSymbol
	TypeString
	TypeClob
	TypeBlob
	TypeList
	TypeSexp
	TypeStruct
	typeAnnotation
	typeReserved
)

var typeNames = [...]string{
	"null", "bool", "int", "negint", "float", "decimal", "timestamp", "symbol",
	"string", "clob", "blob", "list", "sexp", "struct", "annotation", "reserved",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsContainer reports whether values of t hold child values.
func (t Type) IsContainer() bool {
	return t == TypeList || t == TypeSexp || t == TypeStruct
}

const (
	lenVar  = 0x0E
	lenNull = 0x0F
)

// BVM is the binary version marker of Ion 1.0.
var BVM = []byte{0xE0, 0x01, 0x00, 0xEA}

// HasBVM reports whether data starts with an Ion 1.0 version marker.
func HasBVM(data []byte) bool {
	return len(data) >= 4 && data[0] == BVM[0] && data[1] == BVM[1] && data[2] == BVM[2] && data[3] == BVM[3]
}

func syntaxError(format string, args ...any) error {
	return errors.InvalidFormat("Ion", fmt.Sprintf(format, args...))
}

// readVarUInt decodes a big-endian base-128 number whose last byte has the
// high bit set.
func readVarUInt(data []byte, pos, end int) (int, int, error) {
	v := 0
	for i := 0; i < 5; i++ {
		if pos >= end {
			return 0, pos, syntaxError("truncated VarUInt")
		}
		b := data[pos]
		pos++
		v = v<<7 | int(b&0x7F)
		if b&0x80 != 0 {
			return v, pos, nil
		}
	}
	return 0, pos, syntaxError("VarUInt overflow")
}

func appendVarUInt(b []byte, v int) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(v&0x7F) | 0x80
	for v >>= 7; v > 0; v >>= 7 {
		i--
		tmp[i] = byte(v & 0x7F)
	}
	return append(b, tmp[i:]...)
}

// readUInt decodes a big-endian magnitude of up to eight bytes.
func readUInt(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, syntaxError("integer of %d bytes", len(b))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func appendUInt(b []byte, v uint64) []byte {
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	for i := n - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// appendHeader writes a type descriptor for a body of n bytes.
func appendHeader(b []byte, t Type, n int) []byte {
	if n < lenVar {
		return append(b, byte(t)<<4|byte(n))
	}
	return appendVarUInt(append(b, byte(t)<<4|lenVar), n)
}
