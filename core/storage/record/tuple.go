package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// Kind identifies the type of a tuple field.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Serial types, in the manner of the SQLite record format. Text and blob
// carry their length: blob = 12+2n, text = 13+2n.
const (
	serialNull  = 0
	serialInt   = 1
	serialFloat = 2
	serialBlob  = 12
	serialText  = 13
)

// Value is one field of a Tuple.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bytes []byte
}

// Null returns a NULL field.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an integer field.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float returns a floating point field.
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// Text returns a text field.
func Text(s string) Value { return Value{Kind: KindText, Bytes: []byte(s)} }

// Blob returns a blob field.
func Blob(b []byte) Value { return Value{Kind: KindBlob, Bytes: b} }

// String renders the value for display.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindText:
		return string(v.Bytes)
	default:
		return fmt.Sprintf("x'%x'", v.Bytes)
	}
}

// Tuple is an ordered list of typed fields stored as a record value.
type Tuple []Value

func (v Value) serialType() uint64 {
	switch v.Kind {
	case KindInt:
		return serialInt
	case KindFloat:
		return serialFloat
	case KindText:
		return serialText + 2*uint64(len(v.Bytes))
	case KindBlob:
		return serialBlob + 2*uint64(len(v.Bytes))
	}
	return serialNull
}

// EncodeTuple encodes t as: varint header length | serial types | bodies.
// Int and Float bodies are fixed 8 bytes; Text and Blob are variable.
func EncodeTuple(t Tuple) []byte {
	var types []byte
	bodyLen := 0
	for _, v := range t {
		types = AppendVarint(types, v.serialType())
		switch v.Kind {
		case KindInt, KindFloat:
			bodyLen += 8
		case KindText, KindBlob:
			bodyLen += len(v.Bytes)
		}
	}

	// The header length counts its own varint.
	hdrLen := len(types) + 1
	for VarintLen(uint64(hdrLen)) != hdrLen-len(types) {
		hdrLen = len(types) + VarintLen(uint64(hdrLen))
	}

	out := make([]byte, 0, hdrLen+bodyLen)
	out = AppendVarint(out, uint64(hdrLen))
	out = append(out, types...)
	for _, v := range t {
		switch v.Kind {
		case KindInt:
			out = binary.BigEndian.AppendUint64(out, uint64(v.Int))
		case KindFloat:
			out = binary.BigEndian.AppendUint64(out, math.Float64bits(v.Float))
		case KindText, KindBlob:
			out = append(out, v.Bytes...)
		}
	}
	return out
}

// DecodeTuple decodes a value produced by EncodeTuple.
func DecodeTuple(b []byte) (Tuple, error) {
	hdrLen, n := GetVarint(b)
	if n == 0 || hdrLen > uint64(len(b)) || hdrLen < uint64(n) {
		return nil, jerrors.NewCorruption("tuple", 0, "bad header length")
	}

	var types []uint64
	for off := n; off < int(hdrLen); {
		st, k := GetVarint(b[off:int(hdrLen)])
		if k == 0 {
			return nil, jerrors.NewCorruption("tuple", int64(off), "truncated serial type")
		}
		types = append(types, st)
		off += k
	}

	t := make(Tuple, 0, len(types))
	body := b[hdrLen:]
	for _, st := range types {
		var size int
		switch {
		case st == serialNull:
			t = append(t, Null())
			continue
		case st == serialInt || st == serialFloat:
			size = 8
		case st >= serialBlob:
			size = int((st - serialBlob) / 2)
		default:
			return nil, jerrors.NewCorruption("tuple", -1, fmt.Sprintf("unknown serial type %d", st))
		}
		if size > len(body) {
			return nil, jerrors.NewCorruption("tuple", -1, "body shorter than header declares")
		}
		field := body[:size]
		body = body[size:]

		switch {
		case st == serialInt:
			t = append(t, Int(int64(binary.BigEndian.Uint64(field))))
		case st == serialFloat:
			t = append(t, Float(math.Float64frombits(binary.BigEndian.Uint64(field))))
		case st%2 == 1:
			t = append(t, Value{Kind: KindText, Bytes: append([]byte(nil), field...)})
		default:
			t = append(t, Value{Kind: KindBlob, Bytes: append([]byte(nil), field...)})
		}
	}
	return t, nil
}

// EncodeIntKey encodes v so that byte order matches numeric order.
func EncodeIntKey(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// DecodeIntKey reverses EncodeIntKey.
func DecodeIntKey(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, jerrors.NewValidation("key", fmt.Sprintf("int key must be 8 bytes, got %d", len(b)))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}
