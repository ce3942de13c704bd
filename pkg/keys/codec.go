package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type codes, in key order: bytes < string < float < int < bool.
const (
	codeBytes  byte = 0x01
	codeString byte = 0x02
	codeFloat  byte = 0x21
	codeInt    byte = 0x22
	codeFalse  byte = 0x26
	codeTrue   byte = 0x27

	// terminator ends variable length parts; escape follows an embedded 0x00.
	terminator byte = 0x00
	escape     byte = 0xFF
)

// Encode serializes a key so that bytes.Compare on two encodings agrees with
// Compare on the keys.
func Encode(key Key) ([]byte, error) {
	buf := make([]byte, 0, 16*len(key))
	for i, p := range key {
		n, err := Normalize(p)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		buf = appendPart(buf, n)
	}
	return buf, nil
}

// MustEncode is Encode for keys built from already validated parts.
func MustEncode(key Key) []byte {
	b, err := Encode(key)
	if err != nil {
		panic(err)
	}
	return b
}

func appendPart(buf []byte, p Part) []byte {
	switch v := p.(type) {
	case []byte:
		buf = append(buf, codeBytes)
		return appendEscaped(buf, v)
	case string:
		buf = append(buf, codeString)
		return appendEscaped(buf, []byte(v))
	case float64:
		bits := math.Float64bits(v)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		buf = append(buf, codeFloat)
		return binary.BigEndian.AppendUint64(buf, bits)
	case int64:
		buf = append(buf, codeInt)
		return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
	case bool:
		if v {
			return append(buf, codeTrue)
		}
		return append(buf, codeFalse)
	}
	// Normalize rejects everything else.
	panic(fmt.Sprintf("keys: unnormalized part %T", p))
}

func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		buf = append(buf, c)
		if c == terminator {
			buf = append(buf, escape)
		}
	}
	return append(buf, terminator)
}

// Decode parses an encoded key.
func Decode(b []byte) (Key, error) {
	var key Key
	for len(b) > 0 {
		code := b[0]
		b = b[1:]
		switch code {
		case codeBytes, codeString:
			raw, rest, err := readEscaped(b)
			if err != nil {
				return nil, err
			}
			b = rest
			if code == codeString {
				key = append(key, string(raw))
			} else {
				key = append(key, raw)
			}
		case codeFloat:
			if len(b) < 8 {
				return nil, fmt.Errorf("truncated float part")
			}
			bits := binary.BigEndian.Uint64(b)
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			key = append(key, math.Float64frombits(bits))
			b = b[8:]
		case codeInt:
			if len(b) < 8 {
				return nil, fmt.Errorf("truncated int part")
			}
			key = append(key, int64(binary.BigEndian.Uint64(b)^(1<<63)))
			b = b[8:]
		case codeFalse:
			key = append(key, false)
		case codeTrue:
			key = append(key, true)
		default:
			return nil, fmt.Errorf("unknown type code 0x%02x", code)
		}
	}
	return key, nil
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != terminator {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == escape {
			out = append(out, terminator)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("unterminated part")
}

// PrefixEnd returns the smallest byte string greater than every encoded key
// that starts with prefix. No type code is 0xFF, so appending it suffices.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = escape
	return end
}

// Successor returns the smallest byte string greater than key.
func Successor(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

// Compare orders two parts the way their encodings are ordered.
func Compare(a, b Part) int {
	ea, errA := Encode(Key{a})
	eb, errB := Encode(Key{b})
	if errA != nil || errB != nil {
		return 0
	}
	return bytes.Compare(ea, eb)
}
