// Package tupleKey encodes composite keys such as ["seq", 42] or
// ["tail", key, hash] into byte strings whose lexicographic order matches
// the element-wise order of the tuples.
package tupleKey

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	tagString byte = 0x02
	tagUint   byte = 0x15

	terminator byte = 0x00
	escape     byte = 0xFF
)

var ErrMalformed = errors.New("tupleKey: malformed key")

// Encode packs the given parts. Supported element types are string, []byte
// (encoded like a string), uint64, uint32, uint, int and int64 (the signed
// ones must not be negative).
func Encode(parts ...any) []byte {
	out := make([]byte, 0, 32)
	for _, p := range parts {
		out = appendElement(out, p)
	}
	return out
}

func appendElement(out []byte, p any) []byte {
	switch v := p.(type) {
	case string:
		return appendString(out, []byte(v))
	case []byte:
		return appendString(out, v)
	case uint64:
		return appendUint(out, v)
	case uint32:
		return appendUint(out, uint64(v))
	case uint:
		return appendUint(out, uint64(v))
	case int:
		if v < 0 {
			panic(fmt.Sprintf("tupleKey: negative integer %d", v))
		}
		return appendUint(out, uint64(v))
	case int64:
		if v < 0 {
			panic(fmt.Sprintf("tupleKey: negative integer %d", v))
		}
		return appendUint(out, uint64(v))
	default:
		panic(fmt.Sprintf("tupleKey: unsupported element type %T", p))
	}
}

// 0x00 inside a string is escaped as 0x00 0xFF so the terminator stays the
// smallest possible continuation.
func appendString(out []byte, b []byte) []byte {
	out = append(out, tagString)
	for _, c := range b {
		if c == terminator {
			out = append(out, terminator, escape)
			continue
		}
		out = append(out, c)
	}
	return append(out, terminator)
}

func appendUint(out []byte, v uint64) []byte {
	out = append(out, tagUint)
	return binary.BigEndian.AppendUint64(out, v)
}

// Decode unpacks a key produced by Encode. Strings come back as string and
// integers as uint64.
func Decode(key []byte) ([]any, error) {
	var parts []any
	for i := 0; i < len(key); {
		switch key[i] {
		case tagString:
			i++
			var s []byte
			closed := false
			for i < len(key) {
				c := key[i]
				if c != terminator {
					s = append(s, c)
					i++
					continue
				}
				if i+1 < len(key) && key[i+1] == escape {
					s = append(s, terminator)
					i += 2
					continue
				}
				i++
				closed = true
				break
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string", ErrMalformed)
			}
			parts = append(parts, string(s))
		case tagUint:
			if i+9 > len(key) {
				return nil, fmt.Errorf("%w: short integer", ErrMalformed)
			}
			parts = append(parts, binary.BigEndian.Uint64(key[i+1:i+9]))
			i += 9
		default:
			return nil, fmt.Errorf("%w: unknown tag 0x%02x at %d", ErrMalformed, key[i], i)
		}
	}
	return parts, nil
}

// String returns the string element at index i of a decoded key.
func String(parts []any, i int) (string, error) {
	if i >= len(parts) {
		return "", fmt.Errorf("%w: missing element %d", ErrMalformed, i)
	}
	s, ok := parts[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: element %d is %T, want string", ErrMalformed, i, parts[i])
	}
	return s, nil
}

// Uint returns the integer element at index i of a decoded key.
func Uint(parts []any, i int) (uint64, error) {
	if i >= len(parts) {
		return 0, fmt.Errorf("%w: missing element %d", ErrMalformed, i)
	}
	n, ok := parts[i].(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: element %d is %T, want uint64", ErrMalformed, i, parts[i])
	}
	return n, nil
}
