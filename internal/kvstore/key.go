package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	json "github.com/goccy/go-json"
)

var ErrInvalidKey = errors.New("invalid key")

type keyKind uint8

const (
	noKey keyKind = iota
	numberKey
	stringKey
)

// Encoded key tags. Numbers sort before strings.
const (
	numberTag byte = 0x01
	stringTag byte = 0x02
)

// Key identifies a record inside a collection. It is either a number or a
// string; the zero Key is "no key".
type Key struct {
	kind keyKind
	num  float64
	str  string
}

// NumberKey returns a numeric key. n must not be NaN.
func NumberKey(n float64) Key {
	if n == 0 {
		n = 0 // normalize -0
	}
	return Key{kind: numberKey, num: n}
}

// StringKey returns a string key.
func StringKey(s string) Key {
	return Key{kind: stringKey, str: s}
}

// ParseKey turns a stringified key back into a Key. Valid finite numeric
// strings become numeric keys, anything else stays a string.
func ParseKey(s string) Key {
	if n, ok := parseNumber(s); ok {
		return NumberKey(n)
	}
	return StringKey(s)
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// KeyFromJSON reads a key out of a raw JSON value, which must be a number or
// a string.
func KeyFromJSON(raw []byte) (Key, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Key{}, ErrInvalidKey
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return StringKey(s), nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		n, ok := parseNumber(string(raw))
		if !ok {
			return Key{}, fmt.Errorf("%w: %s", ErrInvalidKey, raw)
		}
		return NumberKey(n), nil
	default:
		return Key{}, fmt.Errorf("%w: %s", ErrInvalidKey, raw)
	}
}

func (k Key) IsZero() bool   { return k.kind == noKey }
func (k Key) IsNumber() bool { return k.kind == numberKey }
func (k Key) IsString() bool { return k.kind == stringKey }

// Number returns the numeric value of a number key.
func (k Key) Number() float64 { return k.num }

// String returns the stringified form used as a map key in keyed snapshots.
func (k Key) String() string {
	switch k.kind {
	case numberKey:
		return strconv.FormatFloat(k.num, 'f', -1, 64)
	case stringKey:
		return k.str
	default:
		return ""
	}
}

// Encode returns the order-preserving binary form of the key.
func (k Key) Encode() []byte {
	switch k.kind {
	case numberKey:
		bits := math.Float64bits(k.num)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		b := make([]byte, 9)
		b[0] = numberTag
		binary.BigEndian.PutUint64(b[1:], bits)
		return b
	case stringKey:
		b := make([]byte, 1+len(k.str))
		b[0] = stringTag
		copy(b[1:], k.str)
		return b
	default:
		return nil
	}
}

// DecodeKey is the inverse of Key.Encode.
func DecodeKey(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, ErrInvalidKey
	}
	switch b[0] {
	case numberTag:
		if len(b) != 9 {
			return Key{}, fmt.Errorf("%w: bad number encoding", ErrInvalidKey)
		}
		bits := binary.BigEndian.Uint64(b[1:])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return NumberKey(math.Float64frombits(bits)), nil
	case stringTag:
		return StringKey(string(b[1:])), nil
	default:
		return Key{}, fmt.Errorf("%w: unknown tag %#x", ErrInvalidKey, b[0])
	}
}

// Compare orders keys the same way the stores iterate them.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k.Encode(), o.Encode())
}

func (k Key) MarshalJSON() ([]byte, error) {
	switch k.kind {
	case numberKey:
		return []byte(k.String()), nil
	case stringKey:
		return json.Marshal(k.str)
	default:
		return []byte("null"), nil
	}
}

func (k *Key) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*k = Key{}
		return nil
	}
	key, err := KeyFromJSON(b)
	if err != nil {
		return err
	}
	*k = key
	return nil
}
