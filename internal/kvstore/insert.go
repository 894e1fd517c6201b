package kvstore

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	json "github.com/goccy/go-json"
)

// maxGeneratedKey is the largest key the generator hands out (2^53).
const maxGeneratedKey = 1 << 53

// insert applies the key rules of a collection and stores the value.
func insert(b backendCollection, opts CollectionOptions, value []byte, key *Key, overwrite bool) (Key, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	value = buf.Bytes()

	var k Key
	switch {
	case opts.KeyPath != "":
		if key != nil {
			return Key{}, ErrInlineKey
		}
		inline, ok, err := InlineKey(value, opts.KeyPath)
		if err != nil {
			return Key{}, err
		}
		switch {
		case ok:
			k = inline
		case opts.AutoIncrement:
			n, err := generateKey(b)
			if err != nil {
				return Key{}, err
			}
			k = NumberKey(float64(n))
			value = injectKey(value, opts.KeyPath, n)
		default:
			return Key{}, ErrMissingKey
		}
	case key != nil && !key.IsZero():
		k = *key
	case opts.AutoIncrement:
		n, err := generateKey(b)
		if err != nil {
			return Key{}, err
		}
		k = NumberKey(float64(n))
	default:
		return Key{}, ErrMissingKey
	}

	if opts.AutoIncrement && k.IsNumber() {
		if err := advanceGenerator(b, k.Number()); err != nil {
			return Key{}, err
		}
	}

	enc := k.Encode()
	if !overwrite {
		existing, err := b.get(enc)
		if err != nil {
			return Key{}, err
		}
		if existing != nil {
			return Key{}, fmt.Errorf("%w: %s", ErrKeyExists, k)
		}
	}
	if err := b.put(enc, value); err != nil {
		return Key{}, err
	}
	return k, nil
}

func generateKey(b backendCollection) (uint64, error) {
	n := b.sequence() + 1
	if n > maxGeneratedKey {
		return 0, fmt.Errorf("%w: key generator exhausted", ErrInvalidKey)
	}
	if err := b.setSequence(n); err != nil {
		return 0, err
	}
	return n, nil
}

func advanceGenerator(b backendCollection, n float64) error {
	if n < 1 {
		return nil
	}
	n = math.Min(math.Floor(n), maxGeneratedKey)
	if uint64(n) <= b.sequence() {
		return nil
	}
	return b.setSequence(uint64(n))
}

// InlineKey extracts the attribute named by keyPath from a JSON object.
// ok is false when the attribute is absent.
func InlineKey(value []byte, keyPath string) (key Key, ok bool, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
		return Key{}, false, fmt.Errorf("%w: value with key path %q must be an object", ErrInvalidValue, keyPath)
	}
	raw, ok := obj[keyPath]
	if !ok {
		return Key{}, false, nil
	}
	key, err = KeyFromJSON(raw)
	if err != nil {
		return Key{}, false, err
	}
	return key, true, nil
}

// injectKey appends the generated key as the last attribute of a compact
// JSON object.
func injectKey(value []byte, keyPath string, n uint64) []byte {
	name, _ := json.Marshal(keyPath)
	out := make([]byte, 0, len(value)+len(name)+24)
	out = append(out, value[:len(value)-1]...)
	if len(value) > 2 {
		out = append(out, ',')
	}
	out = append(out, name...)
	out = append(out, ':')
	out = strconv.AppendUint(out, n, 10)
	return append(out, '}')
}
