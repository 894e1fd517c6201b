// Package snapshot exports, imports and clears every collection of a
// kvstore.Store inside a single transaction per operation.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/mauri870/kvsnap/internal/kvstore"
)

// Form selects how a snapshot represents the records of a collection.
type Form int

const (
	// Sequence keeps values only, in store order. Keys are dropped, so it
	// is only lossless when values carry their own key.
	Sequence Form = iota
	// Keyed maps each stringified key to its value.
	Keyed
)

func (f Form) String() string {
	if f == Keyed {
		return "keyed"
	}
	return "sequence"
}

func ParseForm(s string) (Form, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequence", "list":
		return Sequence, nil
	case "keyed", "map":
		return Keyed, nil
	default:
		return Sequence, fmt.Errorf("unknown snapshot form %q", s)
	}
}

// Policy decides what Import does when a key already exists.
type Policy int

const (
	// StrictAdd fails the import on the first duplicate key.
	StrictAdd Policy = iota
	// Upsert overwrites existing records.
	Upsert
)

func (p Policy) String() string {
	if p == Upsert {
		return "put"
	}
	return "add"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "add", "strict":
		return StrictAdd, nil
	case "put", "upsert", "overwrite":
		return Upsert, nil
	default:
		return StrictAdd, fmt.Errorf("unknown import policy %q", s)
	}
}

// Entry is one record of a snapshot. Key is zero for Sequence entries.
type Entry struct {
	Key   kvstore.Key
	Value json.RawMessage
}

// Snapshot maps collection names to their records.
type Snapshot struct {
	Form        Form
	Collections map[string][]Entry
}

func New(form Form) *Snapshot {
	return &Snapshot{Form: form, Collections: make(map[string][]Entry)}
}

// Names returns the collection names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the total number of records.
func (s *Snapshot) Len() int {
	n := 0
	for _, entries := range s.Collections {
		n += len(entries)
	}
	return n
}

// MarshalJSON writes collections in name order. Sequence snapshots encode
// each collection as an array of values, Keyed snapshots as an object from
// stringified key to value in store order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf, scratch bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')

		entries := s.Collections[name]
		open, close := byte('['), byte(']')
		if s.Form == Keyed {
			open, close = '{', '}'
		}
		buf.WriteByte(open)
		var seen map[string]struct{}
		if s.Form == Keyed {
			seen = make(map[string]struct{}, len(entries))
		}
		for j, e := range entries {
			if j > 0 {
				buf.WriteByte(',')
			}
			if s.Form == Keyed {
				k := e.Key.String()
				if _, dup := seen[k]; dup {
					return nil, fmt.Errorf("%w: collection %q: keys collide as %q", ErrMalformedSnapshot, name, k)
				}
				seen[k] = struct{}{}
				if err := writeString(&buf, k); err != nil {
					return nil, err
				}
				buf.WriteByte(':')
			}
			// goccy's Compact does not append to a non-empty dst, so values are
			// compacted on their own before being appended.
			scratch.Reset()
			if err := json.Compact(&scratch, e.Value); err != nil {
				return nil, fmt.Errorf("collection %q: %w", name, err)
			}
			buf.Write(scratch.Bytes())
		}
		buf.WriteByte(close)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// UnmarshalJSON reads either form; the form is detected per collection.
// Keys of keyed collections are coerced with kvstore.ParseKey and their
// entries are ordered by key.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: not an object", ErrMalformedSnapshot)
	}

	s.Form = Sequence
	s.Collections = make(map[string][]Entry, len(raw))
	for name, body := range raw {
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			return fmt.Errorf("%w: collection %q is empty", ErrMalformedSnapshot, name)
		}
		switch body[0] {
		case '[':
			var values []json.RawMessage
			if err := json.Unmarshal(body, &values); err != nil {
				return fmt.Errorf("%w: collection %q: %w", ErrMalformedSnapshot, name, err)
			}
			entries := make([]Entry, 0, len(values))
			for _, v := range values {
				entries = append(entries, Entry{Value: v})
			}
			s.Collections[name] = entries
		case '{':
			var values map[string]json.RawMessage
			if err := json.Unmarshal(body, &values); err != nil {
				return fmt.Errorf("%w: collection %q: %w", ErrMalformedSnapshot, name, err)
			}
			entries := make([]Entry, 0, len(values))
			for k, v := range values {
				entries = append(entries, Entry{Key: kvstore.ParseKey(k), Value: v})
			}
			slices.SortFunc(entries, func(a, b Entry) int { return a.Key.Compare(b.Key) })
			s.Collections[name] = entries
			s.Form = Keyed
		default:
			return fmt.Errorf("%w: collection %q must be an array or an object", ErrMalformedSnapshot, name)
		}
	}
	return nil
}

// Encode writes the durable text form of s to w.
func Encode(w io.Writer, s *Snapshot) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s := new(Snapshot)
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}
