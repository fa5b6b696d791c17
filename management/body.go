package management

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Entry is a single key/value pair of a request body
type Entry struct {
	Key   string
	Value any
}

// Body is the ordered key/value payload of a management request.
// Keys keep their first insertion position.
type Body struct {
	entries []Entry
	index   map[string]int
}

// NewBody creates an empty body
func NewBody() *Body {
	return &Body{index: make(map[string]int)}
}

// Set stores value under key. An existing key is overwritten in place.
func (b *Body) Set(key string, value any) *Body {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if i, ok := b.index[key]; ok {
		b.entries[i].Value = value
		return b
	}
	b.index[key] = len(b.entries)
	b.entries = append(b.entries, Entry{Key: key, Value: value})
	return b
}

// Get returns the value stored under key
func (b *Body) Get(key string) (any, bool) {
	if b == nil {
		return nil, false
	}
	i, ok := b.index[key]
	if !ok {
		return nil, false
	}
	return b.entries[i].Value, true
}

// Len returns the number of entries
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Keys returns the keys in insertion order
func (b *Body) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, len(b.entries))
	for i, e := range b.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in insertion order
func (b *Body) Entries() []Entry {
	if b == nil {
		return nil
	}
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Map returns the body as a plain map for transports whose encoders take one.
// Entry order is lost; only MarshalJSON preserves it.
func (b *Body) Map() map[string]any {
	if b == nil {
		return nil
	}
	m := make(map[string]any, len(b.entries))
	for _, e := range b.entries {
		m[e.Key] = e.Value
	}
	return m
}

// Clone returns an independent copy of the body.
// Values themselves are copied shallowly.
func (b *Body) Clone() *Body {
	if b == nil {
		return nil
	}
	c := &Body{
		entries: make([]Entry, len(b.entries)),
		index:   make(map[string]int, len(b.index)),
	}
	copy(c.entries, b.entries)
	for k, v := range b.index {
		c.index[k] = v
	}
	return c
}

// Equal reports whether both bodies hold the same entries in the same order
func (b *Body) Equal(other *Body) bool {
	if b.Len() != other.Len() {
		return false
	}
	for i := 0; i < b.Len(); i++ {
		if b.entries[i].Key != other.entries[i].Key {
			return false
		}
		if !reflect.DeepEqual(b.entries[i].Value, other.entries[i].Value) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the body as a JSON object with keys in insertion order
func (b *Body) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range b.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(e.Value)
		if err != nil {
			return nil, &EncodeError{Key: e.Key, Err: err}
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
