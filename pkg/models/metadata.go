package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Well-known metadata keys carried between cycles.
const (
	MetaGenerateTime  = "_ngt_"         // Generation timestamp (epoch ms) stamped by the selector
	MetaFixedInterval = "fixedInterval" // Fixed fetch interval override (seconds)
	MetaContentType   = "Content-Type"  // Content type reported by the fetcher
	MetaSegment       = "_segment_"     // Segment a fetch-list entry was written to
)

// ValueKind tags the concrete type held by a metadata Value.
type ValueKind uint8

const (
	KindText  ValueKind = 1
	KindBytes ValueKind = 2
	KindInt   ValueKind = 3
	KindFloat ValueKind = 4
	KindBool  ValueKind = 5
)

// String implements fmt.Stringer for logging
func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// Value is a typed metadata value.
type Value struct {
	kind ValueKind
	text string
	raw  []byte
	num  int64
	flt  float64
	flag bool
}

func TextValue(s string) Value { return Value{kind: KindText, text: s} }

func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte{}, b...)}
}

func IntValue(n int64) Value     { return Value{kind: KindInt, num: n} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, flt: f} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, flag: b} }

// Kind returns the value's type tag.
func (v Value) Kind() ValueKind { return v.kind }

// String renders the value as text regardless of its kind.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindBytes:
		return string(v.raw)
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.flag)
	}
	return ""
}

// Bytes returns the raw payload for bytes values and the UTF-8 text otherwise.
func (v Value) Bytes() []byte {
	if v.kind == KindBytes {
		return v.raw
	}
	return []byte(v.String())
}

// Int returns the value as an integer, parsing text when needed.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.num, true
	case KindFloat:
		return int64(v.flt), true
	case KindText, KindBytes:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the value as a float, parsing text when needed.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.flt, true
	case KindInt:
		return float64(v.num), true
	case KindText, KindBytes:
		f, err := strconv.ParseFloat(v.String(), 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) {
	if v.kind == KindBool {
		return v.flag, true
	}
	b, err := strconv.ParseBool(v.String())
	return b, err == nil
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == o.text
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindInt:
		return v.num == o.num
	case KindFloat:
		return v.flt == o.flt
	case KindBool:
		return v.flag == o.flag
	}
	return true
}

// MarshalJSON renders bytes as a string and everything else natively.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(v.num)
	case KindFloat:
		return json.Marshal(v.flt)
	case KindBool:
		return json.Marshal(v.flag)
	}
	return json.Marshal(v.String())
}

// Metadata is an insertion-ordered map with unique keys. A nil *Metadata is
// "absent" and is distinct from an allocated, empty one.
type Metadata struct {
	keys []string
	vals map[string]Value
}

// NewMetadata returns an empty, allocated Metadata.
func NewMetadata() *Metadata {
	return &Metadata{vals: make(map[string]Value)}
}

// Len returns the number of entries; nil-safe.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Get looks up key; nil-safe.
func (m *Metadata) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present; nil-safe.
func (m *Metadata) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Put sets key to v. An existing key keeps its original position.
func (m *Metadata) Put(key string, v Value) {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// PutAll overlays every entry of other onto m, other winning on conflicts.
func (m *Metadata) PutAll(other *Metadata) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		m.Put(k, other.vals[k])
	}
}

// Delete removes key if present.
func (m *Metadata) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns a copy of the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Range calls fn for each entry in order until fn returns false.
func (m *Metadata) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy; nil stays nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := &Metadata{keys: make([]string, 0, len(m.keys)), vals: make(map[string]Value, len(m.vals))}
	for _, k := range m.keys {
		v := m.vals[k]
		if v.kind == KindBytes {
			v.raw = append([]byte{}, v.raw...)
		}
		c.keys = append(c.keys, k)
		c.vals[k] = v
	}
	return c
}

// Equal compares presence, order and values.
func (m *Metadata) Equal(o *Metadata) bool {
	if (m == nil) != (o == nil) {
		return false
	}
	if m == nil {
		return true
	}
	if len(m.keys) != len(o.keys) {
		return false
	}
	for i, k := range m.keys {
		if o.keys[i] != k || !m.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON writes an object with keys in insertion order.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := m.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
