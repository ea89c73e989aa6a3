package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/imdevinc/docsync/internal/events"
)

const textMapPrefix = "\x00text/"

// Map is a handle on one named map of a document
type Map struct {
	doc  *Doc
	name string
}

// Name returns the map's name
func (m *Map) Name() string {
	return m.name
}

// Set stores value under key as a local change
func (m *Map) Set(key string, value any) error {
	return m.doc.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Map(m.name).Set(key, value)
	})
}

// Delete removes key as a local change
func (m *Map) Delete(key string) error {
	return m.doc.Transact(OriginLocal, func(tx *Tx) error {
		tx.Map(m.name).Delete(key)
		return nil
	})
}

// Get decodes the value under key into out and reports whether it exists
func (m *Map) Get(key string, out any) (bool, error) {
	raw, ok := m.GetRaw(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode value for %s/%s: %w", m.name, key, err)
	}
	return true, nil
}

// GetRaw returns the JSON encoding of the value under key
func (m *Map) GetRaw(key string) (json.RawMessage, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.doc.entries[entryKey{m.name, key}]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Has reports whether key is present
func (m *Map) Has(key string) bool {
	_, ok := m.GetRaw(key)
	return ok
}

// Keys returns the live keys in sorted order
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	var keys []string
	for k, e := range m.doc.entries {
		if k.Map == m.name && !e.Deleted {
			keys = append(keys, k.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys
func (m *Map) Len() int {
	return len(m.Keys())
}

// Entries returns a copy of every live key and its encoded value
func (m *Map) Entries() map[string]json.RawMessage {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for k, e := range m.doc.entries {
		if k.Map == m.name && !e.Deleted {
			out[k.Key] = e.Value
		}
	}
	return out
}

// Observe registers fn for changes to this map
func (m *Map) Observe(fn func(MapEvent)) *events.Subscription {
	return m.doc.observer(m.name).On(fn)
}

// Text is a named string value. Concurrent writes resolve like any other
// key: the winning write replaces the whole string.
type Text struct {
	m *Map
}

const textKey = "content"

// Set replaces the text
func (t *Text) Set(s string) error {
	return t.m.Set(textKey, s)
}

// String returns the current text, empty if never set
func (t *Text) String() string {
	var s string
	if _, err := t.m.Get(textKey, &s); err != nil {
		return ""
	}
	return s
}

// Observe registers fn for changes to the text
func (t *Text) Observe(fn func(MapEvent)) *events.Subscription {
	return t.m.Observe(fn)
}
