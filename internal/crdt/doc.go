// Package crdt implements the replicated document the sync core keeps
// consistent across replicas.
//
// A Doc is a set of named last-writer-wins maps. Every entry carries a
// Lamport clock and the id of the replica that wrote it; when two replicas
// write the same key the higher clock wins, and equal clocks are broken by
// the lexicographically greater client id. Because the winner of each key
// is a maximum under a total order, merging is commutative, associative and
// idempotent, and any two replicas that applied the same set of updates
// encode to identical bytes.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/imdevinc/docsync/internal/events"
)

// Origin tags where a change came from. Update handlers use it to avoid
// sending a change back to the channel it arrived on.
type Origin string

const (
	OriginLocal       Origin = "local"
	OriginRemote      Origin = "remote"
	OriginPersistence Origin = "persistence"
)

// ErrDestroyed is returned by operations on a destroyed document
var ErrDestroyed = errors.New("document destroyed")

// Entry is one key of one map together with its causal metadata
type Entry struct {
	Map     string
	Key     string
	Value   json.RawMessage
	Deleted bool
	Clock   uint64
	Client  string
}

// wins reports whether e replaces other
func (e Entry) wins(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Client > other.Client
}

type entryKey struct {
	Map string
	Key string
}

// UpdateEvent is emitted after a change was applied to the document
type UpdateEvent struct {
	Update []byte // encoded delta containing only the changed entries
	Origin Origin
}

// MapEvent is emitted to observers of a single map
type MapEvent struct {
	Map    string
	Keys   []string // keys whose value changed, sorted
	Origin Origin
}

// Doc is a replicated document. It is safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	clientID  string
	clock     uint64
	entries   map[entryKey]Entry
	destroyed bool

	updates   events.Emitter[UpdateEvent]
	observers map[string]*events.Emitter[MapEvent]
}

// New creates an empty document that writes as clientID
func New(clientID string) *Doc {
	return &Doc{
		clientID:  clientID,
		entries:   make(map[entryKey]Entry),
		observers: make(map[string]*events.Emitter[MapEvent]),
	}
}

// ClientID returns the id this replica writes with
func (d *Doc) ClientID() string {
	return d.clientID
}

// OnUpdate registers a handler for every applied change
func (d *Doc) OnUpdate(fn func(UpdateEvent)) *events.Subscription {
	return d.updates.On(fn)
}

// Map returns a handle on the named map. Maps exist implicitly.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// Text returns a handle on the named text value
func (d *Doc) Text(name string) *Text {
	return &Text{m: d.Map(textMapPrefix + name)}
}

// ApplyUpdate merges an encoded update into the document.
// Applying an update that is already contained in the state is a no-op
// and emits nothing.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	incoming, err := decodeEntries(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	var changed []Entry
	for _, e := range incoming {
		if e.Clock > d.clock {
			d.clock = e.Clock
		}
		k := entryKey{e.Map, e.Key}
		if cur, ok := d.entries[k]; ok && !e.wins(cur) {
			continue
		}
		d.entries[k] = e
		changed = append(changed, e)
	}
	d.mu.Unlock()

	d.emit(changed, origin)
	return nil
}

// EncodeStateAsUpdate encodes the whole document as a single update
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	return encodeEntries(entries)
}

// Transact runs fn with exclusive access to the document and emits a
// single update for everything fn changed. fn must only touch the
// document through tx.
func (d *Doc) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	tx := &Tx{doc: d, changed: make(map[entryKey]Entry)}
	err := fn(tx)
	changed := make([]Entry, 0, len(tx.changed))
	for _, e := range tx.changed {
		changed = append(changed, e)
	}
	d.mu.Unlock()

	d.emit(changed, origin)
	return err
}

// Empty reports whether the document holds no entries, tombstones included
func (d *Doc) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries) == 0
}

// Destroy releases handlers. Further mutation returns ErrDestroyed.
func (d *Doc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	observers := d.observers
	d.observers = make(map[string]*events.Emitter[MapEvent])
	d.mu.Unlock()

	d.updates.Clear()
	for _, o := range observers {
		o.Clear()
	}
}

// Destroyed reports whether Destroy was called
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Doc) emit(changed []Entry, origin Origin) {
	if len(changed) == 0 {
		return
	}
	update := encodeEntries(changed)

	byMap := make(map[string][]string)
	for _, e := range changed {
		byMap[e.Map] = append(byMap[e.Map], e.Key)
	}

	d.updates.Emit(UpdateEvent{Update: update, Origin: origin})

	d.mu.Lock()
	observers := make(map[string]*events.Emitter[MapEvent], len(byMap))
	for name := range byMap {
		if o, ok := d.observers[name]; ok {
			observers[name] = o
		}
	}
	d.mu.Unlock()

	for name, o := range observers {
		keys := byMap[name]
		sort.Strings(keys)
		o.Emit(MapEvent{Map: name, Keys: keys, Origin: origin})
	}
}

func (d *Doc) observer(name string) *events.Emitter[MapEvent] {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.observers[name]
	if !ok {
		o = &events.Emitter[MapEvent]{}
		d.observers[name] = o
	}
	return o
}

// Tx gives a transaction access to the document
type Tx struct {
	doc     *Doc
	changed map[entryKey]Entry
}

// Map returns the transaction's view of a map
func (tx *Tx) Map(name string) *TxMap {
	return &TxMap{tx: tx, name: name}
}

func (tx *Tx) write(mapName, key string, value json.RawMessage, deleted bool) {
	d := tx.doc
	d.clock++
	e := Entry{
		Map:     mapName,
		Key:     key,
		Value:   value,
		Deleted: deleted,
		Clock:   d.clock,
		Client:  d.clientID,
	}
	k := entryKey{mapName, key}
	d.entries[k] = e
	tx.changed[k] = e
}

func (tx *Tx) lookup(mapName, key string) (Entry, bool) {
	e, ok := tx.doc.entries[entryKey{mapName, key}]
	if !ok || e.Deleted {
		return Entry{}, false
	}
	return e, true
}

// TxMap is a map accessed inside a transaction
type TxMap struct {
	tx   *Tx
	name string
}

// Set stores value (JSON-encoded) under key
func (m *TxMap) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s/%s: %w", m.name, key, err)
	}
	m.tx.write(m.name, key, raw, false)
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *TxMap) Delete(key string) {
	if _, ok := m.tx.lookup(m.name, key); !ok {
		return
	}
	m.tx.write(m.name, key, nil, true)
}

// Get decodes the value under key into out
func (m *TxMap) Get(key string, out any) (bool, error) {
	e, ok := m.tx.lookup(m.name, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.Value, out); err != nil {
		return true, fmt.Errorf("decode value for %s/%s: %w", m.name, key, err)
	}
	return true, nil
}
