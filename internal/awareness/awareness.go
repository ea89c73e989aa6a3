// Package awareness carries ephemeral per-peer state such as presence,
// cursor colour or the list of files a peer is serving.
//
// Awareness state is never written to the document. Each client owns one
// record and a clock; a record with a higher clock replaces the previous
// one and a null record removes it. Peers disappear when the transport
// reports their connection closed, so this package has no heartbeat.
package awareness

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/imdevinc/docsync/internal/events"
)

const (
	OriginLocal      = "local"
	OriginRemote     = "remote"
	OriginDisconnect = "disconnect"
)

// Record is one peer's state. Well-known fields are user_id, user_name and color.
type Record map[string]any

// UserID returns the record's user_id field, empty when absent
func (r Record) UserID() string {
	s, _ := r["user_id"].(string)
	return s
}

// Decode converts the record into a typed struct through its JSON form
func (r Record) Decode(out any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// RecordOf converts a typed struct into a Record through its JSON form
func RecordOf(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Change lists the client ids affected by one state change
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Transport delivers encoded awareness updates to the other peers
type Transport interface {
	SendAwareness(update []byte) error
}

// wireEntry is the JSON form of one client's state
type wireEntry struct {
	ClientID string `json:"client_id"`
	Clock    uint64 `json:"clock"`
	State    Record `json:"state"`
}

// UpdateClients lists the client ids an encoded update touches, split into
// those it sets and those it removes
func UpdateClients(data []byte) (set, removed []string, err error) {
	var entries []wireEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode awareness update: %w", err)
	}
	for _, e := range entries {
		if e.ClientID == "" {
			continue
		}
		if e.State == nil {
			removed = append(removed, e.ClientID)
		} else {
			set = append(set, e.ClientID)
		}
	}
	return set, removed, nil
}

// Awareness tracks the states of all known clients of one document
type Awareness struct {
	clientID string
	logger   *slog.Logger

	mu        sync.Mutex
	states    map[string]Record
	clocks    map[string]uint64
	transport Transport
	destroyed bool

	changes events.Emitter[Change]
}

// New creates an awareness instance whose own record is keyed by clientID
func New(clientID string) *Awareness {
	return &Awareness{
		clientID: clientID,
		logger:   slog.Default().With("component", "awareness"),
		states:   make(map[string]Record),
		clocks:   make(map[string]uint64),
	}
}

// ClientID returns the id of the local record
func (a *Awareness) ClientID() string {
	return a.clientID
}

// OnChange registers fn for every change to the state map
func (a *Awareness) OnChange(fn func(Change)) *events.Subscription {
	return a.changes.On(fn)
}

// SetTransport attaches the transport local changes are forwarded to.
// Passing nil detaches it.
func (a *Awareness) SetTransport(t Transport) {
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
}

// SetLocalState replaces the local record. A nil record removes it.
func (a *Awareness) SetLocalState(rec Record) {
	a.setLocal(cloneRecord(rec), OriginLocal)
}

// SetLocalStateField patches a single field of the local record
func (a *Awareness) SetLocalStateField(key string, value any) {
	a.mu.Lock()
	rec := cloneRecord(a.states[a.clientID])
	a.mu.Unlock()

	if rec == nil {
		rec = Record{}
	}
	rec[key] = value
	a.setLocal(rec, OriginLocal)
}

// Renew re-sends the local record with a new clock, so peers that dropped
// it at the old clock accept it again. It does nothing without a local record.
func (a *Awareness) Renew() {
	rec := a.LocalState()
	if rec == nil {
		return
	}
	a.setLocal(rec, OriginLocal)
}

// LocalState returns a copy of the local record, nil if unset
func (a *Awareness) LocalState() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneRecord(a.states[a.clientID])
}

func (a *Awareness) setLocal(rec Record, origin string) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	prev, existed := a.states[a.clientID]
	a.clocks[a.clientID]++

	var change Change
	change.Origin = origin
	switch {
	case rec == nil:
		delete(a.states, a.clientID)
		if existed {
			change.Removed = []string{a.clientID}
		}
	case !existed:
		a.states[a.clientID] = rec
		change.Added = []string{a.clientID}
	default:
		a.states[a.clientID] = rec
		if !reflect.DeepEqual(prev, rec) {
			change.Updated = []string{a.clientID}
		}
	}
	update := a.encodeLocked([]string{a.clientID})
	transport := a.transport
	a.mu.Unlock()

	if transport != nil {
		if err := transport.SendAwareness(update); err != nil {
			a.logger.Warn("Failed to send awareness update", "error", err)
		}
	}
	if !change.empty() {
		a.changes.Emit(change)
	}
}

// GetStates returns a copy of every known record keyed by client id
func (a *Awareness) GetStates() map[string]Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Record, len(a.states))
	for id, rec := range a.states {
		out[id] = cloneRecord(rec)
	}
	return out
}

// Others returns the records of other peers. Records with our own client id
// or our own user id are left out.
func (a *Awareness) Others() map[string]Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	ownUser := a.states[a.clientID].UserID()
	out := make(map[string]Record)
	for id, rec := range a.states {
		if id == a.clientID {
			continue
		}
		if ownUser != "" && rec.UserID() == ownUser {
			continue
		}
		out[id] = cloneRecord(rec)
	}
	return out
}

// EncodeUpdate encodes the states of ids, or of every known client when ids is empty.
// Removed clients are encoded with a null state.
func (a *Awareness) EncodeUpdate(ids ...string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.encodeLocked(ids)
}

func (a *Awareness) encodeLocked(ids []string) []byte {
	if len(ids) == 0 {
		for id := range a.states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	entries := make([]wireEntry, 0, len(ids))
	for _, id := range ids {
		clock, known := a.clocks[id]
		if !known {
			continue
		}
		entries = append(entries, wireEntry{ClientID: id, Clock: clock, State: a.states[id]})
	}
	data, _ := json.Marshal(entries)
	return data
}

// ApplyUpdate merges an encoded update received from a peer
func (a *Awareness) ApplyUpdate(data []byte, origin string) error {
	var entries []wireEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	change := Change{Origin: origin}
	for _, e := range entries {
		// our own record is only changed locally
		if e.ClientID == "" || e.ClientID == a.clientID {
			continue
		}
		cur, known := a.clocks[e.ClientID]
		prev, present := a.states[e.ClientID]
		if known && e.Clock < cur {
			continue
		}
		if known && e.Clock == cur && !(e.State == nil && present) {
			continue
		}
		a.clocks[e.ClientID] = e.Clock

		switch {
		case e.State == nil:
			if present {
				delete(a.states, e.ClientID)
				change.Removed = append(change.Removed, e.ClientID)
			}
		case !present:
			a.states[e.ClientID] = e.State
			change.Added = append(change.Added, e.ClientID)
		default:
			a.states[e.ClientID] = e.State
			if !reflect.DeepEqual(prev, e.State) {
				change.Updated = append(change.Updated, e.ClientID)
			}
		}
	}
	a.mu.Unlock()

	if !change.empty() {
		a.changes.Emit(change)
	}
	return nil
}

// RemoveStates drops the records of ids. Removing our own id also tells
// the transport, so peers see us leave.
func (a *Awareness) RemoveStates(ids []string, origin string) {
	var removeSelf bool
	var remote []string
	for _, id := range ids {
		if id == a.clientID {
			removeSelf = true
		} else {
			remote = append(remote, id)
		}
	}

	if len(remote) > 0 {
		a.mu.Lock()
		change := Change{Origin: origin}
		for _, id := range remote {
			if _, ok := a.states[id]; ok {
				delete(a.states, id)
				change.Removed = append(change.Removed, id)
			}
		}
		a.mu.Unlock()
		if !change.empty() {
			a.changes.Emit(change)
		}
	}

	if removeSelf {
		a.setLocal(nil, origin)
	}
}

// Destroy removes the local record with origin disconnect and releases
// handlers. It is safe to call more than once.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	done := a.destroyed
	a.mu.Unlock()
	if done {
		return
	}

	a.RemoveStates([]string{a.clientID}, OriginDisconnect)

	a.mu.Lock()
	a.destroyed = true
	a.transport = nil
	a.mu.Unlock()
	a.changes.Clear()
}

func cloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
