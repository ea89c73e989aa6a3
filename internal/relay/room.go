package relay

import (
	"log/slog"
	"sync"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/events"
	"github.com/imdevinc/docsync/internal/persistence"
	"github.com/imdevinc/docsync/internal/relay/wire"
)

// Room is the relay state of one document
type Room struct {
	id     string
	hub    *Hub
	logger *slog.Logger

	doc         *crdt.Doc
	persistence *persistence.Persistence
	awareness   *awareness.Awareness
	docSub      *events.Subscription
	unsubscribe func()

	mu      sync.Mutex
	clients map[*client]struct{}
	delta   []byte // set by the doc handler while mu is held
	closed  bool
}

func newRoom(h *Hub, documentID string) *Room {
	r := &Room{
		id:        documentID,
		hub:       h,
		logger:    h.logger.With("document", documentID),
		doc:       crdt.New("relay-" + h.node),
		awareness: awareness.New("relay-" + h.node),
		clients:   make(map[*client]struct{}),
	}
	r.docSub = r.doc.OnUpdate(func(ev crdt.UpdateEvent) {
		r.delta = ev.Update
	})
	if h.store != nil {
		r.persistence = persistence.New(h.store, documentID, r.doc, persistence.Options{Logger: h.logger})
	}
	if h.broker != nil {
		unsub, err := h.broker.Subscribe(h.ctx, documentID, r.fromBroker)
		if err != nil {
			r.logger.Warn("Room not connected to broker", "error", err)
		} else {
			r.unsubscribe = unsub
		}
	}
	return r
}

// ID returns the document id
func (r *Room) ID() string {
	return r.id
}

// State returns the merged document state
func (r *Room) State() []byte {
	return r.doc.EncodeStateAsUpdate()
}

// Awareness returns the awareness states known to the room
func (r *Room) Awareness() map[string]awareness.Record {
	return r.awareness.GetStates()
}

// Members returns the number of connected clients
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// join greets c with the room state, the known awareness and synced
func (r *Room) join(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = struct{}{}

	c.enqueue(wire.Frame{Type: wire.TypeSync, State: r.doc.EncodeStateAsUpdate()})
	if len(r.awareness.GetStates()) > 0 {
		c.enqueue(wire.Frame{Type: wire.TypeAwareness, State: r.awareness.EncodeUpdate()})
	}
	c.enqueue(wire.Frame{Type: wire.TypeSynced})
}

// leave removes c and the awareness states it announced. It reports
// whether the room is now empty.
func (r *Room) leave(c *client) bool {
	r.mu.Lock()
	delete(r.clients, c)
	ids := c.announced()

	var out *wire.Frame
	if len(ids) > 0 {
		r.awareness.RemoveStates(ids, awareness.OriginDisconnect)
		f := wire.Frame{Type: wire.TypeAwareness, State: r.awareness.EncodeUpdate(ids...)}
		r.broadcastLocked(f, nil)
		out = &f
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if out != nil {
		r.publish(*out)
	}
	return empty
}

// handle processes a frame from a member
func (r *Room) handle(from *client, f wire.Frame) {
	var out wire.Frame
	var ok bool
	switch f.Type {
	case wire.TypeUpdate, wire.TypeSync:
		out, ok = r.applyUpdate(from, f)
	case wire.TypeAwareness:
		if set, removed, err := awareness.UpdateClients(f.State); err == nil {
			from.announce(set, removed)
		}
		out, ok = r.applyAwareness(from, f)
	default:
		return
	}
	if ok {
		r.publish(out)
	}
}

// applyUpdate merges an update and forwards what changed to the other
// members. Updates that change nothing are not forwarded.
func (r *Room) applyUpdate(from *client, f wire.Frame) (wire.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return wire.Frame{}, false
	}

	r.delta = nil
	if err := r.doc.ApplyUpdate(f.State, crdt.OriginRemote); err != nil {
		r.logger.Debug("Dropping invalid update", "client", f.ClientID, "error", err)
		return wire.Frame{}, false
	}
	if r.delta == nil {
		return wire.Frame{}, false
	}

	out := wire.Frame{Type: wire.TypeUpdate, State: r.delta, ClientID: f.ClientID}
	r.broadcastLocked(out, from)
	return out, true
}

func (r *Room) applyAwareness(from *client, f wire.Frame) (wire.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return wire.Frame{}, false
	}

	if err := r.awareness.ApplyUpdate(f.State, awareness.OriginRemote); err != nil {
		r.logger.Debug("Dropping invalid awareness update", "client", f.ClientID, "error", err)
		return wire.Frame{}, false
	}
	out := wire.Frame{Type: wire.TypeAwareness, State: f.State, ClientID: f.ClientID}
	r.broadcastLocked(out, from)
	return out, true
}

// fromBroker applies a frame published by another instance
func (r *Room) fromBroker(f wire.Frame) {
	switch f.Type {
	case wire.TypeUpdate, wire.TypeSync:
		r.applyUpdate(nil, f)
	case wire.TypeAwareness:
		r.applyAwareness(nil, f)
	}
}

func (r *Room) broadcastLocked(f wire.Frame, except *client) {
	for c := range r.clients {
		if c != except {
			c.enqueue(f)
		}
	}
	r.hub.metrics.RelayBroadcast(string(f.Type))
}

func (r *Room) publish(f wire.Frame) {
	if r.hub.broker == nil {
		return
	}
	if err := r.hub.broker.Publish(r.hub.ctx, r.id, f); err != nil {
		r.logger.Warn("Failed to publish frame", "type", f.Type, "error", err)
	}
}

func (r *Room) disconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.close()
	}
}

// close persists and releases the room
func (r *Room) close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.docSub.Off()
	if r.persistence != nil {
		r.persistence.Destroy()
	}
	r.awareness.Destroy()
	r.doc.Destroy()
}
