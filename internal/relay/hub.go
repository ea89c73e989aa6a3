// Package relay is the server side of the WebSocket relay. Each document
// has a room holding the merged document state; members receive the room
// state when they join and every later update and awareness change from
// the other members. Rooms on several instances are joined through a
// Broker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/docsync/internal/metrics"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

// ErrHubClosed is returned when joining a closed hub
var ErrHubClosed = errors.New("relay hub closed")

// Options configures a Hub
type Options struct {
	// Store persists room documents when set; it should hold persistence.Buckets
	Store *storage.Store

	// Broker connects rooms across relay instances when set
	Broker Broker
	NodeID string

	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Hub owns the rooms of one relay instance
type Hub struct {
	store   *storage.Store
	broker  Broker
	node    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewHub creates a hub
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NodeID == "" {
		opts.NodeID = util.NewClientID()
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		store:   opts.Store,
		broker:  opts.Broker,
		node:    opts.NodeID,
		logger:  opts.Logger.With("component", "relay", "node", opts.NodeID),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// ServeDocument upgrades the request and runs the connection as a member
// of the document's room until it disconnects
func (h *Hub) ServeDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	if documentID == "" {
		http.Error(w, "document id required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "document", documentID, "error", err)
		return
	}

	c := newClient(conn, h.logger.With("document", documentID, "remote", r.RemoteAddr))
	room, err := h.join(documentID, c)
	if err != nil {
		conn.Close()
		return
	}
	h.metrics.RelayConnected(1)
	defer h.metrics.RelayConnected(-1)

	go c.writePump()
	c.readPump(room)
	h.leave(room, c)
}

func (h *Hub) join(documentID string, c *client) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	room, ok := h.rooms[documentID]
	if !ok {
		room = newRoom(h, documentID)
		h.rooms[documentID] = room
		h.metrics.RelayRoomsOpen(len(h.rooms))
		h.logger.Info("Room opened", "document", documentID)
	}
	room.join(c)
	return room, nil
}

func (h *Hub) leave(room *Room, c *client) {
	h.mu.Lock()
	empty := room.leave(c)
	// without a store the room is the only copy of the document
	closeRoom := empty && h.store != nil && !h.closed
	if closeRoom {
		delete(h.rooms, room.id)
		h.metrics.RelayRoomsOpen(len(h.rooms))
	}
	h.mu.Unlock()

	if closeRoom {
		room.close()
		h.logger.Info("Room closed", "document", room.id)
	}
}

// Room returns the open room of a document
func (h *Hub) Room(documentID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	return r, ok
}

// Rooms returns the number of open rooms
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close disconnects every member and closes every room
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	h.cancel()
	for _, r := range rooms {
		r.disconnectAll()
		r.close()
	}
	h.metrics.RelayRoomsOpen(0)

	if h.broker != nil {
		if err := h.broker.Close(); err != nil {
			return fmt.Errorf("close broker: %w", err)
		}
	}
	return nil
}
