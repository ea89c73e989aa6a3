// Package relay connects documents to a hosted WebSocket CRDT relay. One
// connection is held per subscribed document; pushes and awareness updates
// are written on that connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/docsync/internal/relay/wire"
	"github.com/imdevinc/docsync/internal/remote"
)

const (
	TypeName = "relay"

	sendBuffer = 64
)

// ErrNotConnected is returned when writing to a document without an open subscription
var ErrNotConnected = errors.New("relay: document not connected")

// Config holds configuration for a relay remote
type Config struct {
	Name             string
	URL              string // ws:// or wss:// base of the relay
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Remote implements remote.AwarenessRemote against a WebSocket relay
type Remote struct {
	*remote.Base

	url    string
	header http.Header
	dialer *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New creates a relay remote
func New(cfg Config) (*Remote, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay remote %s: url is required", cfg.Name)
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("relay remote %s: url must use ws or wss", cfg.Name)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Remote{
		Base:   remote.NewBase(cfg.Name, TypeName, nil),
		url:    strings.TrimRight(cfg.URL, "/"),
		header: cfg.Header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		conns: make(map[string]*conn),
	}, nil
}

// Subscribe implements remote.Remote by joining the document's room
func (r *Remote) Subscribe(ctx context.Context, documentID string) (remote.Stream, error) {
	ws, _, err := r.dialer.DialContext(ctx, r.url+wire.Path(documentID), r.header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if old := r.conns[documentID]; old != nil {
		old.ws.Close()
	}
	r.conns[documentID] = c
	r.mu.Unlock()

	stream := remote.NewChanStream(ctx, 16)
	go r.writePump(stream.Context(), c)
	go r.readPump(stream, documentID, c)

	r.LogInfo("Joined relay room", "document", documentID)
	return stream, nil
}

func (r *Remote) readPump(stream *remote.ChanStream, documentID string, c *conn) {
	defer func() {
		close(c.done)
		c.ws.Close()
		r.mu.Lock()
		if r.conns[documentID] == c {
			delete(r.conns, documentID)
		}
		r.mu.Unlock()
	}()

	c.ws.SetReadLimit(wire.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(wire.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wire.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if stream.Context().Err() != nil {
				stream.Finish(nil)
			} else {
				stream.Finish(fmt.Errorf("relay connection lost: %w", err))
			}
			return
		}

		f, err := wire.Decode(data)
		if err != nil {
			r.LogDebug("Dropping relay frame", "document", documentID, "error", err)
			continue
		}

		var msg remote.Message
		switch f.Type {
		case wire.TypeSync:
			msg = remote.Message{Kind: remote.KindChange, State: f.State, ClientID: f.ClientID, Snapshot: true}
		case wire.TypeUpdate:
			msg = remote.Message{Kind: remote.KindChange, State: f.State, ClientID: f.ClientID}
		case wire.TypeSynced:
			msg = remote.Message{Kind: remote.KindUpToDate}
		case wire.TypeAwareness:
			msg = remote.Message{Kind: remote.KindAwareness, State: f.State, ClientID: f.ClientID}
		}
		r.LogReceive("Received frame", "document", documentID, "type", f.Type, "bytes", len(f.State))

		if !stream.Send(msg) {
			stream.Finish(nil)
			return
		}
	}
}

func (r *Remote) writePump(ctx context.Context, c *conn) {
	ticker := time.NewTicker(wire.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wire.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.ws.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wire.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		case <-ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.ws.Close()
			return
		case <-c.done:
			return
		}
	}
}

func (r *Remote) write(ctx context.Context, documentID string, f wire.Frame) error {
	r.mu.Lock()
	c := r.conns[documentID]
	r.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		r.LogSend("Sent frame", "document", documentID, "type", f.Type, "bytes", len(f.State))
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push implements remote.Remote. The relay merges the state into its room.
func (r *Remote) Push(ctx context.Context, documentID string, state []byte, clientID string) error {
	return r.write(ctx, documentID, wire.Frame{Type: wire.TypeUpdate, State: state, ClientID: clientID})
}

// SendAwareness implements remote.AwarenessRemote
func (r *Remote) SendAwareness(ctx context.Context, documentID string, update []byte, clientID string) error {
	return r.write(ctx, documentID, wire.Frame{Type: wire.TypeAwareness, State: update, ClientID: clientID})
}

// Close leaves every room
func (r *Remote) Close() error {
	r.Base.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		c.ws.Close()
		delete(r.conns, id)
	}
	return nil
}
