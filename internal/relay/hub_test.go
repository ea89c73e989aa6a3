package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/persistence"
	"github.com/imdevinc/docsync/internal/relay/wire"
	"github.com/imdevinc/docsync/internal/storage"
)

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeDocument(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, documentID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+wire.Path(documentID), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, _ := wire.Encode(f)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// join dials and consumes the greeting up to synced, returning the room state
func join(t *testing.T, base, documentID string) (*websocket.Conn, []byte, []wire.Frame) {
	t.Helper()
	conn := dial(t, base, documentID)
	var state []byte
	var extra []wire.Frame
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case wire.TypeSync:
			state = f.State
		case wire.TypeSynced:
			return conn, state, extra
		default:
			extra = append(extra, f)
		}
	}
}

func stateWith(t *testing.T, clientID, key, value string) []byte {
	t.Helper()
	d := crdt.New(clientID)
	if err := d.Map("root").Set(key, value); err != nil {
		t.Fatal(err)
	}
	return d.EncodeStateAsUpdate()
}

func valueIn(t *testing.T, state []byte, key string) string {
	t.Helper()
	d := crdt.New("reader")
	if err := d.ApplyUpdate(state, crdt.OriginRemote); err != nil {
		t.Fatalf("Invalid state: %v", err)
	}
	var v string
	d.Map("root").Get(key, &v)
	return v
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinReceivesRoomState(t *testing.T) {
	hub, base := startHub(t, Options{})

	a, state, _ := join(t, base, "notes-1")
	if valueIn(t, state, "title") != "" {
		t.Error("New room should be empty")
	}
	sendFrame(t, a, wire.Frame{Type: wire.TypeUpdate, State: stateWith(t, "a", "title", "hello"), ClientID: "a"})

	room, ok := hub.Room("notes-1")
	if !ok {
		t.Fatal("Room should be open")
	}
	waitUntil(t, "update applied", func() bool { return valueIn(t, room.State(), "title") == "hello" })

	_, state, _ = join(t, base, "notes-1")
	if got := valueIn(t, state, "title"); got != "hello" {
		t.Errorf("Joining member should get the room state, got %q", got)
	}
	if room.Members() != 2 {
		t.Errorf("Expected 2 members, got %d", room.Members())
	}
}

func TestUpdatesGoToOtherMembers(t *testing.T) {
	_, base := startHub(t, Options{})
	a, _, _ := join(t, base, "notes-1")
	b, _, _ := join(t, base, "notes-1")

	update := stateWith(t, "a", "k", "v1")
	sendFrame(t, a, wire.Frame{Type: wire.TypeUpdate, State: update, ClientID: "a"})

	f := readFrame(t, b)
	if f.Type != wire.TypeUpdate || f.ClientID != "a" || valueIn(t, f.State, "k") != "v1" {
		t.Errorf("Unexpected frame %+v", f)
	}

	// a repeated or invalid update changes nothing and is not forwarded
	sendFrame(t, a, wire.Frame{Type: wire.TypeUpdate, State: update, ClientID: "a"})
	sendFrame(t, a, wire.Frame{Type: wire.TypeUpdate, State: []byte("garbage"), ClientID: "a"})
	sendFrame(t, a, wire.Frame{Type: wire.TypeUpdate, State: stateWith(t, "a", "k", "v2"), ClientID: "a"})

	f = readFrame(t, b)
	if valueIn(t, f.State, "k") != "v2" {
		t.Errorf("Expected only the real change to be forwarded, got %+v", f)
	}

	// the sender never gets its own update back
	a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Error("Sender should not receive its own update")
	}
}

func TestAwarenessRemovedOnDisconnect(t *testing.T) {
	hub, base := startHub(t, Options{})
	a, _, _ := join(t, base, "notes-1")
	b, _, _ := join(t, base, "notes-1")

	peer := awareness.New("aw-a")
	peer.SetLocalState(awareness.Record{"user_id": "u-a", "user_name": "A"})
	sendFrame(t, a, wire.Frame{Type: wire.TypeAwareness, State: peer.EncodeUpdate(), ClientID: "aw-a"})

	observer := awareness.New("aw-b")
	f := readFrame(t, b)
	if f.Type != wire.TypeAwareness {
		t.Fatalf("Expected awareness frame, got %+v", f)
	}
	observer.ApplyUpdate(f.State, awareness.OriginRemote)
	if _, ok := observer.GetStates()["aw-a"]; !ok {
		t.Fatal("Observer should see the peer")
	}

	// a late joiner gets the current awareness in its greeting
	_, _, extra := join(t, base, "notes-1")
	if len(extra) != 1 || extra[0].Type != wire.TypeAwareness {
		t.Errorf("Expected awareness in greeting, got %+v", extra)
	}

	a.Close()
	f = readFrame(t, b)
	if f.Type != wire.TypeAwareness {
		t.Fatalf("Expected removal frame, got %+v", f)
	}
	observer.ApplyUpdate(f.State, awareness.OriginRemote)
	if _, ok := observer.GetStates()["aw-a"]; ok {
		t.Error("Disconnected peer should be removed")
	}

	room, _ := hub.Room("notes-1")
	if _, ok := room.Awareness()["aw-a"]; ok {
		t.Error("Room should forget the disconnected peer")
	}
}

func TestRoomPersistsAcrossReopen(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "relay.db"), persistence.Buckets...)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	hub, base := startHub(t, Options{Store: store})
	a, _, _ := join(t, base, "wiki-7")
	sendFrame(t, a, wire.Frame{Type: wire.TypeUpdate, State: stateWith(t, "a", "body", "kept"), ClientID: "a"})

	room, _ := hub.Room("wiki-7")
	waitUntil(t, "update applied", func() bool { return valueIn(t, room.State(), "body") == "kept" })

	a.Close()
	waitUntil(t, "room closed", func() bool { return hub.Rooms() == 0 })

	_, state, _ := join(t, base, "wiki-7")
	if got := valueIn(t, state, "body"); got != "kept" {
		t.Errorf("Reopened room lost its state, got %q", got)
	}
}

func TestBrokerJoinsInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	b1, err := NewRedisBroker("redis://"+mr.Addr(), "node-1")
	if err != nil {
		t.Fatal(err)
	}
	b2, err := NewRedisBroker("redis://"+mr.Addr(), "node-2")
	if err != nil {
		t.Fatal(err)
	}
	_, base1 := startHub(t, Options{Broker: b1, NodeID: "node-1"})
	_, base2 := startHub(t, Options{Broker: b2, NodeID: "node-2"})

	remoteMember, _, _ := join(t, base2, "notes-9")
	local, _, _ := join(t, base1, "notes-9")

	sendFrame(t, local, wire.Frame{Type: wire.TypeUpdate, State: stateWith(t, "a", "k", "across"), ClientID: "a"})

	f := readFrame(t, remoteMember)
	if f.Type != wire.TypeUpdate || f.ClientID != "a" || valueIn(t, f.State, "k") != "across" {
		t.Errorf("Unexpected frame from other instance %+v", f)
	}
}

func TestRedisBrokerSkipsOwnMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker("redis://"+mr.Addr(), "self")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	other, err := NewRedisBroker("redis://"+mr.Addr(), "other")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	got := make(chan wire.Frame, 4)
	unsub, err := b.Subscribe(ctx, "notes-1", func(f wire.Frame) { got <- f })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	b.Publish(ctx, "notes-1", wire.Frame{Type: wire.TypeUpdate, ClientID: "own"})
	other.Publish(ctx, "notes-1", wire.Frame{Type: wire.TypeUpdate, ClientID: "theirs"})
	other.Publish(ctx, "notes-2", wire.Frame{Type: wire.TypeUpdate, ClientID: "elsewhere"})

	select {
	case f := <-got:
		if f.ClientID != "theirs" {
			t.Errorf("Expected only the other node's frame, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broker frame")
	}
	select {
	case f := <-got:
		t.Errorf("Unexpected extra frame %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := NewRedisBroker("redis://127.0.0.1:1", "x"); err == nil {
		t.Error("Expected connection error")
	}
}

func TestClosedHubRejectsMembers(t *testing.T) {
	hub, base := startHub(t, Options{})
	hub.Close()

	conn := dial(t, base, "notes-1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Closed hub should drop the connection")
	}
}

// captureTransport keeps the awareness updates a client would send
type captureTransport struct {
	updates [][]byte
}

func (c *captureTransport) SendAwareness(update []byte) error {
	c.updates = append(c.updates, update)
	return nil
}

func (c *captureTransport) last() []byte {
	return c.updates[len(c.updates)-1]
}

func TestAwarenessReturnsAfterReconnect(t *testing.T) {
	hub, base := startHub(t, Options{})
	b, _, _ := join(t, base, "notes-1")
	a, _, _ := join(t, base, "notes-1")

	out := &captureTransport{}
	peer := awareness.New("aw-a")
	peer.SetTransport(out)
	peer.SetLocalState(awareness.Record{"user_id": "u-a", "client_ready": true})
	sendFrame(t, a, wire.Frame{Type: wire.TypeAwareness, State: out.last(), ClientID: "aw-a"})

	observer := awareness.New("aw-b")
	observer.ApplyUpdate(readFrame(t, b).State, awareness.OriginRemote)

	a.Close()
	f := readFrame(t, b)
	observer.ApplyUpdate(f.State, awareness.OriginRemote)
	if _, ok := observer.GetStates()["aw-a"]; ok {
		t.Fatal("Disconnected peer should be removed")
	}

	// the reconnecting client renews its record
	a2, _, _ := join(t, base, "notes-1")
	peer.Renew()
	sendFrame(t, a2, wire.Frame{Type: wire.TypeAwareness, State: out.last(), ClientID: "aw-a"})

	f = readFrame(t, b)
	if f.Type != wire.TypeAwareness {
		t.Fatalf("Expected awareness frame, got %+v", f)
	}
	observer.ApplyUpdate(f.State, awareness.OriginRemote)
	if _, ok := observer.GetStates()["aw-a"]; !ok {
		t.Error("Reconnected peer should be visible to other members")
	}

	room, _ := hub.Room("notes-1")
	waitUntil(t, "room awareness", func() bool {
		_, ok := room.Awareness()["aw-a"]
		return ok
	})
	_, _, extra := join(t, base, "notes-1")
	if len(extra) != 1 {
		t.Fatalf("Expected awareness in greeting, got %+v", extra)
	}
	late := awareness.New("aw-c")
	late.ApplyUpdate(extra[0].State, awareness.OriginRemote)
	if _, ok := late.GetStates()["aw-a"]; !ok {
		t.Error("Late joiner should see the reconnected peer")
	}
}
