package electric

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/imdevinc/docsync/internal/remote"
)

// shapeServer is a minimal sync + shape endpoint holding one row per id
type shapeServer struct {
	t *testing.T

	mu       sync.Mutex
	pushes   []PushRequest
	queries  []map[string]string
	metadata any // value of the row's metadata column, nil when no row
	changed  chan struct{}
	fail     bool
}

func newShapeServer(t *testing.T) (*shapeServer, *httptest.Server) {
	s := &shapeServer{t: t, changed: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/v1/shape", s.handleShape)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *shapeServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.pushes = append(s.pushes, req)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *shapeServer) setRow(meta any) {
	s.mu.Lock()
	s.metadata = meta
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *shapeServer) handleShape(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.queries = append(s.queries, map[string]string{
		"table":  q.Get("table"),
		"where":  q.Get("where"),
		"offset": q.Get("offset"),
		"handle": q.Get("handle"),
		"live":   q.Get("live"),
	})
	fail := s.fail
	s.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set(HeaderHandle, "h-1")
	if q.Get("live") == "true" {
		select {
		case <-s.changed:
		case <-time.After(200 * time.Millisecond):
			w.Header().Set(HeaderOffset, q.Get("offset"))
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	meta := s.metadata
	s.mu.Unlock()

	var msgs []any
	if meta != nil {
		msgs = append(msgs, map[string]any{
			"key":     `"public"."content"/"42"`,
			"value":   map[string]any{"id": "42", "type": "note", "metadata": meta},
			"headers": map[string]string{"operation": "update"},
		})
	}
	msgs = append(msgs, map[string]any{"headers": map[string]string{"control": ControlUpToDate}})
	w.Header().Set(HeaderOffset, "1_0")
	json.NewEncoder(w).Encode(msgs)
}

func newTestRemote(t *testing.T, srv *httptest.Server) *Remote {
	t.Helper()
	r, err := New(Config{Name: "electric", APIURL: srv.URL, ShapeURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func recv(t *testing.T, s remote.Stream) remote.Message {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatalf("Stream ended: %v", s.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message")
		return remote.Message{}
	}
}

func TestNewRequiresURLs(t *testing.T) {
	if _, err := New(Config{Name: "x", ShapeURL: "http://s"}, nil); err == nil {
		t.Error("Expected error without apiUrl")
	}
	if _, err := New(Config{Name: "x", APIURL: "http://a"}, nil); err == nil {
		t.Error("Expected error without shapeUrl")
	}
}

func TestPushPayload(t *testing.T) {
	s, srv := newShapeServer(t)
	r := newTestRemote(t, srv)

	state := []byte{0x44, 0x53, 0x55, 0x31, 0x00}
	if err := r.Push(context.Background(), "notes-42", state, "client-1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pushes) != 1 {
		t.Fatalf("Expected 1 push, got %d", len(s.pushes))
	}
	got := s.pushes[0]
	if got.NoteID != "42" || got.ClientID != "client-1" || got.Type != "" {
		t.Errorf("Unexpected push body: %+v", got)
	}
	decoded, _ := base64.StdEncoding.DecodeString(got.YjsState)
	if string(decoded) != string(state) {
		t.Error("yjs_state should be the base64 state")
	}
}

func TestPushRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	r := newTestRemote(t, srv)

	if err := r.Push(context.Background(), "notes-1", []byte("x"), "c"); err == nil {
		t.Error("Expected error for 500 response")
	}
	if err := r.Push(context.Background(), "bogus", []byte("x"), "c"); err == nil {
		t.Error("Expected error for invalid document id")
	}
}

func TestSubscribeSnapshotAndLive(t *testing.T) {
	s, srv := newShapeServer(t)
	state := base64.StdEncoding.EncodeToString([]byte("state-v1"))
	// metadata stored as a JSON string
	s.setRow(`{"yjs_state":"` + state + `","client_id":"other"}`)
	<-s.changed

	r := newTestRemote(t, srv)
	stream, err := r.Subscribe(context.Background(), "notes-42")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	msg := recv(t, stream)
	if msg.Kind != remote.KindChange || string(msg.State) != "state-v1" || msg.ClientID != "other" || !msg.Snapshot {
		t.Errorf("Unexpected first message: %+v", msg)
	}
	if msg := recv(t, stream); msg.Kind != remote.KindUpToDate {
		t.Errorf("Expected up-to-date, got %+v", msg)
	}

	// metadata stored as an object
	s.setRow(map[string]any{"yjs_state": base64.StdEncoding.EncodeToString([]byte("state-v2")), "client_id": "third"})
	for {
		msg := recv(t, stream)
		if msg.Kind == remote.KindChange {
			if string(msg.State) != "state-v2" || msg.ClientID != "third" {
				t.Errorf("Unexpected live message: %+v", msg)
			}
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.queries[0]
	if first["table"] != "content" || first["offset"] != "-1" || first["live"] != "" {
		t.Errorf("Unexpected initial query: %v", first)
	}
	if first["where"] != "type='note' AND id='42'" {
		t.Errorf("Unexpected where clause: %q", first["where"])
	}
	second := s.queries[1]
	if second["live"] != "true" || second["handle"] != "h-1" || second["offset"] != "1_0" {
		t.Errorf("Unexpected live query: %v", second)
	}
}

func TestSubscribeInitialFailure(t *testing.T) {
	s, srv := newShapeServer(t)
	s.fail = true
	r := newTestRemote(t, srv)

	if _, err := r.Subscribe(context.Background(), "notes-42"); err == nil {
		t.Error("Expected initial subscribe error")
	}
}

func TestStreamEndsOnLiveFailure(t *testing.T) {
	s, srv := newShapeServer(t)
	r := newTestRemote(t, srv)

	stream, err := r.Subscribe(context.Background(), "wiki-7")
	if err != nil {
		t.Fatal(err)
	}
	if msg := recv(t, stream); msg.Kind != remote.KindUpToDate {
		t.Fatalf("Expected up-to-date, got %+v", msg)
	}

	s.mu.Lock()
	s.fail = true
	if s.queries[0]["where"] != "type='wiki' AND id='7'" {
		t.Errorf("Unexpected where clause: %q", s.queries[0]["where"])
	}
	s.mu.Unlock()

	select {
	case _, ok := <-stream.Messages():
		for ok {
			_, ok = <-stream.Messages()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream should end after a failed live request")
	}
	if stream.Err() == nil {
		t.Error("Expected stream error")
	}
}

func TestRowMetadata(t *testing.T) {
	tests := []struct {
		name    string
		row     map[string]any
		wantErr bool
	}{
		{"object", map[string]any{"metadata": map[string]any{"yjs_state": "AA==", "client_id": "c"}}, false},
		{"string", map[string]any{"metadata": `{"yjs_state":"AA==","client_id":"c"}`}, false},
		{"missing", map[string]any{"id": "1"}, true},
		{"bad string", map[string]any{"metadata": "{nope"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := RowMetadata(tt.row)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && meta.ClientID != "c" {
				t.Errorf("Unexpected metadata %+v", meta)
			}
		})
	}
}

func TestWhereClauseQuotes(t *testing.T) {
	if got := WhereClause("note", "o'brien"); got != "type='note' AND id='o''brien'" {
		t.Errorf("Unexpected clause %q", got)
	}
}
