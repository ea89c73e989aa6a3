package remote

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/imdevinc/docsync/internal/storage"
)

func createTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"), SettingsBucket)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewBase(t *testing.T) {
	b := NewBase("backend", "electric", nil)

	if b.Name() != "backend" {
		t.Errorf("Expected name 'backend', got '%s'", b.Name())
	}
	if b.Type() != "electric" {
		t.Errorf("Expected type 'electric', got '%s'", b.Type())
	}

	b.Close()
	select {
	case <-b.Context().Done():
	default:
		t.Error("Close should cancel the context")
	}
}

func TestBaseSettings(t *testing.T) {
	store := createTestStore(t)
	b := NewBase("couch", "couchdb", store)
	other := NewBase("couch2", "couchdb", store)

	if err := b.SetSetting("since", "42-abc"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	v, err := b.GetSetting("since")
	if err != nil || v != "42-abc" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
	if got := other.GetSettingWithDefault("since", "now"); got != "now" {
		t.Errorf("Settings should be namespaced per remote, got %q", got)
	}
}

func TestBaseWithoutStore(t *testing.T) {
	b := NewBase("x", "relay", nil)
	if err := b.SetSetting("k", "v"); !errors.Is(err, ErrNoStore) {
		t.Errorf("Expected ErrNoStore, got %v", err)
	}
	if got := b.GetSettingWithDefault("k", "d"); got != "d" {
		t.Errorf("Expected default, got %q", got)
	}
}

func TestChanStreamDelivers(t *testing.T) {
	s := NewChanStream(context.Background(), 0)
	boom := errors.New("connection reset")

	go func() {
		s.Send(Message{Kind: KindChange, State: []byte("a")})
		s.Send(Message{Kind: KindUpToDate})
		s.Finish(boom)
	}()

	var kinds []MessageKind
	for msg := range s.Messages() {
		kinds = append(kinds, msg.Kind)
	}
	if len(kinds) != 2 || kinds[1] != KindUpToDate {
		t.Errorf("Unexpected messages: %v", kinds)
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Expected producer error, got %v", s.Err())
	}
}

func TestChanStreamClose(t *testing.T) {
	s := NewChanStream(context.Background(), 0)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for s.Send(Message{Kind: KindChange}) {
		}
		s.Finish(s.Context().Err())
	}()

	<-s.Messages()
	s.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Producer did not stop after Close")
	}
	if s.Err() != nil {
		t.Errorf("Err after Close should be nil, got %v", s.Err())
	}
}
