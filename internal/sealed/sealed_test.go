package sealed

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imdevinc/docsync/internal/remote"
)

type memRemote struct {
	typ    string
	mu     sync.Mutex
	pushes [][]byte
	stream *remote.ChanStream
}

func (m *memRemote) Name() string { return "mem" }
func (m *memRemote) Type() string { return m.typ }
func (m *memRemote) Close() error { return nil }
func (m *memRemote) Push(ctx context.Context, documentID string, state []byte, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, state)
	return nil
}
func (m *memRemote) Subscribe(ctx context.Context, documentID string) (remote.Stream, error) {
	m.stream = remote.NewChanStream(ctx, 4)
	return m.stream, nil
}

func newSealed(t *testing.T, passphrase string, compress bool) (*Remote, *memRemote) {
	t.Helper()
	inner := &memRemote{typ: "electric"}
	r, err := Wrap(inner, Options{Passphrase: passphrase, Compress: compress})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	return r, inner
}

func TestDeriveKey(t *testing.T) {
	key1 := DeriveKey("test-password", "test-salt")
	key2 := DeriveKey("test-password", "test-salt")

	if len(key1) != KeySize {
		t.Errorf("Expected key size %d, got %d", KeySize, len(key1))
	}
	if !bytes.Equal(key1, key2) {
		t.Error("Same passphrase and salt should produce same key")
	}
	if bytes.Equal(key1, DeriveKey("test-password", "different-salt")) {
		t.Error("Different salt should produce different key")
	}
}

func TestSealOpen(t *testing.T) {
	r, _ := newSealed(t, "secret", true)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("Hello, this is test data for encryption!")},
		{"compressible", bytes.Repeat([]byte("Repeat. "), 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := r.Seal(tt.data)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if len(tt.data) > 0 && bytes.Contains(sealed, tt.data) {
				t.Error("Sealed data should not contain plaintext")
			}
			opened, err := r.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, tt.data) {
				t.Error("Opened data doesn't match original")
			}
		})
	}

	big := bytes.Repeat([]byte("Repeat. "), 1000)
	sealed, _ := r.Seal(big)
	if len(sealed) >= len(big) {
		t.Errorf("Expected compression, sealed %d bytes from %d", len(sealed), len(big))
	}
}

func TestOpenRejects(t *testing.T) {
	r, _ := newSealed(t, "secret", false)
	other, _ := newSealed(t, "other", false)

	sealed, _ := r.Seal([]byte("payload"))

	if _, err := other.Open(sealed); err == nil {
		t.Error("Wrong key should fail")
	}

	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := r.Open(tampered); err == nil {
		t.Error("Tampered ciphertext should fail")
	}

	flipped := append([]byte{}, sealed...)
	flipped[len(magic)] ^= flagGzip
	if _, err := r.Open(flipped); err == nil {
		t.Error("Tampered header should fail")
	}

	if _, err := r.Open([]byte("DSU1 plain state")); !errors.Is(err, ErrNotSealed) {
		t.Errorf("Expected ErrNotSealed, got %v", err)
	}
}

func TestWrapValidation(t *testing.T) {
	if _, err := Wrap(&memRemote{typ: "relay"}, Options{Passphrase: "x"}); !errors.Is(err, ErrRelayUnsupported) {
		t.Errorf("Expected ErrRelayUnsupported, got %v", err)
	}
	if _, err := Wrap(&memRemote{typ: "couchdb"}, Options{}); err == nil {
		t.Error("Expected error without passphrase")
	}
}

func TestPushAndSubscribe(t *testing.T) {
	r, inner := newSealed(t, "secret", false)
	ctx := context.Background()

	if err := r.Push(ctx, "notes-1", []byte("state"), "a"); err != nil {
		t.Fatal(err)
	}
	inner.mu.Lock()
	pushed := inner.pushes[0]
	inner.mu.Unlock()
	if bytes.Equal(pushed, []byte("state")) {
		t.Fatal("Pushed state should be sealed")
	}

	stream, err := r.Subscribe(ctx, "notes-1")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	inner.stream.Send(remote.Message{Kind: remote.KindChange, State: []byte("garbage"), ClientID: "x"})
	inner.stream.Send(remote.Message{Kind: remote.KindChange, State: pushed, ClientID: "b"})
	inner.stream.Send(remote.Message{Kind: remote.KindUpToDate})

	next := func() remote.Message {
		select {
		case msg := <-stream.Messages():
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out")
			return remote.Message{}
		}
	}
	if msg := next(); string(msg.State) != "state" || msg.ClientID != "b" {
		t.Errorf("Expected opened state, got %+v", msg)
	}
	if msg := next(); msg.Kind != remote.KindUpToDate {
		t.Errorf("Expected up-to-date, got %+v", msg)
	}

	inner.stream.Finish(errors.New("gone"))
	for range stream.Messages() {
	}
	if stream.Err() == nil || stream.Err().Error() != "gone" {
		t.Errorf("Inner error should propagate, got %v", stream.Err())
	}
}
