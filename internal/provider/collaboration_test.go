package provider

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/remote"
	"github.com/imdevinc/docsync/internal/util"
)

func TestCollaborationConnectDisconnect(t *testing.T) {
	f := newFakeRemote()
	c := NewCollaboration(Options{Doc: crdt.New("c"), Remote: f, DocumentID: "wiki-1"})
	t.Cleanup(c.Disconnect)

	if c.Awareness() == nil {
		t.Fatal("Awareness should always be available")
	}
	if c.Status() != StatusOffline {
		t.Errorf("Expected offline before connect, got %s", c.Status())
	}

	var mu sync.Mutex
	var statuses []Status
	c.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}
	s := nextStream(t, f)
	s.Send(remote.Message{Kind: remote.KindUpToDate})
	waitFor(t, "synced", func() bool { return c.Status() == StatusSynced })

	c.Disconnect()
	c.Disconnect()
	if c.Provider() != nil {
		t.Error("Provider should be released on disconnect")
	}

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	s2 := nextStream(t, f)
	s2.Send(remote.Message{Kind: remote.KindUpToDate})
	waitFor(t, "resynced", func() bool { return c.Status() == StatusSynced })

	if n := f.subscribeCount(); n != 2 {
		t.Errorf("Expected one subscription per connect, got %d", n)
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusSynced, StatusOffline, StatusSynced}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestCollaborationDisconnectOnError(t *testing.T) {
	f := newFakeRemote()
	c := NewCollaboration(Options{
		Doc:        crdt.New("c"),
		Remote:     f,
		DocumentID: "wiki-1",
		Reconnect:  util.RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2},
	})
	t.Cleanup(c.Disconnect)

	done := make(chan struct{})
	var once sync.Once
	c.OnConnectionError(func(error) {
		c.Disconnect()
		once.Do(func() { close(done) })
	})
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	s := nextStream(t, f)
	s.Send(remote.Message{Kind: remote.KindUpToDate})
	waitFor(t, "synced", func() bool { return c.Status() == StatusSynced })
	s.Finish(errors.New("connection reset"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect from a connection-error handler did not return")
	}
	if c.Provider() != nil || c.Status() != StatusOffline {
		t.Errorf("Expected disconnected collaboration, status %s", c.Status())
	}
}
