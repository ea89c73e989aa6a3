package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

// collect records every update a document emits
func collect(d *Doc) *[][]byte {
	var updates [][]byte
	d.OnUpdate(func(ev UpdateEvent) {
		updates = append(updates, ev.Update)
	})
	return &updates
}

func TestSetGet(t *testing.T) {
	doc := New("client-a")
	m := doc.Map("meta")

	if err := m.Set("title", "Hello"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var title string
	ok, err := m.Get("title", &title)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if title != "Hello" {
		t.Errorf("Expected 'Hello', got '%s'", title)
	}

	if err := m.Delete("title"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if m.Has("title") {
		t.Error("Expected title to be deleted")
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty map, got %d keys", m.Len())
	}
}

func TestConvergenceAnyOrder(t *testing.T) {
	var updates [][]byte
	for i, client := range []string{"a", "b", "c"} {
		doc := New(client)
		for j := 0; j < 5; j++ {
			key := fmt.Sprintf("k%d", j%3)
			if err := doc.Map("m").Set(key, fmt.Sprintf("%s-%d-%d", client, i, j)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			updates = append(updates, doc.EncodeStateAsUpdate())
		}
		if err := doc.Map("m").Delete("k1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		updates = append(updates, doc.EncodeStateAsUpdate())
	}

	ref := New("observer-ref")
	for _, u := range updates {
		if err := ref.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
	}
	want := ref.EncodeStateAsUpdate()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([][]byte, 0, len(updates)*2)
		shuffled = append(shuffled, updates...)
		// duplicate a random subset
		for _, u := range updates {
			if rng.Intn(2) == 0 {
				shuffled = append(shuffled, u)
			}
		}
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		replica := New(fmt.Sprintf("observer-%d", trial))
		for _, u := range shuffled {
			if err := replica.ApplyUpdate(u, OriginRemote); err != nil {
				t.Fatalf("ApplyUpdate failed: %v", err)
			}
		}
		if got := replica.EncodeStateAsUpdate(); !bytes.Equal(got, want) {
			t.Fatalf("trial %d: replicas diverged", trial)
		}
	}
}

// Two replicas write the same key before ever syncing. Clocks tie, so the
// greater client id wins on both sides.
func TestOfflineConflictDeterministicWinner(t *testing.T) {
	a := New("replica-a")
	b := New("replica-b")

	if err := a.Map("doc").Set("title", "Hello"); err != nil {
		t.Fatal(err)
	}
	if err := b.Map("doc").Set("title", "World"); err != nil {
		t.Fatal(err)
	}

	stateA := a.EncodeStateAsUpdate()
	stateB := b.EncodeStateAsUpdate()

	if err := a.ApplyUpdate(stateB, OriginRemote); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(stateA, OriginRemote); err != nil {
		t.Fatal(err)
	}

	var titleA, titleB string
	a.Map("doc").Get("title", &titleA)
	b.Map("doc").Get("title", &titleB)

	if titleA != titleB {
		t.Fatalf("Replicas disagree: %q vs %q", titleA, titleB)
	}
	if titleA != "World" {
		t.Errorf("Expected replica-b's write to win the tie, got %q", titleA)
	}
	if !bytes.Equal(a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate()) {
		t.Error("Encoded states should be byte-identical after merge")
	}
}

func TestLaterClockWins(t *testing.T) {
	a := New("z-replica")
	b := New("a-replica")

	a.Map("doc").Set("title", "first")
	if err := b.ApplyUpdate(a.EncodeStateAsUpdate(), OriginRemote); err != nil {
		t.Fatal(err)
	}
	// b has seen a's clock, so its write is causally later despite the smaller id
	b.Map("doc").Set("title", "second")
	if err := a.ApplyUpdate(b.EncodeStateAsUpdate(), OriginRemote); err != nil {
		t.Fatal(err)
	}

	var title string
	a.Map("doc").Get("title", &title)
	if title != "second" {
		t.Errorf("Expected causally later write to win, got %q", title)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	src := New("src")
	src.Map("m").Set("k", 1)
	update := src.EncodeStateAsUpdate()

	dst := New("dst")
	updates := collect(dst)

	for i := 0; i < 3; i++ {
		if err := dst.ApplyUpdate(update, OriginRemote); err != nil {
			t.Fatal(err)
		}
	}
	if len(*updates) != 1 {
		t.Errorf("Expected exactly one update event, got %d", len(*updates))
	}
}

func TestUpdateEventOrigin(t *testing.T) {
	doc := New("c")
	var origins []Origin
	doc.OnUpdate(func(ev UpdateEvent) { origins = append(origins, ev.Origin) })

	doc.Map("m").Set("a", 1)
	other := New("d")
	other.Map("m").Set("b", 2)
	doc.ApplyUpdate(other.EncodeStateAsUpdate(), OriginRemote)

	want := []Origin{OriginLocal, OriginRemote}
	if !reflect.DeepEqual(origins, want) {
		t.Errorf("origins = %v, want %v", origins, want)
	}
}

func TestTransactEmitsOnce(t *testing.T) {
	doc := New("c")
	updates := collect(doc)

	err := doc.Transact(OriginLocal, func(tx *Tx) error {
		m := tx.Map("files")
		for i := 0; i < 10; i++ {
			if err := m.Set(fmt.Sprintf("f%d", i), i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if len(*updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(*updates))
	}

	replica := New("r")
	if err := replica.ApplyUpdate((*updates)[0], OriginRemote); err != nil {
		t.Fatal(err)
	}
	if replica.Map("files").Len() != 10 {
		t.Errorf("Expected 10 files on replica, got %d", replica.Map("files").Len())
	}
}

func TestObserve(t *testing.T) {
	doc := New("c")
	var events []MapEvent
	sub := doc.Map("files").Observe(func(ev MapEvent) { events = append(events, ev) })

	doc.Map("files").Set("b", 1)
	doc.Map("other").Set("x", 1)
	doc.Map("files").Set("a", 2)

	if len(events) != 2 {
		t.Fatalf("Expected 2 events for files map, got %d", len(events))
	}
	if events[1].Keys[0] != "a" || events[1].Origin != OriginLocal {
		t.Errorf("Unexpected event: %+v", events[1])
	}

	sub.Off()
	doc.Map("files").Set("c", 3)
	if len(events) != 2 {
		t.Error("Expected no events after Off")
	}
}

func TestText(t *testing.T) {
	doc := New("c")
	text := doc.Text("body")
	if text.String() != "" {
		t.Error("Expected empty text")
	}
	text.Set("hello")

	replica := New("r")
	replica.ApplyUpdate(doc.EncodeStateAsUpdate(), OriginRemote)
	if got := replica.Text("body").String(); got != "hello" {
		t.Errorf("Expected 'hello', got %q", got)
	}
	if replica.Map("body").Len() != 0 {
		t.Error("Text storage should not collide with a map of the same name")
	}
}

func TestDeleteReplicates(t *testing.T) {
	a := New("a")
	a.Map("m").Set("k", "v")
	b := New("b")
	b.ApplyUpdate(a.EncodeStateAsUpdate(), OriginRemote)

	a.Map("m").Delete("k")
	b.ApplyUpdate(a.EncodeStateAsUpdate(), OriginRemote)

	if b.Map("m").Has("k") {
		t.Error("Expected delete to replicate")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	doc := New("c")
	updates := collect(doc)

	doc.Destroy()
	doc.Destroy()

	if !doc.Destroyed() {
		t.Error("Expected doc to report destroyed")
	}
	if err := doc.Map("m").Set("k", 1); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Expected ErrDestroyed from Set, got %v", err)
	}
	other := New("o")
	other.Map("m").Set("k", 1)
	if err := doc.ApplyUpdate(other.EncodeStateAsUpdate(), OriginRemote); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Expected ErrDestroyed from ApplyUpdate, got %v", err)
	}
	if len(*updates) != 0 {
		t.Error("Destroyed doc should not emit")
	}
}

func TestMalformedUpdates(t *testing.T) {
	doc := New("c")
	doc.Map("m").Set("k", "value")
	good := doc.EncodeStateAsUpdate()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("XXXX")},
		{"truncated", good[:len(good)-2]},
		{"trailing", append(append([]byte{}, good...), 0x01)},
		{"huge count", append([]byte("DSU1"), 0xff, 0xff, 0xff, 0x0f)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := New("t")
			if err := target.ApplyUpdate(tt.data, OriginRemote); !errors.Is(err, ErrMalformedUpdate) {
				t.Errorf("Expected ErrMalformedUpdate, got %v", err)
			}
		})
	}

	if err := ValidateUpdate(good); err != nil {
		t.Errorf("ValidateUpdate rejected a good update: %v", err)
	}
}

func TestMergeUpdates(t *testing.T) {
	a := New("a")
	a.Map("m").Set("x", 1)
	b := New("b")
	b.Map("m").Set("y", 2)
	b.Map("m").Set("x", 3)

	merged, err := MergeUpdates(a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate(), a.EncodeStateAsUpdate())
	if err != nil {
		t.Fatalf("MergeUpdates failed: %v", err)
	}

	direct := New("direct")
	direct.ApplyUpdate(a.EncodeStateAsUpdate(), OriginRemote)
	direct.ApplyUpdate(b.EncodeStateAsUpdate(), OriginRemote)

	if !bytes.Equal(merged, direct.EncodeStateAsUpdate()) {
		t.Error("MergeUpdates should equal applying every update")
	}

	if _, err := MergeUpdates([]byte("junk")); !errors.Is(err, ErrMalformedUpdate) {
		t.Errorf("Expected ErrMalformedUpdate, got %v", err)
	}
}

func TestEmptyDocEncodesDeterministically(t *testing.T) {
	if !bytes.Equal(New("a").EncodeStateAsUpdate(), New("b").EncodeStateAsUpdate()) {
		t.Error("Empty documents should encode identically")
	}
}
