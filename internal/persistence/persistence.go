// Package persistence keeps a durable on-device copy of a document.
//
// On construction the last stored state is loaded into the live document,
// so a replica opens with its previous content before any network
// connection completes. Afterwards each update is appended to a log and
// the log is periodically folded into a single snapshot.
package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/events"
	"github.com/imdevinc/docsync/internal/storage"
)

const (
	SnapshotBucket = "snapshots"
	UpdatesBucket  = "updates"

	// DefaultCompactThreshold is the number of logged updates that triggers compaction
	DefaultCompactThreshold = 500
)

// Buckets lists every bucket the adapter writes to
var Buckets = []string{SnapshotBucket, UpdatesBucket}

// Options tunes a Persistence
type Options struct {
	CompactThreshold int
	Logger           *slog.Logger
}

// Persistence binds one document to the local store
type Persistence struct {
	store     *storage.Store
	docID     string
	doc       *crdt.Doc
	logger    *slog.Logger
	threshold int

	mu        sync.Mutex
	seq       uint64
	pending   int
	destroyed bool

	sub    *events.Subscription
	synced chan struct{}
}

// New loads the stored state for docID into doc and starts persisting its
// updates. Storage failures are logged and the document starts empty.
func New(store *storage.Store, docID string, doc *crdt.Doc, opts Options) *Persistence {
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Persistence{
		store:     store,
		docID:     docID,
		doc:       doc,
		logger:    opts.Logger.With("component", "persistence", "document", docID),
		threshold: opts.CompactThreshold,
		synced:    make(chan struct{}),
	}

	p.load()
	p.sub = doc.OnUpdate(p.handleUpdate)
	close(p.synced)

	return p
}

// WhenSynced is closed once the initial load has finished
func (p *Persistence) WhenSynced() <-chan struct{} {
	return p.synced
}

// PendingUpdates returns the number of logged updates not yet compacted
func (p *Persistence) PendingUpdates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// updatePrefix is length prefixed so no id's prefix matches another id
// that starts with it, e.g. "notes-1" and "notes-1/x".
func updatePrefix(docID string) string {
	return strconv.Itoa(len(docID)) + ":" + docID + "/"
}

func updateKey(docID string, seq uint64) string {
	// zero padded so byte order equals numeric order
	return fmt.Sprintf("%s%020d", updatePrefix(docID), seq)
}

func (p *Persistence) load() {
	snapshot, err := p.store.Get(SnapshotBucket, p.docID)
	switch {
	case err == nil:
		if err := p.doc.ApplyUpdate(snapshot, crdt.OriginPersistence); err != nil {
			p.logger.Warn("Discarding unreadable snapshot", "error", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		p.logger.Warn("Failed to read snapshot, starting cold", "error", err)
		return
	}

	var applied, skipped int
	err = p.store.IteratePrefix(UpdatesBucket, updatePrefix(p.docID), func(key string, value []byte) error {
		if seq, err := strconv.ParseUint(strings.TrimPrefix(key, updatePrefix(p.docID)), 10, 64); err == nil && seq >= p.seq {
			p.seq = seq + 1
		}
		if err := p.doc.ApplyUpdate(value, crdt.OriginPersistence); err != nil {
			skipped++
			return nil
		}
		applied++
		return nil
	})
	if err != nil {
		p.logger.Warn("Failed to read update log, starting cold", "error", err)
		return
	}
	p.pending = applied + skipped

	if skipped > 0 {
		p.logger.Warn("Skipped unreadable updates", "count", skipped)
	}
	p.logger.Debug("Loaded local state", "updates", applied)
}

func (p *Persistence) handleUpdate(ev crdt.UpdateEvent) {
	if ev.Origin == crdt.OriginPersistence {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}

	if err := p.store.Put(UpdatesBucket, updateKey(p.docID, p.seq), ev.Update); err != nil {
		p.logger.Error("Failed to persist update", "error", err)
		return
	}
	p.seq++
	p.pending++

	if p.pending > p.threshold {
		if err := p.compactLocked(); err != nil {
			p.logger.Error("Compaction failed", "error", err)
		}
	}
}

// Compact folds the update log into a single snapshot
func (p *Persistence) Compact() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compactLocked()
}

func (p *Persistence) compactLocked() error {
	// The state already contains every logged update, including any whose
	// handler is still waiting on p.mu.
	state := p.doc.EncodeStateAsUpdate()
	err := p.store.Update(func(tx *storage.Tx) error {
		if err := tx.Put(SnapshotBucket, p.docID, state); err != nil {
			return err
		}
		_, err := tx.DeletePrefix(UpdatesBucket, updatePrefix(p.docID))
		return err
	})
	if err != nil {
		return fmt.Errorf("compact %s: %w", p.docID, err)
	}
	p.logger.Debug("Compacted update log", "updates", p.pending, "bytes", len(state))
	p.pending = 0
	return nil
}

// Destroy stops persisting, writes a final snapshot and is safe to call more than once.
// The store itself is owned by the caller and stays open.
func (p *Persistence) Destroy() {
	p.sub.Off()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true

	if err := p.compactLocked(); err != nil {
		p.logger.Error("Final flush failed", "error", err)
	}
}

// ClearDocument removes everything stored for docID
func ClearDocument(store *storage.Store, docID string) error {
	return store.Update(func(tx *storage.Tx) error {
		if err := tx.Delete(SnapshotBucket, docID); err != nil {
			return err
		}
		_, err := tx.DeletePrefix(UpdatesBucket, updatePrefix(docID))
		return err
	})
}
