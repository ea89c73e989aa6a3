// Package couch synchronizes documents through CouchDB. Each document is
// stored as one CouchDB document holding its latest full state; changes
// arrive over the continuous changes feed filtered to that document.
package couch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/remote"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
	"github.com/imdevinc/docsync/pkg/couchdb"
)

const (
	TypeName = "couchdb"

	// DocPrefix namespaces content documents in the database
	DocPrefix = "content:"

	heartbeat = 30 * time.Second
)

// Config holds configuration for a CouchDB remote
type Config struct {
	Name           string
	URL            string
	Username       string
	Password       string
	Database       string
	Timeout        time.Duration
	CreateDatabase bool
}

// SyncMetadata mirrors the metadata column of a content row
type SyncMetadata struct {
	YjsState string `json:"yjs_state"`
	ClientID string `json:"client_id"`
}

// ContentDoc is the CouchDB form of a content row
type ContentDoc struct {
	ID        string       `json:"_id"`
	Rev       string       `json:"_rev,omitempty"`
	Type      string       `json:"type"`
	Metadata  SyncMetadata `json:"metadata"`
	UpdatedAt int64        `json:"updated_at"`
}

// database is the subset of *couchdb.Client the remote needs
type database interface {
	Get(ctx context.Context, id string, out any) error
	Put(ctx context.Context, id string, doc any) (string, error)
	Changes(ctx context.Context, opts couchdb.ChangesOptions) (<-chan couchdb.Change, <-chan error)
	Close() error
}

// Remote implements remote.Remote against a CouchDB database
type Remote struct {
	*remote.Base
	db database

	isConflict func(error) bool
	isNotFound func(error) bool
}

// New connects to CouchDB and creates a remote
func New(ctx context.Context, cfg Config, store *storage.Store) (*Remote, error) {
	client, err := couchdb.NewClient(ctx, couchdb.Config{
		URL:            cfg.URL,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Database:       cfg.Database,
		Timeout:        cfg.Timeout,
		CreateDatabase: cfg.CreateDatabase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}
	return newRemote(cfg.Name, client, store), nil
}

func newRemote(name string, db database, store *storage.Store) *Remote {
	return &Remote{
		Base:       remote.NewBase(name, TypeName, store),
		db:         db,
		isConflict: couchdb.IsConflict,
		isNotFound: couchdb.IsNotFound,
	}
}

// DocID returns the CouchDB document id for a document
func DocID(documentID string) string {
	return DocPrefix + documentID
}

// Close stops every stream and closes the client
func (r *Remote) Close() error {
	r.Base.Close()
	return r.db.Close()
}

// Push implements remote.Remote. Revision conflicts are retried; when the
// stored state came from another replica it is merged in first.
func (r *Remote) Push(ctx context.Context, documentID string, state []byte, clientID string) error {
	kind, _, err := util.ParseDocumentID(documentID)
	if err != nil {
		return err
	}
	id := DocID(documentID)

	err = util.Retry(ctx, util.QuickRetryConfig(), func(ctx context.Context) error {
		doc := ContentDoc{ID: id, Type: util.RowType(kind)}
		var existing ContentDoc
		if err := r.db.Get(ctx, id, &existing); err == nil {
			doc.Rev = existing.Rev
		} else if !r.isNotFound(err) {
			return err
		}

		payload, author := r.mergeStored(documentID, existing.Metadata, state, clientID)
		doc.Metadata = SyncMetadata{
			YjsState: base64.StdEncoding.EncodeToString(payload),
			ClientID: author,
		}
		doc.UpdatedAt = time.Now().UnixMilli()

		_, err := r.db.Put(ctx, id, doc)
		return err
	}, r.isConflict)
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", documentID, err)
	}

	r.LogSend("Pushed state", "document", documentID, "bytes", len(state))
	return nil
}

// mergeStored folds a state stored by another replica into ours. A merged
// payload is written without an author so every replica, us included,
// applies it.
func (r *Remote) mergeStored(documentID string, stored SyncMetadata, state []byte, clientID string) ([]byte, string) {
	if stored.YjsState == "" || stored.ClientID == clientID {
		return state, clientID
	}
	prev, err := base64.StdEncoding.DecodeString(stored.YjsState)
	if err != nil {
		return state, clientID
	}
	merged, err := crdt.MergeUpdates(prev, state)
	if err != nil {
		// opaque payloads (sealed state) are overwritten
		r.LogDebug("Stored state not mergeable, overwriting", "document", documentID, "error", err)
		return state, clientID
	}
	if bytes.Equal(merged, state) {
		return state, clientID
	}
	r.LogInfo("Merged concurrent state before push", "document", documentID, "other", stored.ClientID)
	return merged, ""
}

// Subscribe implements remote.Remote. The current document is read before
// Subscribe returns; the changes feed is followed afterwards.
func (r *Remote) Subscribe(ctx context.Context, documentID string) (remote.Stream, error) {
	if _, _, err := util.ParseDocumentID(documentID); err != nil {
		return nil, err
	}
	id := DocID(documentID)

	var initial []remote.Message
	var current ContentDoc
	if err := r.db.Get(ctx, id, &current); err == nil {
		if msg, ok := r.toMessage(documentID, &current); ok {
			initial = append(initial, msg)
		}
	} else if !r.isNotFound(err) {
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	initial = append(initial, remote.Message{Kind: remote.KindUpToDate})

	stream := remote.NewChanStream(ctx, 16)
	go r.watchChanges(stream, documentID, initial)
	return stream, nil
}

func (r *Remote) sinceKey(documentID string) string {
	return "since-" + documentID
}

func (r *Remote) watchChanges(stream *remote.ChanStream, documentID string, initial []remote.Message) {
	ctx := stream.Context()
	for _, msg := range initial {
		if !stream.Send(msg) {
			stream.Finish(nil)
			return
		}
	}

	since := r.GetSettingWithDefault(r.sinceKey(documentID), "now")
	r.LogDebug("Watching changes", "document", documentID, "since", since)

	changes, errs := r.db.Changes(ctx, couchdb.ChangesOptions{
		Since:       since,
		IncludeDocs: true,
		Continuous:  true,
		Heartbeat:   heartbeat,
		DocIDs:      []string{DocID(documentID)},
	})

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				// any feed error is sent before changes is closed
				err := <-errs
				if err == nil && ctx.Err() == nil {
					err = fmt.Errorf("changes feed for %s closed", documentID)
				}
				stream.Finish(err)
				return
			}

			_ = r.SetSetting(r.sinceKey(documentID), change.Seq)

			if change.Deleted || change.Doc == nil {
				r.LogDebug("Ignoring deleted document", "document", documentID, "seq", change.Seq)
				continue
			}
			doc, err := decodeDoc(change.Doc)
			if err != nil {
				r.LogDebug("Failed to parse change", "document", documentID, "error", err)
				continue
			}
			msg, ok := r.toMessage(documentID, doc)
			if !ok {
				continue
			}
			if !stream.Send(msg) {
				stream.Finish(nil)
				return
			}

		case <-ctx.Done():
			stream.Finish(nil)
			return
		}
	}
}

func (r *Remote) toMessage(documentID string, doc *ContentDoc) (remote.Message, bool) {
	if doc.Metadata.YjsState == "" {
		return remote.Message{}, false
	}
	state, err := base64.StdEncoding.DecodeString(doc.Metadata.YjsState)
	if err != nil || len(state) == 0 {
		r.LogWarn("Skipping document with unreadable state", "document", documentID, "rev", doc.Rev)
		return remote.Message{}, false
	}
	r.LogReceive("Received change", "document", documentID, "rev", doc.Rev, "bytes", len(state), "client", doc.Metadata.ClientID)
	return remote.Message{Kind: remote.KindChange, State: state, ClientID: doc.Metadata.ClientID, Snapshot: true}, true
}

func decodeDoc(raw map[string]any) (*ContentDoc, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc ContentDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
