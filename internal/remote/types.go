package remote

import (
	"context"
)

// MessageKind distinguishes the messages of a subscription
type MessageKind string

const (
	// KindChange carries an encoded document state or delta
	KindChange MessageKind = "change"
	// KindUpToDate signals the stream caught up with the present
	KindUpToDate MessageKind = "up-to-date"
	// KindAwareness carries an encoded awareness update
	KindAwareness MessageKind = "awareness"
)

// Message is one item received from a remote subscription
type Message struct {
	Kind     MessageKind
	State    []byte // encoded update for KindChange and KindAwareness
	ClientID string // replica that produced State, empty if unknown

	// Snapshot marks a KindChange whose State is everything the remote
	// stores for the document, not a delta
	Snapshot bool
}

// Stream is an open subscription to one document.
// Messages is closed when the stream ends; Err then reports why
// (nil when ended by Close).
type Stream interface {
	Messages() <-chan Message
	Err() error
	Close() error
}

// Remote is a durable backend or relay a document is synchronized with
type Remote interface {
	// Name returns the configured name of the remote
	Name() string

	// Type returns the remote type ("electric", "couchdb" or "relay")
	Type() string

	// Push stores the whole encoded state of a document
	Push(ctx context.Context, documentID string, state []byte, clientID string) error

	// Subscribe opens a change stream filtered to one document
	Subscribe(ctx context.Context, documentID string) (Stream, error)

	// Close releases the remote's connections
	Close() error
}

// AwarenessRemote is implemented by remotes that also carry awareness
type AwarenessRemote interface {
	Remote

	// SendAwareness broadcasts an encoded awareness update to the document's peers
	SendAwareness(ctx context.Context, documentID string, update []byte, clientID string) error
}
