// Package content stores the latest synchronized state of each content
// row and publishes row changes to shape stream readers.
package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for rows that do not exist
var ErrNotFound = errors.New("content row not found")

// Row is one content row carrying a document state in its metadata
type Row struct {
	ID        string
	Type      string
	State     []byte
	ClientID  string
	UpdatedAt time.Time
}

// Key identifies a row in a shape log
func (r Row) Key() string {
	return RowKey(r.Type, r.ID)
}

// RowKey joins a row type and id
func RowKey(rowType, id string) string {
	return rowType + "/" + id
}

// Metadata is the JSON metadata column
type Metadata struct {
	YjsState string `json:"yjs_state"`
	ClientID string `json:"client_id"`
}

// Metadata returns the row's metadata column
func (r Row) Metadata() Metadata {
	return Metadata{
		YjsState: base64.StdEncoding.EncodeToString(r.State),
		ClientID: r.ClientID,
	}
}

// Value returns the row as a shape stream value
func (r Row) Value() map[string]any {
	meta := r.Metadata()
	return map[string]any{
		"id":   r.ID,
		"type": r.Type,
		"metadata": map[string]any{
			"yjs_state": meta.YjsState,
			"client_id": meta.ClientID,
		},
		"updated_at": r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func rowFromMetadata(id, rowType string, meta Metadata, updated time.Time) (Row, error) {
	state, err := base64.StdEncoding.DecodeString(meta.YjsState)
	if err != nil {
		return Row{}, fmt.Errorf("row %s: decode yjs_state: %w", id, err)
	}
	return Row{ID: id, Type: rowType, State: state, ClientID: meta.ClientID, UpdatedAt: updated}, nil
}

// Store persists content rows
type Store interface {
	// UpsertState replaces the state of a row, creating it if needed
	UpsertState(ctx context.Context, rowType, id string, state []byte, clientID string) (Row, error)
	// Get returns a row or ErrNotFound
	Get(ctx context.Context, rowType, id string) (Row, error)
	Close() error
}
