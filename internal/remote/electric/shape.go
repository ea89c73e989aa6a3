package electric

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Shape protocol headers and control values
const (
	HeaderHandle = "electric-handle"
	HeaderOffset = "electric-offset"
	HeaderCursor = "electric-cursor"

	ControlUpToDate    = "up-to-date"
	ControlMustRefetch = "must-refetch"

	OffsetInitial = "-1"
)

// ShapeMessage is one element of a shape log response
type ShapeMessage struct {
	Key     string            `json:"key,omitempty"`
	Value   map[string]any    `json:"value,omitempty"`
	Headers map[string]string `json:"headers"`
}

// Operation returns insert, update or delete for row messages
func (m ShapeMessage) Operation() string {
	return m.Headers["operation"]
}

// Control returns the control value of control messages
func (m ShapeMessage) Control() string {
	return m.Headers["control"]
}

// SyncMetadata is the payload stored in a content row's metadata column
type SyncMetadata struct {
	YjsState string `json:"yjs_state"`
	ClientID string `json:"client_id"`
}

// PushRequest is the body of POST {api}/sync
type PushRequest struct {
	NoteID   string `json:"note_id"`
	YjsState string `json:"yjs_state"`
	ClientID string `json:"client_id"`
	Type     string `json:"type,omitempty"`
}

// DecodeState returns the encoded document state carried by the request
func (r PushRequest) DecodeState() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.YjsState)
}

// RowMetadata extracts the sync metadata of a row. The column arrives as
// a JSON object or as a string holding JSON, depending on the source.
func RowMetadata(row map[string]any) (*SyncMetadata, error) {
	raw, ok := row["metadata"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("row has no metadata")
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	var meta SyncMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// State decodes the base64 document state
func (m *SyncMetadata) State() ([]byte, error) {
	if m.YjsState == "" {
		return nil, nil
	}
	state, err := base64.StdEncoding.DecodeString(m.YjsState)
	if err != nil {
		return nil, fmt.Errorf("decode yjs_state: %w", err)
	}
	return state, nil
}

// WhereClause builds the shape filter for one content row
func WhereClause(rowType, id string) string {
	return fmt.Sprintf("type='%s' AND id='%s'", quote(rowType), quote(id))
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
