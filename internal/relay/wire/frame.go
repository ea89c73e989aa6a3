// Package wire defines the JSON frames exchanged with the WebSocket relay.
package wire

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Type discriminates relay frames
type Type string

const (
	// TypeSync carries the room's full state, sent once after joining
	TypeSync Type = "sync"
	// TypeUpdate carries a replica's state or delta
	TypeUpdate Type = "update"
	// TypeSynced marks the end of the initial sync
	TypeSynced Type = "synced"
	// TypeAwareness carries an encoded awareness update
	TypeAwareness Type = "awareness"
)

// Connection tuning shared by both ends
const (
	WriteTimeout = 10 * time.Second
	PongWait     = 60 * time.Second
	PingPeriod   = (PongWait * 9) / 10
	MaxFrameSize = 32 << 20
)

// Frame is one relay message. State is base64 in JSON.
type Frame struct {
	Type     Type   `json:"type"`
	State    []byte `json:"state,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Encode marshals a frame
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode unmarshals and validates a frame
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	switch f.Type {
	case TypeSync, TypeUpdate, TypeSynced, TypeAwareness:
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// Path returns the relay endpoint path of a document
func Path(documentID string) string {
	return "/ws/" + url.PathEscape(documentID)
}
