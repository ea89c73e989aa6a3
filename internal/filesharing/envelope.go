package filesharing

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates transfer messages
type EnvelopeType string

const (
	TypeFileStart    EnvelopeType = "file-start"
	TypeFileChunk    EnvelopeType = "file-chunk"
	TypeFileEnd      EnvelopeType = "file-end"
	TypeFileError    EnvelopeType = "file-error"
	TypeFileProgress EnvelopeType = "file-progress"
)

// Envelope is one message on a transfer channel. Fields not used by a
// type are left empty.
type Envelope struct {
	Type        EnvelopeType `json:"type"`
	RequestID   string       `json:"request_id"`
	Name        string       `json:"name,omitempty"`
	Size        int64        `json:"size,omitempty"`
	Hash        string       `json:"hash,omitempty"`
	TotalChunks int          `json:"total_chunks,omitempty"`
	Index       int          `json:"index"`
	Data        []byte       `json:"data,omitempty"`
	Error       string       `json:"error,omitempty"`
	Progress    float64      `json:"progress,omitempty"`
	Speed       float64      `json:"speed,omitempty"` // bytes per second
}

// FileStart announces a file about to be streamed
func FileStart(requestID string, f SharedFile, totalChunks int) Envelope {
	return Envelope{Type: TypeFileStart, RequestID: requestID, Name: f.Name, Size: f.Size, Hash: f.Hash, TotalChunks: totalChunks}
}

// FileChunk carries one chunk
func FileChunk(requestID string, c Chunk) Envelope {
	return Envelope{Type: TypeFileChunk, RequestID: requestID, Index: c.Index, Data: c.Data}
}

// FileEnd marks the last chunk sent
func FileEnd(requestID, hash string) Envelope {
	return Envelope{Type: TypeFileEnd, RequestID: requestID, Hash: hash}
}

// FileError aborts a transfer
func FileError(requestID string, err error) Envelope {
	return Envelope{Type: TypeFileError, RequestID: requestID, Error: err.Error()}
}

// FileProgress reports sender progress
func FileProgress(requestID string, progress, speed float64) Envelope {
	return Envelope{Type: TypeFileProgress, RequestID: requestID, Progress: progress, Speed: speed}
}

// Validate checks the fields each envelope type requires
func (e Envelope) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("%s envelope without request_id", e.Type)
	}
	switch e.Type {
	case TypeFileStart:
		if e.Hash == "" || e.Size < 0 || e.TotalChunks < 0 {
			return fmt.Errorf("file-start envelope missing metadata")
		}
	case TypeFileChunk:
		if e.Index < 0 {
			return fmt.Errorf("file-chunk envelope with negative index")
		}
	case TypeFileEnd, TypeFileError, TypeFileProgress:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// EncodeEnvelope marshals an envelope to JSON
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope unmarshals and validates an envelope
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
