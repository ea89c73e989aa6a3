package filesharing

import (
	"sort"

	"github.com/imdevinc/docsync/internal/awareness"
)

// PresenceRecord is the typed form of a peer's awareness record
type PresenceRecord struct {
	UserID         string   `json:"user_id"`
	UserName       string   `json:"user_name,omitempty"`
	Color          string   `json:"color,omitempty"`
	AvailableFiles []string `json:"available_files,omitempty"`
	ServingFiles   []string `json:"serving_files,omitempty"`
	ClientReady    bool     `json:"client_ready"`
	CurrentAction  string   `json:"current_action,omitempty"`
	TransferTarget string   `json:"transfer_target,omitempty"`

	// Endpoint is the websocket base URL the peer accepts transfers on
	Endpoint string `json:"endpoint,omitempty"`
}

// Offers reports whether the peer is ready and lists hash
func (p PresenceRecord) Offers(hash string) bool {
	if !p.ClientReady {
		return false
	}
	for _, h := range p.AvailableFiles {
		if h == hash {
			return true
		}
	}
	return false
}

// Holder is a peer able to send a file
type Holder struct {
	ClientID string
	Presence PresenceRecord
}

// Holders returns the other peers offering hash, ordered by client id
func Holders(aw *awareness.Awareness, hash string) []Holder {
	var out []Holder
	for id, rec := range aw.Others() {
		var p PresenceRecord
		if err := rec.Decode(&p); err != nil {
			continue
		}
		if p.Offers(hash) {
			out = append(out, Holder{ClientID: id, Presence: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// IsAvailable reports whether some other online peer offers hash
func IsAvailable(aw *awareness.Awareness, hash string) bool {
	return len(Holders(aw, hash)) > 0
}

// Availability maps each registered file hash to whether it can be fetched
func Availability(aw *awareness.Awareness, files []SharedFile) map[string]bool {
	offered := make(map[string]bool)
	for _, rec := range aw.Others() {
		var p PresenceRecord
		if err := rec.Decode(&p); err != nil || !p.ClientReady {
			continue
		}
		for _, h := range p.AvailableFiles {
			offered[h] = true
		}
	}
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[f.Hash] = offered[f.Hash]
	}
	return out
}
