package server

import (
	"encoding/json"
	"net/http"

	"github.com/imdevinc/docsync/internal/remote/electric"
	"github.com/imdevinc/docsync/internal/util"
)

const maxPushSize = 64 << 20

// handleSync stores a pushed document state as-is. The state is not
// merged server side: replicas merge what they pull, and sealed states
// are opaque here.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req electric.PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NoteID == "" {
		writeError(w, http.StatusBadRequest, "note_id is required")
		return
	}
	state, err := req.DecodeState()
	if err != nil || len(state) == 0 {
		writeError(w, http.StatusBadRequest, "yjs_state must be non-empty base64")
		return
	}
	rowType := req.Type
	if rowType == "" {
		rowType = util.RowType(util.KindNote)
	}

	row, err := s.store.UpsertState(r.Context(), rowType, req.NoteID, state, req.ClientID)
	if err != nil {
		s.logger.Error("Failed to store state", "type", rowType, "id", req.NoteID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store state")
		return
	}
	offset := s.shapes.Append(row)

	s.logger.Debug("Stored state", "direction", "<--", "type", rowType, "id", req.NoteID,
		"bytes", len(state), "client", req.ClientID, "offset", offset)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated_at": row.UpdatedAt})
}
