package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/imdevinc/docsync/internal/content"
	"github.com/imdevinc/docsync/internal/remote/electric"
)

const shapeTable = "content"

// whereRow matches the single-row filter electric.WhereClause builds
var whereRow = regexp.MustCompile(`(?i)^\s*type\s*=\s*'((?:[^']|'')*)'\s+and\s+id\s*=\s*'((?:[^']|'')*)'\s*$`)

func parseWhere(where string) (rowType, id string, ok bool) {
	m := whereRow.FindStringSubmatch(where)
	if m == nil {
		return "", "", false
	}
	unquote := func(s string) string { return strings.ReplaceAll(s, "''", "'") }
	return unquote(m[1]), unquote(m[2]), true
}

// handleShape serves a shape stream over one content row. An initial
// request returns the row snapshot; later requests return the row when
// it changed after the given offset, and live requests wait for that.
func (s *Server) handleShape(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if t := q.Get("table"); t != "" && t != shapeTable {
		writeError(w, http.StatusBadRequest, "unknown table")
		return
	}
	rowType, id, ok := parseWhere(q.Get("where"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported where clause")
		return
	}
	rawOffset := q.Get("offset")
	if rawOffset == "" {
		rawOffset = content.OffsetInitial
	}
	offset, err := content.ParseOffset(rawOffset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h := q.Get("handle"); h != "" && h != s.shapes.Handle() {
		writeJSON(w, http.StatusConflict, []electric.ShapeMessage{controlMessage(electric.ControlMustRefetch)})
		return
	}
	key := content.RowKey(rowType, id)

	if offset < 0 {
		s.snapshot(w, r, rowType, id)
		return
	}

	if q.Get("live") != "true" {
		row, off, changed := s.shapes.Since(key, offset)
		s.writeShape(w, off, changed, row, "update")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.longPoll)
	defer cancel()
	row, off, err := s.shapes.Wait(ctx, key, offset)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.setShapeHeaders(w, offset)
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}
	s.writeShape(w, off, true, row, "update")
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, rowType, id string) {
	if row, off, ok := s.shapes.Current(content.RowKey(rowType, id)); ok {
		s.writeShape(w, off, true, row, "insert")
		return
	}

	row, err := s.store.Get(r.Context(), rowType, id)
	switch {
	case errors.Is(err, content.ErrNotFound):
		// offset 0 makes the first append visible to the live request
		s.writeShape(w, 0, false, content.Row{}, "")
	case err != nil:
		s.logger.Error("Failed to read row", "type", rowType, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read row")
	default:
		off := s.shapes.Seed(row)
		s.writeShape(w, off, true, row, "insert")
	}
}

func (s *Server) writeShape(w http.ResponseWriter, off content.Offset, withRow bool, row content.Row, op string) {
	msgs := make([]electric.ShapeMessage, 0, 2)
	if withRow {
		msgs = append(msgs, electric.ShapeMessage{
			Key:     `"` + shapeTable + `"/"` + row.Key() + `"`,
			Value:   row.Value(),
			Headers: map[string]string{"operation": op},
		})
	}
	msgs = append(msgs, controlMessage(electric.ControlUpToDate))

	s.setShapeHeaders(w, off)
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) setShapeHeaders(w http.ResponseWriter, off content.Offset) {
	h := w.Header()
	h.Set(electric.HeaderHandle, s.shapes.Handle())
	h.Set(electric.HeaderOffset, off.String())
	h.Set(electric.HeaderCursor, off.String())
}

func controlMessage(control string) electric.ShapeMessage {
	return electric.ShapeMessage{Headers: map[string]string{"control": control}}
}
