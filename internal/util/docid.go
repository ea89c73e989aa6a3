package util

import (
	"fmt"
	"strings"
)

// Document kinds used as id prefixes
const (
	KindNote  = "notes"
	KindWiki  = "wiki"
	KindShare = "share"
)

// DocumentID builds the replica-wide id of a document, e.g. "notes-42"
func DocumentID(kind, id string) string {
	return kind + "-" + id
}

// ParseDocumentID splits a document id into its kind and row id.
// Ids without a known kind prefix are rejected.
func ParseDocumentID(docID string) (kind, id string, err error) {
	for _, k := range []string{KindNote, KindWiki, KindShare} {
		prefix := k + "-"
		if strings.HasPrefix(docID, prefix) && len(docID) > len(prefix) {
			return k, docID[len(prefix):], nil
		}
	}
	return "", "", fmt.Errorf("invalid document id %q", docID)
}

// RowType maps a document kind to the content row type stored remotely
func RowType(kind string) string {
	switch kind {
	case KindNote:
		return "note"
	case KindWiki:
		return "wiki"
	case KindShare:
		return "share"
	default:
		return kind
	}
}
