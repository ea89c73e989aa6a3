package content

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// OffsetInitial requests a snapshot
const OffsetInitial = "-1"

// Offset is a position in a ShapeLog
type Offset int64

// String formats the offset the way shape clients echo it back
func (o Offset) String() string {
	return fmt.Sprintf("%d_0", int64(o))
}

// ParseOffset parses an offset produced by Offset.String. OffsetInitial
// parses to -1.
func ParseOffset(s string) (Offset, error) {
	if s == OffsetInitial {
		return -1, nil
	}
	head, _, _ := strings.Cut(s, "_")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return Offset(n), nil
}

type logEntry struct {
	row    Row
	offset Offset
}

// ShapeLog orders row changes for shape readers. Each row keeps only its
// latest version; readers wait for a version newer than their offset.
// The handle changes whenever the log restarts, so readers holding an old
// handle must refetch.
type ShapeLog struct {
	handle string

	mu      sync.Mutex
	seq     Offset
	rows    map[string]logEntry
	changed chan struct{}
}

// NewShapeLog creates an empty log with a fresh handle
func NewShapeLog() *ShapeLog {
	return &ShapeLog{
		handle:  uuid.NewString(),
		rows:    make(map[string]logEntry),
		changed: make(chan struct{}),
	}
}

// Handle identifies this log instance
func (l *ShapeLog) Handle() string {
	return l.handle
}

// Append records a new version of row and wakes waiting readers
func (l *ShapeLog) Append(row Row) Offset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(row)
}

func (l *ShapeLog) appendLocked(row Row) Offset {
	l.seq++
	l.rows[row.Key()] = logEntry{row: row, offset: l.seq}
	close(l.changed)
	l.changed = make(chan struct{})
	return l.seq
}

// Seed records row unless the log already holds a version of it. It is
// used for rows loaded from the store on a snapshot request.
func (l *ShapeLog) Seed(row Row) Offset {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.rows[row.Key()]; ok {
		return e.offset
	}
	return l.appendLocked(row)
}

// Current returns the latest version of key and its offset
func (l *ShapeLog) Current(key string) (Row, Offset, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rows[key]
	return e.row, e.offset, ok
}

// Since returns the version of key newer than after, if any
func (l *ShapeLog) Since(key string, after Offset) (Row, Offset, bool) {
	row, off, ok := l.Current(key)
	if !ok || off <= after {
		return Row{}, after, false
	}
	return row, off, true
}

// Wait blocks until key has a version newer than after or ctx is done
func (l *ShapeLog) Wait(ctx context.Context, key string, after Offset) (Row, Offset, error) {
	for {
		l.mu.Lock()
		e, ok := l.rows[key]
		changed := l.changed
		l.mu.Unlock()

		if ok && e.offset > after {
			return e.row, e.offset, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return Row{}, after, ctx.Err()
		}
	}
}
