package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

var updateMagic = []byte("DSU1")

// ErrMalformedUpdate is returned when an update cannot be decoded
var ErrMalformedUpdate = errors.New("malformed update")

const flagDeleted = 1

// encodeEntries writes entries in (map, key) order so equal entry sets
// always produce equal bytes
func encodeEntries(entries []Entry) []byte {
	sortEntries(entries)

	var buf bytes.Buffer
	buf.Write(updateMagic)
	writeUvarint(&buf, uint64(len(entries)))
	for _, e := range entries {
		writeString(&buf, e.Map)
		writeString(&buf, e.Key)
		writeString(&buf, e.Client)
		writeUvarint(&buf, e.Clock)
		var flags byte
		if e.Deleted {
			flags |= flagDeleted
		}
		buf.WriteByte(flags)
		writeBytes(&buf, e.Value)
	}
	return buf.Bytes()
}

func decodeEntries(data []byte) ([]Entry, error) {
	if !bytes.HasPrefix(data, updateMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedUpdate)
	}
	r := bytes.NewReader(data[len(updateMagic):])

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: entry count: %v", ErrMalformedUpdate, err)
	}
	// each entry occupies at least one byte
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e Entry
		if e.Map, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d map: %v", ErrMalformedUpdate, i, err)
		}
		if e.Key, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d key: %v", ErrMalformedUpdate, i, err)
		}
		if e.Client, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d client: %v", ErrMalformedUpdate, i, err)
		}
		if e.Clock, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d clock: %v", ErrMalformedUpdate, i, err)
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d flags: %v", ErrMalformedUpdate, i, err)
		}
		e.Deleted = flags&flagDeleted != 0
		value, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d value: %v", ErrMalformedUpdate, i, err)
		}
		if len(value) > 0 {
			e.Value = value
		}
		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Map != entries[j].Map {
			return entries[i].Map < entries[j].Map
		}
		return entries[i].Key < entries[j].Key
	})
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

// MergeUpdates combines encoded updates into a single update equivalent
// to applying all of them. Order and duplicates do not matter.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	merged := make(map[entryKey]Entry)
	for i, u := range updates {
		entries, err := decodeEntries(u)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		for _, e := range entries {
			k := entryKey{e.Map, e.Key}
			if cur, ok := merged[k]; !ok || e.wins(cur) {
				merged[k] = e
			}
		}
	}

	entries := make([]Entry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	return encodeEntries(entries), nil
}

// ValidateUpdate reports whether data is a well-formed update
func ValidateUpdate(data []byte) error {
	_, err := decodeEntries(data)
	return err
}
