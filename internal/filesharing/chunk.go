package filesharing

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the default transfer chunk size
const ChunkSize = 64 * 1024

// CalculateChunkCount returns ceil(size / chunkSize)
func CalculateChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

// Chunk is one piece of a file in transit
type Chunk struct {
	Index  int
	Data   []byte
	IsLast bool
}

// ChunkReader lazily splits a stream into chunks. Only one chunk is held
// in memory at a time.
type ChunkReader struct {
	r         io.Reader
	size      int64
	chunkSize int
	total     int
	next      int
}

// NewChunkReader reads size bytes from r in chunks of chunkSize
func NewChunkReader(r io.Reader, size int64, chunkSize int) *ChunkReader {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	return &ChunkReader{
		r:         r,
		size:      size,
		chunkSize: chunkSize,
		total:     CalculateChunkCount(size, chunkSize),
	}
}

// TotalChunks returns the number of chunks the reader yields
func (c *ChunkReader) TotalChunks() int {
	return c.total
}

// Next reads the next chunk. It returns io.EOF after the last chunk and
// ctx.Err() if ctx is done before the read starts.
func (c *ChunkReader) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if c.next >= c.total {
		return Chunk{}, io.EOF
	}

	n := int64(c.chunkSize)
	if remaining := c.size - int64(c.next)*int64(c.chunkSize); remaining < n {
		n = remaining
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Chunk{}, fmt.Errorf("source ended at chunk %d of %d: %w", c.next, c.total, io.ErrUnexpectedEOF)
		}
		return Chunk{}, fmt.Errorf("read chunk %d: %w", c.next, err)
	}

	chunk := Chunk{Index: c.next, Data: buf, IsLast: c.next == c.total-1}
	c.next++
	return chunk, nil
}
