package filesharing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/imdevinc/docsync/internal/util"
)

var (
	// ErrHashMismatch is returned when reassembled bytes do not match the expected hash
	ErrHashMismatch = errors.New("file hash mismatch")

	// ErrAssemblerDestroyed is returned by an assembler after Destroy
	ErrAssemblerDestroyed = errors.New("chunk assembler destroyed")
)

// MissingChunksError is returned when assembling before every chunk arrived
type MissingChunksError struct {
	Missing []int
}

func (e *MissingChunksError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, idx := range e.Missing {
		parts[i] = fmt.Sprint(idx)
	}
	return fmt.Sprintf("missing chunks: %s", strings.Join(parts, ", "))
}

// ChunkAssembler rebuilds a file from chunks arriving in any order.
// It is owned by the receiving side of one transfer.
type ChunkAssembler struct {
	mu        sync.Mutex
	size      int64
	chunkSize int
	total     int
	chunks    map[int][]byte
	received  int64
	destroyed bool
}

// NewChunkAssembler prepares to receive a file of size bytes
func NewChunkAssembler(size int64, chunkSize int) *ChunkAssembler {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	return &ChunkAssembler{
		size:      size,
		chunkSize: chunkSize,
		total:     CalculateChunkCount(size, chunkSize),
		chunks:    make(map[int][]byte),
	}
}

// TotalChunks returns the number of chunks expected
func (a *ChunkAssembler) TotalChunks() int {
	return a.total
}

func (a *ChunkAssembler) expectedLen(index int) int {
	if index == a.total-1 {
		return int(a.size - int64(index)*int64(a.chunkSize))
	}
	return a.chunkSize
}

// AddChunk stores a chunk. Duplicates are ignored and reported with added false.
func (a *ChunkAssembler) AddChunk(index int, data []byte) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return false, ErrAssemblerDestroyed
	}
	if index < 0 || index >= a.total {
		return false, fmt.Errorf("chunk index %d out of range [0, %d)", index, a.total)
	}
	if _, ok := a.chunks[index]; ok {
		return false, nil
	}
	if want := a.expectedLen(index); len(data) != want {
		return false, fmt.Errorf("chunk %d has %d bytes, expected %d", index, len(data), want)
	}

	a.chunks[index] = append([]byte(nil), data...)
	a.received += int64(len(data))
	return true, nil
}

// ReceivedBytes returns the number of distinct bytes received
func (a *ChunkAssembler) ReceivedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

// Progress returns received bytes as a percentage of the file size
func (a *ChunkAssembler) Progress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size == 0 {
		return 100
	}
	return float64(a.received) / float64(a.size) * 100
}

// IsComplete reports whether every chunk index has been received
func (a *ChunkAssembler) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks) == a.total
}

// MissingChunks returns the indices not yet received, ascending
func (a *ChunkAssembler) MissingChunks() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.missingLocked()
}

func (a *ChunkAssembler) missingLocked() []int {
	var missing []int
	for i := 0; i < a.total; i++ {
		if _, ok := a.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Assemble concatenates the chunks by index
func (a *ChunkAssembler) Assemble() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, ErrAssemblerDestroyed
	}
	if missing := a.missingLocked(); len(missing) > 0 {
		return nil, &MissingChunksError{Missing: missing}
	}

	// index order, never arrival order
	out := make([]byte, 0, a.size)
	for i := 0; i < a.total; i++ {
		out = append(out, a.chunks[i]...)
	}
	return out, nil
}

// Verify assembles the file and checks it against hash
func (a *ChunkAssembler) Verify(hash string) ([]byte, error) {
	data, err := a.Assemble()
	if err != nil {
		return nil, err
	}
	if got := util.ComputeHash(data); !strings.EqualFold(got, hash) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, got)
	}
	return data, nil
}

// Destroy releases the buffered chunks. It is safe to call more than once.
func (a *ChunkAssembler) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.chunks = nil
}
