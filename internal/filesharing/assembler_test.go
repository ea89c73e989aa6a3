package filesharing

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/imdevinc/docsync/internal/util"
)

// split cuts data into chunks of size cs
func split(data []byte, cs int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(cs, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func TestOutOfOrderAssembly(t *testing.T) {
	data := []byte("0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHI") // 45 bytes
	chunks := split(data, 10)

	inOrder := NewChunkAssembler(int64(len(data)), 10)
	for i, c := range chunks {
		inOrder.AddChunk(i, c)
	}
	shuffled := NewChunkAssembler(int64(len(data)), 10)
	for _, i := range []int{3, 1, 4, 0, 2} {
		if added, err := shuffled.AddChunk(i, chunks[i]); err != nil || !added {
			t.Fatalf("AddChunk(%d) = %v, %v", i, added, err)
		}
	}

	a, err := inOrder.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	b, err := shuffled.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) || !bytes.Equal(a, data) {
		t.Error("Arrival order changed the assembled bytes")
	}
}

func TestMissingChunk(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 45)
	chunks := split(data, 10)
	asm := NewChunkAssembler(45, 10)
	for i := 0; i < 4; i++ {
		asm.AddChunk(i, chunks[i])
	}

	if asm.IsComplete() {
		t.Error("Assembler should not be complete")
	}
	_, err := asm.Assemble()
	var missing *MissingChunksError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingChunksError, got %v", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0] != 4 {
		t.Errorf("Expected missing [4], got %v", missing.Missing)
	}
	if !strings.Contains(err.Error(), "4") {
		t.Errorf("Error should name the missing index: %v", err)
	}
}

func TestAddChunkValidation(t *testing.T) {
	asm := NewChunkAssembler(25, 10)

	if _, err := asm.AddChunk(3, make([]byte, 5)); err == nil {
		t.Error("Expected out-of-range error")
	}
	if _, err := asm.AddChunk(-1, make([]byte, 10)); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, err := asm.AddChunk(0, make([]byte, 9)); err == nil {
		t.Error("Expected length error for short chunk")
	}
	if _, err := asm.AddChunk(2, make([]byte, 10)); err == nil {
		t.Error("Last chunk must carry only the remainder")
	}

	if added, err := asm.AddChunk(0, make([]byte, 10)); !added || err != nil {
		t.Fatalf("AddChunk = %v, %v", added, err)
	}
	if added, err := asm.AddChunk(0, make([]byte, 10)); added || err != nil {
		t.Errorf("Duplicate should be ignored, got %v, %v", added, err)
	}
	if asm.ReceivedBytes() != 10 {
		t.Errorf("Duplicates must not count twice, got %d bytes", asm.ReceivedBytes())
	}
	if got := asm.MissingChunks(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Unexpected missing chunks %v", got)
	}
}

func TestLargeFileReverseOrder(t *testing.T) {
	size := 10 << 20
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	chunks := split(data, ChunkSize)
	if len(chunks) != 160 {
		t.Fatalf("Expected 160 chunks, got %d", len(chunks))
	}

	asm := NewChunkAssembler(int64(size), ChunkSize)
	defer asm.Destroy()
	for i := len(chunks) - 1; i >= 0; i-- {
		if _, err := asm.AddChunk(i, chunks[i]); err != nil {
			t.Fatalf("AddChunk(%d): %v", i, err)
		}
	}

	if !asm.IsComplete() {
		t.Error("Expected complete")
	}
	if asm.Progress() != 100 {
		t.Errorf("Expected progress 100, got %v", asm.Progress())
	}
	got, err := asm.Verify(util.ComputeHash(data))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Assembled bytes differ")
	}
}

func TestVerifyMismatch(t *testing.T) {
	asm := NewChunkAssembler(5, 10)
	asm.AddChunk(0, []byte("hello"))

	if _, err := asm.Verify(util.ComputeHash([]byte("other"))); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("Expected ErrHashMismatch, got %v", err)
	}
	if _, err := asm.Verify(strings.ToUpper(util.ComputeHash([]byte("hello")))); err != nil {
		t.Errorf("Hash comparison should ignore case: %v", err)
	}
}

func TestEmptyFile(t *testing.T) {
	asm := NewChunkAssembler(0, ChunkSize)
	if !asm.IsComplete() || asm.Progress() != 100 {
		t.Error("An empty file is complete from the start")
	}
	data, err := asm.Verify(util.ComputeHash(nil))
	if err != nil || len(data) != 0 {
		t.Errorf("Verify = %v, %v", data, err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	asm := NewChunkAssembler(5, 10)
	asm.AddChunk(0, []byte("hello"))
	asm.Destroy()
	asm.Destroy()

	if _, err := asm.AddChunk(0, []byte("hello")); !errors.Is(err, ErrAssemblerDestroyed) {
		t.Errorf("Expected ErrAssemblerDestroyed, got %v", err)
	}
	if _, err := asm.Assemble(); !errors.Is(err, ErrAssemblerDestroyed) {
		t.Errorf("Expected ErrAssemblerDestroyed, got %v", err)
	}
}
