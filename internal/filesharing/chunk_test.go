package filesharing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/imdevinc/docsync/internal/util"
)

func TestCalculateChunkCount(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{0, 0},
		{-1, 0},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{10 << 20, 160},
	}
	for _, tt := range tests {
		if got := CalculateChunkCount(tt.size, ChunkSize); got != tt.want {
			t.Errorf("CalculateChunkCount(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
	if CalculateChunkCount(10, 0) != 0 {
		t.Error("Zero chunk size should yield no chunks")
	}
}

func TestChunkReader(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 15) // 150 bytes
	r := NewChunkReader(bytes.NewReader(data), int64(len(data)), 64)
	if r.TotalChunks() != 3 {
		t.Fatalf("Expected 3 chunks, got %d", r.TotalChunks())
	}

	ctx := context.Background()
	var got []byte
	wantLens := []int{64, 64, 22}
	for i := 0; i < 3; i++ {
		c, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if c.Index != i || len(c.Data) != wantLens[i] || c.IsLast != (i == 2) {
			t.Errorf("Unexpected chunk %d: index=%d len=%d last=%v", i, c.Index, len(c.Data), c.IsLast)
		}
		got = append(got, c.Data...)
	}
	if _, err := r.Next(ctx); err != io.EOF {
		t.Errorf("Expected io.EOF after last chunk, got %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Chunks do not reproduce the source")
	}
}

func TestChunkReaderShortSource(t *testing.T) {
	r := NewChunkReader(strings.NewReader("short"), 100, 64)
	ctx := context.Background()
	if _, err := r.Next(ctx); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected unexpected EOF, got %v", err)
	}
}

func TestChunkReaderCancelled(t *testing.T) {
	r := NewChunkReader(strings.NewReader("data"), 4, 64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestHashReader(t *testing.T) {
	ctx := context.Background()
	got, err := HashReader(ctx, strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Unexpected hash %s", got)
	}

	data := bytes.Repeat([]byte{7}, 3*ChunkSize+5)
	got, err = HashReader(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got != util.ComputeHash(data) {
		t.Error("Streamed hash differs from one-shot hash")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := HashReader(cancelled, bytes.NewReader(data)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
