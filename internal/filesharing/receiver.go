package filesharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/imdevinc/docsync/internal/metrics"
)

// ErrRemoteFailure wraps a file-error sent by the seeder
var ErrRemoteFailure = errors.New("seeder reported an error")

// ReceiverOptions configures a Receiver
type ReceiverOptions struct {
	Registry *Registry
	Dir      string

	// ChunkSize must match the seeder's
	ChunkSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Receiver reassembles incoming files into a download directory
type Receiver struct {
	registry  *Registry
	dir       string
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewReceiver creates a receiver writing into opts.Dir
func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("receiver: registry is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("receiver: download directory is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Receiver{
		registry:  opts.Registry,
		dir:       opts.Dir,
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger.With("component", "receiver"),
		metrics:   opts.Metrics,
	}, nil
}

// Receive reads one transfer from ch and returns the path of the written
// file. The request is completed only after the content hash matches.
func (r *Receiver) Receive(ctx context.Context, requestID string, ch Channel) (string, error) {
	req, err := r.registry.Transfer(requestID)
	if err != nil {
		return "", err
	}
	logger := r.logger.With("request", requestID, "file", req.FileHash)

	path, err := r.receive(ctx, req, ch, logger)
	if err != nil {
		outcome := "failed"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		// a seeder error is already recorded by the seeder
		if !errors.Is(err, ErrRemoteFailure) {
			if _, ferr := r.registry.Fail(requestID, err.Error()); ferr != nil && !errors.Is(ferr, ErrTerminalState) {
				logger.Warn("Failed to record transfer failure", "error", ferr)
			}
		}
		r.metrics.TransferDone(directionReceive, outcome)
		logger.Warn("File receive failed", "error", err)
		return "", err
	}

	if _, err := r.registry.Complete(requestID); err != nil {
		return path, fmt.Errorf("complete %s: %w", requestID, err)
	}
	r.metrics.TransferDone(directionReceive, "completed")
	logger.Info("File received", "path", path)
	return path, nil
}

func (r *Receiver) receive(ctx context.Context, req TransferRequest, ch Channel, logger *slog.Logger) (string, error) {
	start, err := r.next(ctx, req.ID, ch)
	if err != nil {
		return "", err
	}
	if start.Type == TypeFileError {
		return "", fmt.Errorf("%w: %s", ErrRemoteFailure, start.Error)
	}
	if start.Type != TypeFileStart {
		return "", fmt.Errorf("expected %s, got %s", TypeFileStart, start.Type)
	}
	if !strings.EqualFold(start.Hash, req.FileHash) {
		return "", fmt.Errorf("%w: seeder announced %s", ErrHashMismatch, start.Hash)
	}

	asm := NewChunkAssembler(start.Size, r.chunkSize)
	defer asm.Destroy()
	if asm.TotalChunks() != start.TotalChunks {
		return "", fmt.Errorf("file-start announces %d chunks for %d bytes", start.TotalChunks, start.Size)
	}

	for {
		env, err := r.next(ctx, req.ID, ch)
		if err != nil {
			return "", err
		}
		switch env.Type {
		case TypeFileChunk:
			added, err := asm.AddChunk(env.Index, env.Data)
			if err != nil {
				return "", err
			}
			if added {
				r.metrics.TransferProgress(directionReceive, len(env.Data))
			}
		case TypeFileProgress:
			logger.Debug("Transfer progress", "progress", env.Progress, "speed", env.Speed)
		case TypeFileError:
			return "", fmt.Errorf("%w: %s", ErrRemoteFailure, env.Error)
		case TypeFileEnd:
			data, err := asm.Verify(req.FileHash)
			if err != nil {
				return "", err
			}
			return r.write(start.Name, data)
		default:
			return "", fmt.Errorf("unexpected %s envelope", env.Type)
		}
	}
}

// next returns the next envelope for requestID, skipping others
func (r *Receiver) next(ctx context.Context, requestID string, ch Channel) (Envelope, error) {
	for {
		env, err := ch.Recv(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if env.RequestID == requestID {
			return env, nil
		}
		r.logger.Debug("Ignoring envelope for another request", "request", env.RequestID)
	}
}

func (r *Receiver) write(name string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "download"
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", r.dir, err)
	}

	tmp, err := os.CreateTemp(r.dir, "."+base+".part-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	path := filepath.Join(r.dir, base)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
