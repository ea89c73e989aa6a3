package filesharing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/imdevinc/docsync/internal/metrics"
)

// ErrCancelled is returned when the request is cancelled mid-transfer
var ErrCancelled = errors.New("transfer cancelled")

const (
	directionSend    = "send"
	directionReceive = "receive"

	defaultProgressInterval = 500 * time.Millisecond
)

// FileSource opens the bytes of a file this peer holds
type FileSource interface {
	Open(hash string) (io.ReadCloser, error)
}

// SeederOptions configures a Seeder
type SeederOptions struct {
	Registry *Registry
	Source   FileSource
	ClientID string

	ChunkSize        int
	ProgressInterval time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Seeder sends held files to requesters
type Seeder struct {
	registry         *Registry
	source           FileSource
	clientID         string
	chunkSize        int
	progressInterval time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// NewSeeder creates a seeder
func NewSeeder(opts SeederOptions) (*Seeder, error) {
	if opts.Registry == nil || opts.Source == nil {
		return nil, fmt.Errorf("seeder: registry and source are required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("seeder: client id is required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Seeder{
		registry:         opts.Registry,
		source:           opts.Source,
		clientID:         opts.ClientID,
		chunkSize:        opts.ChunkSize,
		progressInterval: opts.ProgressInterval,
		logger:           opts.Logger.With("component", "seeder"),
		metrics:          opts.Metrics,
	}, nil
}

// Serve accepts requestID and streams its file over ch. Failures are
// recorded on the request and sent to the receiver as file-error.
func (s *Seeder) Serve(ctx context.Context, requestID string, ch Channel) error {
	req, err := s.registry.Accept(requestID, s.clientID)
	if err != nil {
		return fmt.Errorf("accept %s: %w", requestID, err)
	}
	logger := s.logger.With("request", requestID, "file", req.FileHash)

	err = s.stream(ctx, req, ch, logger)
	if err == nil {
		s.metrics.TransferDone(directionSend, "sent")
		logger.Info("File sent")
		return nil
	}

	outcome := "failed"
	if errors.Is(err, ErrCancelled) {
		outcome = "cancelled"
	} else if _, ferr := s.registry.Fail(requestID, err.Error()); ferr != nil && !errors.Is(ferr, ErrTerminalState) {
		logger.Warn("Failed to record transfer failure", "error", ferr)
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	_ = ch.Send(sendCtx, FileError(requestID, err))
	cancel()

	s.metrics.TransferDone(directionSend, outcome)
	logger.Warn("File transfer aborted", "error", err)
	return err
}

func (s *Seeder) stream(ctx context.Context, req TransferRequest, ch Channel, logger *slog.Logger) error {
	file, err := s.registry.File(req.FileHash)
	if err != nil {
		return err
	}
	rc, err := s.source.Open(file.Hash)
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer rc.Close()

	reader := NewChunkReader(rc, file.Size, s.chunkSize)
	if err := ch.Send(ctx, FileStart(req.ID, file, reader.TotalChunks())); err != nil {
		return err
	}
	logger.Debug("Streaming file", "name", file.Name, "size", file.Size, "chunks", reader.TotalChunks())

	started := time.Now()
	lastReport := started
	var sent int64
	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := ch.Send(ctx, FileChunk(req.ID, chunk)); err != nil {
			return err
		}
		sent += int64(len(chunk.Data))
		s.metrics.TransferProgress(directionSend, len(chunk.Data))

		if time.Since(lastReport) < s.progressInterval && !chunk.IsLast {
			continue
		}
		lastReport = time.Now()
		if err := s.report(ctx, req.ID, ch, sent, file.Size, started); err != nil {
			return err
		}
	}

	return ch.Send(ctx, FileEnd(req.ID, file.Hash))
}

// report publishes progress and notices a cancellation by either side
func (s *Seeder) report(ctx context.Context, requestID string, ch Channel, sent, size int64, started time.Time) error {
	progress := float64(100)
	if size > 0 {
		progress = float64(sent) * 100 / float64(size)
	}
	if _, err := s.registry.UpdateProgress(requestID, progress); err != nil {
		if cur, terr := s.registry.Transfer(requestID); terr == nil && cur.Status == StatusCancelled {
			return ErrCancelled
		}
		return err
	}

	var speed float64
	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		speed = float64(sent) / elapsed
	}
	return ch.Send(ctx, FileProgress(requestID, progress, speed))
}
