package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imdevinc/docsync/internal/config"
	"github.com/imdevinc/docsync/internal/filesharing"
	"github.com/imdevinc/docsync/internal/hub"
	"github.com/imdevinc/docsync/internal/metrics"
	"github.com/imdevinc/docsync/internal/provider"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

// sharing is the file sharing side of the agent, running over the share document
type sharing struct {
	provider   *provider.Provider
	watcher    *filesharing.ShareWatcher
	seeder     *filesharing.Seeder
	downloader *filesharing.Downloader
}

func startSharing(ctx context.Context, cfg *config.Config, h *hub.Hub, store *storage.Store, m *metrics.Metrics) (*sharing, error) {
	p, ok := h.Provider(cfg.Share.Document)
	if !ok {
		return nil, fmt.Errorf("share document %s is not running", cfg.Share.Document)
	}
	logger := slog.Default()
	aw := p.Awareness()
	registry := filesharing.NewRegistry(p.Doc())

	watcher, err := filesharing.NewShareWatcher(filesharing.WatcherOptions{
		Dir:       cfg.Share.Dir,
		Registry:  registry,
		Awareness: aw,
		UserID:    cfg.User.ID,
		UserName:  cfg.User.Name,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	seeder, err := filesharing.NewSeeder(filesharing.SeederOptions{
		Registry: registry,
		Source:   watcher,
		ClientID: h.ClientID(),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	downloadDir := cfg.Share.DownloadDir
	if downloadDir == "" {
		downloadDir = util.GetDefaultDownloadDir()
	}
	receiver, err := filesharing.NewReceiver(filesharing.ReceiverOptions{
		Registry: registry,
		Dir:      downloadDir,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	aw.SetLocalStateField("endpoint", cfg.Share.Endpoint)
	if err := watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start share watcher: %w", err)
	}
	slog.Info("Sharing files", "dir", watcher.Dir(), "document", cfg.Share.Document, "endpoint", cfg.Share.Endpoint)

	return &sharing{
		provider: p,
		watcher:  watcher,
		seeder:  seeder,
		downloader: &filesharing.Downloader{
			Registry:  registry,
			Awareness: aw,
			Receiver:  receiver,
			ClientID:  h.ClientID(),
			Logger:    logger,
		},
	}, nil
}

var errUnavailable = errors.New("no peer is serving the file")

// fetch waits for the share document to sync and for a peer to serve
// hash, then downloads it
func (s *sharing) fetch(ctx context.Context, hash string) error {
	if err := s.provider.WaitSynced(ctx); err != nil {
		return err
	}
	wait := util.ReconnectConfig()
	wait.MaxRetries = 20
	err := util.Retry(ctx, wait, func(ctx context.Context) error {
		if !filesharing.IsAvailable(s.downloader.Awareness, hash) {
			slog.Info("Waiting for a peer to serve the file", "hash", hash)
			return errUnavailable
		}
		return nil
	}, func(err error) bool { return errors.Is(err, errUnavailable) })
	if err != nil {
		return fmt.Errorf("fetch %s: %w", hash, err)
	}

	path, err := s.downloader.Fetch(ctx, hash)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", hash, err)
	}
	slog.Info("File downloaded", "hash", hash, "path", path)
	return nil
}
