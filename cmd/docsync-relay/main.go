package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/imdevinc/docsync/internal/content"
	"github.com/imdevinc/docsync/internal/metrics"
	"github.com/imdevinc/docsync/internal/persistence"
	"github.com/imdevinc/docsync/internal/relay"
	"github.com/imdevinc/docsync/internal/server"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

const defaultListenAddr = ":4000"

var (
	// version is set via ldflags during build
	version = "dev"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("docsync-relay version %s\n", version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("docsync-relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	listen := os.Getenv("LISTEN_ADDR")
	if listen == "" {
		listen = defaultListenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	var store content.Store
	if url := os.Getenv("DATABASE_URL"); url != "" {
		pg, err := content.OpenPostgres(ctx, url)
		if err != nil {
			return err
		}
		store = pg
		slog.Info("Content stored in Postgres")
	} else {
		store = content.NewMemoryStore()
		slog.Warn("DATABASE_URL not set, content is kept in memory")
	}
	defer store.Close()

	hubOpts := relay.Options{Logger: slog.Default(), Metrics: m}
	if path := os.Getenv("DOCSYNC_DATA"); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		rooms, err := storage.NewStore(path, persistence.Buckets...)
		if err != nil {
			return fmt.Errorf("failed to open room storage: %w", err)
		}
		defer rooms.Close()
		hubOpts.Store = rooms
		slog.Info("Relay rooms persisted", "path", path)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		hubOpts.NodeID = os.Getenv("NODE_ID")
		if hubOpts.NodeID == "" {
			hubOpts.NodeID = util.NewClientID()
		}
		broker, err := relay.NewRedisBroker(url, hubOpts.NodeID)
		if err != nil {
			return err
		}
		hubOpts.Broker = broker
		slog.Info("Relay rooms joined through Redis")
	}
	hub := relay.NewHub(hubOpts)
	defer hub.Close()

	srv := server.New(server.Options{
		Addr:     listen,
		Content:  store,
		Hub:      hub,
		Gatherer: registry,
		Logger:   slog.Default(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// members of open rooms hold hijacked connections Shutdown does not wait for
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("docsync-relay started", "addr", listen, "version", version)
	return g.Wait()
}
