package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/imdevinc/docsync/internal/config"
	"github.com/imdevinc/docsync/internal/filesharing"
	"github.com/imdevinc/docsync/internal/hub"
	"github.com/imdevinc/docsync/internal/metrics"
	"github.com/imdevinc/docsync/internal/persistence"
	"github.com/imdevinc/docsync/internal/remote"
	"github.com/imdevinc/docsync/internal/remote/couch"
	"github.com/imdevinc/docsync/internal/remote/electric"
	"github.com/imdevinc/docsync/internal/remote/relay"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

const (
	envConfigKey = "DOCSYNC_CONFIG"
	envDBKey     = "DOCSYNC_DATA"
)

var (
	// version is set via ldflags during build
	version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (overrides default)")
	dbPath := flag.String("db", "", "Path to database file (overrides default)")
	reset := flag.Bool("reset", false, "Reset persistent storage (clear all state)")
	fetch := flag.String("fetch", "", "Download the shared file with this SHA-256 hash from a peer, then exit")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("docsync version %s\n", version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Determine config file path with precedence: CLI flag > env var > XDG default
	finalConfigPath := *configPath
	if finalConfigPath == "" {
		if envPath := os.Getenv(envConfigKey); envPath != "" {
			finalConfigPath = envPath
		} else {
			finalConfigPath = util.GetDefaultConfigPath()
		}
	}

	cfg, err := config.LoadConfig(finalConfigPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", finalConfigPath, "error", err)
		os.Exit(1)
	}

	// Database path: CLI flag > env var > config > XDG default
	finalDBPath := *dbPath
	if finalDBPath == "" {
		if envPath := os.Getenv(envDBKey); envPath != "" {
			finalDBPath = envPath
		} else if cfg.Store.Path != "" {
			finalDBPath = cfg.Store.Path
		} else {
			finalDBPath = util.GetDefaultDBPath()
		}
	}

	if err := run(cfg, finalDBPath, *reset, *fetch); err != nil {
		slog.Error("docsync failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, dbPath string, reset bool, fetch string) error {
	slog.Info("docsync is starting...", "version", version)
	slog.Info("Database", "path", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	buckets := append([]string{remote.SettingsBucket, filesharing.StatsBucket}, persistence.Buckets...)
	store, err := storage.NewStore(dbPath, buckets...)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	if reset {
		slog.Warn("Reset flag detected - clearing all persistent storage")
		for _, b := range buckets {
			if err := store.Clear(b); err != nil {
				return fmt.Errorf("failed to clear storage: %w", err)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	registerFactories()
	h := hub.NewHub(hub.Options{Store: store, User: cfg.User, Metrics: m})
	if err := h.CreateFromConfig(ctx, cfg); err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	g, gctx := errgroup.WithContext(ctx)
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var share *sharing
	if cfg.Share != nil {
		share, err = startSharing(gctx, cfg, h, store, m)
		if err != nil {
			return err
		}
		defer share.watcher.Stop()
		router.PathPrefix("/transfer/").Handler(filesharing.NewTransferHandler(share.seeder))
	}

	if cfg.Listen != "" {
		srv := &http.Server{Addr: cfg.Listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("Listening", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if fetch != "" {
		if share == nil {
			return fmt.Errorf("-fetch requires a share section in the configuration")
		}
		g.Go(func() error {
			defer stop()
			return share.fetch(gctx, fetch)
		})
	} else {
		fmt.Println("\ndocsync started successfully!")
		fmt.Println("Press Ctrl+C to stop")
	}

	<-gctx.Done()
	slog.Info("Shutdown signal received")
	stop()
	return g.Wait()
}

func registerFactories() {
	hub.RegisterRemoteFactory(config.TypeElectric, func(ctx context.Context, conf config.RemoteConf, store *storage.Store) (remote.Remote, error) {
		c, ok := conf.(config.ElectricRemoteConf)
		if !ok {
			return nil, fmt.Errorf("invalid electric remote configuration")
		}
		return electric.New(electric.Config{Name: c.Name, APIURL: c.APIURL, ShapeURL: c.ShapeURL, Table: c.Table}, store)
	})

	hub.RegisterRemoteFactory(config.TypeCouchDB, func(ctx context.Context, conf config.RemoteConf, store *storage.Store) (remote.Remote, error) {
		c, ok := conf.(config.CouchDBRemoteConf)
		if !ok {
			return nil, fmt.Errorf("invalid CouchDB remote configuration")
		}
		return couch.New(ctx, couch.Config{
			Name:           c.Name,
			URL:            c.URL,
			Username:       c.Username,
			Password:       c.Password,
			Database:       c.Database,
			CreateDatabase: c.CreateDatabase,
		}, store)
	})

	hub.RegisterRemoteFactory(config.TypeRelay, func(ctx context.Context, conf config.RemoteConf, store *storage.Store) (remote.Remote, error) {
		c, ok := conf.(config.RelayRemoteConf)
		if !ok {
			return nil, fmt.Errorf("invalid relay remote configuration")
		}
		return relay.New(relay.Config{Name: c.Name, URL: c.URL})
	})
}
