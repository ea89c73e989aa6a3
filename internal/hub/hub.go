package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/config"
	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/metrics"
	"github.com/imdevinc/docsync/internal/provider"
	"github.com/imdevinc/docsync/internal/remote"
	"github.com/imdevinc/docsync/internal/sealed"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

const flushTimeout = 5 * time.Second

// Options configures a Hub
type Options struct {
	Store   *storage.Store
	User    config.UserConf
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// ClientID identifies this replica; defaults to a new random id
	ClientID string
}

// Hub is the central coordinator that owns the remotes and runs one
// provider per configured document
type Hub struct {
	store    *storage.Store
	user     config.UserConf
	clientID string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	remotes   map[string]remote.Remote
	documents []config.DocumentConf
	compact   int
	providers map[string]*provider.Provider
	started   bool
}

// NewHub creates a new hub instance
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = util.NewClientID()
	}
	return &Hub{
		store:     opts.Store,
		user:      opts.User,
		clientID:  opts.ClientID,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "hub"),
		remotes:   make(map[string]remote.Remote),
		providers: make(map[string]*provider.Provider),
	}
}

// ClientID returns the replica's client id
func (h *Hub) ClientID() string {
	return h.clientID
}

// RegisterRemote adds a remote to the hub
func (h *Hub) RegisterRemote(r remote.Remote) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remotes[r.Name()] = r
	h.logger.Info("Remote registered", "name", r.Name(), "type", r.Type())
}

// AddDocument schedules a document to be synchronized on Start
func (h *Hub) AddDocument(doc config.DocumentConf) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.documents = append(h.documents, doc)
}

// Start creates a provider for every document. Providers connect in the
// background; Start only fails for configuration errors.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	h.logger.Info("Starting hub", "documents", len(h.documents), "remotes", len(h.remotes))
	for _, doc := range h.documents {
		r, ok := h.remotes[doc.Remote]
		if !ok {
			h.destroyLocked()
			return fmt.Errorf("document %s: remote %s not registered", doc.ID, doc.Remote)
		}

		aw := awareness.New(h.clientID)
		state := awareness.Record{"user_id": h.user.ID, "user_name": h.user.Name}
		if h.user.Color != "" {
			state["color"] = h.user.Color
		}
		aw.SetLocalState(state)

		p, err := provider.New(provider.Options{
			Doc:              crdt.New(h.clientID),
			Remote:           r,
			DocumentID:       doc.ID,
			ClientID:         h.clientID,
			Store:            h.store,
			CompactThreshold: h.compact,
			Awareness:        aw,
			Debounce:         time.Duration(doc.DebounceMs) * time.Millisecond,
			Logger:           h.logger,
			Metrics:          h.metrics,
		})
		if err != nil {
			aw.Destroy()
			h.destroyLocked()
			return fmt.Errorf("document %s: %w", doc.ID, err)
		}
		h.providers[doc.ID] = p
		h.logger.Info("Document started", "document", doc.ID, "remote", r.Name())
	}

	h.started = true
	h.logger.Info("Hub started successfully")
	return nil
}

// Stop flushes pending local changes, destroys every provider and closes the remotes
func (h *Hub) Stop() error {
	h.logger.Info("Stopping hub")

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, p := range h.providers {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := p.Flush(ctx); err != nil {
			h.logger.Warn("Failed to flush document", "document", id, "error", err)
		}
		cancel()
	}
	h.destroyLocked()

	for name, r := range h.remotes {
		if err := r.Close(); err != nil {
			h.logger.Error("Error closing remote", "name", name, "error", err)
		}
	}
	h.started = false

	h.logger.Info("Hub stopped")
	return nil
}

func (h *Hub) destroyLocked() {
	for id, p := range h.providers {
		p.Destroy()
		if aw := p.Awareness(); aw != nil {
			aw.Destroy()
		}
		p.Doc().Destroy()
		delete(h.providers, id)
	}
}

// Provider returns the provider of a document
func (h *Hub) Provider(documentID string) (*provider.Provider, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.providers[documentID]
	return p, ok
}

// Providers returns every running provider ordered by document id
func (h *Hub) Providers() []*provider.Provider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*provider.Provider, 0, len(h.providers))
	for _, p := range h.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID() < out[j].DocumentID() })
	return out
}

// Remote finds a registered remote by name
func (h *Hub) Remote(name string) (remote.Remote, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.remotes[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("remote not found: %s", name)
}

// RemoteFactory is a function that creates a remote from configuration
type RemoteFactory func(ctx context.Context, conf config.RemoteConf, store *storage.Store) (remote.Remote, error)

// remoteFactories maps remote types to their factory functions
var (
	factoriesMu     sync.RWMutex
	remoteFactories = make(map[string]RemoteFactory)
)

// RegisterRemoteFactory registers a factory for creating remotes of a specific type
func RegisterRemoteFactory(remoteType string, factory RemoteFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	remoteFactories[remoteType] = factory
}

// CreateFromConfig creates every remote and schedules every document of cfg.
// Remotes with a passphrase are sealed.
func (h *Hub) CreateFromConfig(ctx context.Context, cfg *config.Config) error {
	h.mu.Lock()
	h.compact = cfg.Store.CompactThreshold
	h.mu.Unlock()

	for i, conf := range cfg.Remotes {
		factoriesMu.RLock()
		factory, ok := remoteFactories[conf.GetType()]
		factoriesMu.RUnlock()
		if !ok {
			return fmt.Errorf("no factory registered for remote type '%s' (remote %d: %s)",
				conf.GetType(), i, conf.GetName())
		}

		r, err := factory(ctx, conf, h.store)
		if err != nil {
			return fmt.Errorf("failed to create remote %s: %w", conf.GetName(), err)
		}

		if s := conf.GetSealing(); s.Enabled() {
			wrapped, err := sealed.Wrap(r, sealed.Options{Passphrase: s.Passphrase, Salt: s.Salt, Compress: s.Compress})
			if err != nil {
				r.Close()
				return fmt.Errorf("failed to seal remote %s: %w", conf.GetName(), err)
			}
			r = wrapped
		}
		h.RegisterRemote(r)
	}

	for _, doc := range cfg.Documents {
		h.AddDocument(doc)
	}
	return nil
}
