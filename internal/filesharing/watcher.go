package filesharing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/storage"
)

const (
	// StatsBucket caches file hashes by size and mtime across restarts
	StatsBucket = "share-stats"

	defaultWatchDebounce = 250 * time.Millisecond
)

// WatcherOptions configures a ShareWatcher
type WatcherOptions struct {
	Dir       string
	Registry  *Registry
	Awareness *awareness.Awareness
	UserID    string
	UserName  string

	// Store caches hashes when set
	Store    *storage.Store
	Debounce time.Duration
	Logger   *slog.Logger
}

type fileStat struct {
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
	Hash  string `json:"hash"`
}

// ShareWatcher shares every regular file in a directory. New and changed
// files are hashed, registered in the document and advertised as
// available in awareness. It serves as the FileSource of a Seeder.
type ShareWatcher struct {
	dir      string
	registry *Registry
	aw       *awareness.Awareness
	userID   string
	userName string
	store    *storage.Store
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	byName  map[string]string // file name -> hash
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewShareWatcher creates a watcher over opts.Dir, creating it if needed
func NewShareWatcher(opts WatcherOptions) (*ShareWatcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("share watcher: directory cannot be empty")
	}
	if opts.Registry == nil || opts.Awareness == nil {
		return nil, fmt.Errorf("share watcher: registry and awareness are required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("share watcher: failed to resolve directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("share watcher: failed to create directory: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultWatchDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("share watcher: failed to create watcher: %w", err)
	}

	return &ShareWatcher{
		dir:      dir,
		registry: opts.Registry,
		aw:       opts.Awareness,
		userID:   opts.UserID,
		userName: opts.UserName,
		store:    opts.Store,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "share", "dir", dir),
		watcher:  watcher,
		pending:  make(map[string]*time.Timer),
		byName:   make(map[string]string),
	}, nil
}

// Dir returns the absolute share directory
func (w *ShareWatcher) Dir() string {
	return w.dir
}

// Start scans the directory, marks this peer ready and begins watching
func (w *ShareWatcher) Start(ctx context.Context) error {
	var startErr error
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(ctx)

		if err := w.scan(w.ctx); err != nil {
			startErr = fmt.Errorf("failed to scan share directory: %w", err)
			return
		}
		if err := w.watcher.Add(w.dir); err != nil {
			startErr = fmt.Errorf("failed to watch %s: %w", w.dir, err)
			return
		}
		w.aw.SetLocalStateField("client_ready", true)

		w.wg.Add(1)
		go w.processEvents()
		w.logger.Info("Sharing directory", "files", len(w.Hashes()))
	})
	return startErr
}

// Stop cancels pending work and closes the watcher
func (w *ShareWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for _, t := range w.pending {
			t.Stop()
		}
		w.pending = make(map[string]*time.Timer)
		w.mu.Unlock()

		if w.cancel != nil {
			w.cancel()
		}
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

// Hashes returns the hashes of the files currently shared, sorted
func (w *ShareWatcher) Hashes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hashesLocked()
}

func (w *ShareWatcher) hashesLocked() []string {
	seen := make(map[string]bool, len(w.byName))
	out := make([]string, 0, len(w.byName))
	for _, h := range w.byName {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Open implements FileSource
func (w *ShareWatcher) Open(hash string) (io.ReadCloser, error) {
	w.mu.Lock()
	var name string
	for n, h := range w.byName {
		if strings.EqualFold(h, hash) {
			name = n
			break
		}
	}
	w.mu.Unlock()
	if name == "" {
		return nil, fmt.Errorf("file %s: %w", hash, ErrNotFound)
	}
	return os.Open(filepath.Join(w.dir, name))
}

func (w *ShareWatcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		w.refresh(ctx, e.Name(), false)
	}
	w.advertise()
	return nil
}

func (w *ShareWatcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

func (w *ShareWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Dir(event.Name) != w.dir {
		return
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[name]; ok {
		t.Stop()
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.refresh(w.ctx, name, true)
		}
	})
}

// refresh re-reads one file and updates the share set
func (w *ShareWatcher) refresh(ctx context.Context, name string, announce bool) {
	path := filepath.Join(w.dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		w.mu.Lock()
		_, had := w.byName[name]
		delete(w.byName, name)
		w.mu.Unlock()
		if had {
			w.logger.Info("File no longer shared", "name", name)
			if w.store != nil {
				w.store.Delete(StatsBucket, name)
			}
			if announce {
				w.advertise()
			}
		}
		return
	}

	hash, err := w.hash(ctx, name, path, info)
	if err != nil {
		w.logger.Warn("Failed to hash file", "name", name, "error", err)
		return
	}

	_, err = w.registry.AddFile(SharedFile{
		Hash:        hash,
		Name:        name,
		Size:        info.Size(),
		Type:        mimeType(name),
		AddedBy:     w.userID,
		AddedByName: w.userName,
	})
	if err != nil {
		w.logger.Error("Failed to register file", "name", name, "error", err)
		return
	}

	w.mu.Lock()
	prev := w.byName[name]
	w.byName[name] = hash
	w.mu.Unlock()

	if prev != hash {
		w.logger.Info("Sharing file", "name", name, "hash", hash, "size", info.Size())
		if announce {
			w.advertise()
		}
	}
}

// hash returns the file's hash, reusing the cached one while size and mtime match
func (w *ShareWatcher) hash(ctx context.Context, name, path string, info os.FileInfo) (string, error) {
	stat := fileStat{Size: info.Size(), MTime: info.ModTime().UnixNano()}
	if w.store != nil {
		if data, err := w.store.Get(StatsBucket, name); err == nil && data != nil {
			var cached fileStat
			if json.Unmarshal(data, &cached) == nil && cached.Size == stat.Size && cached.MTime == stat.MTime && cached.Hash != "" {
				return cached.Hash, nil
			}
		}
	}

	hash, err := HashFile(ctx, path)
	if err != nil {
		return "", err
	}
	stat.Hash = hash
	if w.store != nil {
		if data, err := json.Marshal(stat); err == nil {
			if err := w.store.Put(StatsBucket, name, data); err != nil {
				w.logger.Warn("Failed to cache file hash", "name", name, "error", err)
			}
		}
	}
	return hash, nil
}

func (w *ShareWatcher) advertise() {
	w.aw.SetLocalStateField("available_files", w.Hashes())
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
