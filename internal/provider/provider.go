// Package provider keeps a local document synchronized with a remote.
//
// A Provider hydrates the document from local persistence, subscribes to
// the remote's change stream for the document and pushes the whole local
// state back after a debounce. Remote changes are applied with origin
// remote, which the push path ignores, so nothing is sent back to the
// channel it came from.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/crdt"
	"github.com/imdevinc/docsync/internal/events"
	"github.com/imdevinc/docsync/internal/metrics"
	"github.com/imdevinc/docsync/internal/persistence"
	"github.com/imdevinc/docsync/internal/remote"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

// Status is the connection state of a provider
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusSynced     Status = "synced"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

const (
	// DefaultDebounce is the quiet period before local changes are pushed
	DefaultDebounce = 500 * time.Millisecond

	seenCacheSize = 300
)

// ErrStreamEnded is reported when a remote closes a subscription without an error
var ErrStreamEnded = errors.New("remote stream ended")

// Options configures a Provider
type Options struct {
	Doc        *crdt.Doc
	Remote     remote.Remote
	DocumentID string

	// ClientID filters our own echoes. Defaults to the awareness client id,
	// or a new random id.
	ClientID string

	// Store enables local persistence when set
	Store            *storage.Store
	CompactThreshold int

	// Awareness is forwarded over the remote when it supports it
	Awareness *awareness.Awareness

	Debounce  time.Duration
	Reconnect util.RetryConfig
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// Handlers registered before the subscription starts, so an initial
	// failure is never missed
	OnSync            func(bool)
	OnStatus          func(Status)
	OnConnectionError func(error)
}

// Provider synchronizes one document with one remote
type Provider struct {
	doc         *crdt.Doc
	remote      remote.Remote
	documentID  string
	clientID    string
	debounce    time.Duration
	reconnect   util.RetryConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	persistence *persistence.Persistence
	awareness   *awareness.Awareness
	seen        *util.SeenSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runEmits counts events being delivered from the run goroutine
	runEmits atomic.Int32

	mu          sync.Mutex
	status      Status
	synced      bool
	lastSent    []byte
	lastSynced  []byte
	remoteState []byte
	timer       *time.Timer
	stream      remote.Stream
	destroyed   bool
	firstSync   chan struct{}
	syncOnce    sync.Once

	pushMu sync.Mutex

	syncEvents   events.Emitter[bool]
	statusEvents events.Emitter[Status]
	errorEvents  events.Emitter[error]
	subs         []*events.Subscription
}

// New hydrates the document from persistence and starts subscribing to the remote
func New(opts Options) (*Provider, error) {
	if opts.Doc == nil {
		return nil, fmt.Errorf("provider: doc is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("provider: remote is required")
	}
	if opts.DocumentID == "" {
		return nil, fmt.Errorf("provider: document id is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Reconnect.InitialBackoff <= 0 {
		opts.Reconnect = util.ReconnectConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientID == "" {
		if opts.Awareness != nil {
			opts.ClientID = opts.Awareness.ClientID()
		} else {
			opts.ClientID = util.NewClientID()
		}
	}

	seen, err := util.NewSeenSet(seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("provider: failed to create cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		doc:        opts.Doc,
		remote:     opts.Remote,
		documentID: opts.DocumentID,
		clientID:   opts.ClientID,
		debounce:   opts.Debounce,
		reconnect:  opts.Reconnect,
		logger: opts.Logger.With(
			"component", "provider",
			"document", opts.DocumentID,
			"remote", opts.Remote.Name(),
		),
		metrics:   opts.Metrics,
		awareness: opts.Awareness,
		seen:      seen,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusConnecting,
		firstSync: make(chan struct{}),
	}

	if opts.Store != nil {
		p.persistence = persistence.New(opts.Store, opts.DocumentID, opts.Doc, persistence.Options{
			CompactThreshold: opts.CompactThreshold,
			Logger:           opts.Logger,
		})
		<-p.persistence.WhenSynced()
	}

	if opts.OnSync != nil {
		p.syncEvents.On(opts.OnSync)
	}
	if opts.OnStatus != nil {
		p.statusEvents.On(opts.OnStatus)
	}
	if opts.OnConnectionError != nil {
		p.errorEvents.On(opts.OnConnectionError)
	}

	p.subs = append(p.subs, p.doc.OnUpdate(p.handleUpdate))

	if p.awareness != nil {
		if ar, ok := p.remote.(remote.AwarenessRemote); ok {
			p.awareness.SetTransport(&awarenessTransport{p: p, remote: ar})
		}
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// ClientID returns the id used to recognize our own echoes
func (p *Provider) ClientID() string {
	return p.clientID
}

// DocumentID returns the synchronized document's id
func (p *Provider) DocumentID() string {
	return p.documentID
}

// Doc returns the synchronized document
func (p *Provider) Doc() *crdt.Doc {
	return p.doc
}

// Awareness returns the awareness instance, nil if none was configured
func (p *Provider) Awareness() *awareness.Awareness {
	return p.awareness
}

// Remote returns the remote this provider talks to
func (p *Provider) Remote() remote.Remote {
	return p.remote
}

// Status returns the current connection status
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced reports whether the current connection caught up with the remote
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// LastSyncedState returns the state last exchanged with the remote, nil before any exchange
func (p *Provider) LastSyncedState() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.lastSynced)
}

// OnSync registers fn for sync state changes
func (p *Provider) OnSync(fn func(bool)) *events.Subscription {
	return p.syncEvents.On(fn)
}

// OnStatus registers fn for status changes
func (p *Provider) OnStatus(fn func(Status)) *events.Subscription {
	return p.statusEvents.On(fn)
}

// OnConnectionError registers fn for subscription failures
func (p *Provider) OnConnectionError(fn func(error)) *events.Subscription {
	return p.errorEvents.On(fn)
}

// WaitSynced blocks until the provider first reached synced or ctx is done
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.firstSync:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.destroyed || p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()

	p.logger.Info("Status changed", "status", s)
	p.metrics.Status(p.documentID, string(s))
	p.runEmits.Add(1)
	defer p.runEmits.Add(-1)
	p.statusEvents.Emit(s)
}

func (p *Provider) setSynced(v bool) {
	p.mu.Lock()
	if p.destroyed || p.synced == v {
		p.mu.Unlock()
		return
	}
	p.synced = v
	p.mu.Unlock()

	if v {
		p.syncOnce.Do(func() { close(p.firstSync) })
	}
	p.runEmits.Add(1)
	defer p.runEmits.Add(-1)
	p.syncEvents.Emit(v)
}

func (p *Provider) emitError(err error) {
	if p.isDestroyed() {
		return
	}
	p.runEmits.Add(1)
	defer p.runEmits.Add(-1)
	p.errorEvents.Emit(err)
}

// Push path

func (p *Provider) handleUpdate(ev crdt.UpdateEvent) {
	if ev.Origin == crdt.OriginRemote {
		return
	}
	p.schedulePush()
}

func (p *Provider) schedulePush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.push(p.ctx)
	})
}

// Flush cancels the pending debounce and pushes immediately
func (p *Provider) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.push(ctx)
}

func (p *Provider) push(ctx context.Context) error {
	p.pushMu.Lock()
	defer p.pushMu.Unlock()

	if p.isDestroyed() {
		return nil
	}

	state := p.doc.EncodeStateAsUpdate()

	p.mu.Lock()
	same := bytes.Equal(state, p.lastSent)
	p.mu.Unlock()
	if same {
		p.logger.Debug("Skipping push, state unchanged")
		p.metrics.PushSkipped(p.documentID)
		return nil
	}

	if err := p.remote.Push(ctx, p.documentID, state, p.clientID); err != nil {
		// retried on the next debounce cycle
		p.logger.Warn("Push failed", "error", err)
		p.metrics.PushError(p.documentID)
		return fmt.Errorf("push %s: %w", p.documentID, err)
	}

	p.mu.Lock()
	p.lastSent = state
	p.lastSynced = state
	p.mu.Unlock()
	p.seen.Mark(state)

	p.logger.Debug("Pushed state", "direction", "-->", "bytes", len(state))
	p.metrics.Push(p.documentID, len(state))
	return nil
}

// Pull path

func (p *Provider) run() {
	defer p.wg.Done()

	stream, err := p.remote.Subscribe(p.ctx, p.documentID)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		// the caller decides whether to try again
		p.logger.Error("Subscription failed", "error", err)
		p.setStatus(StatusError)
		p.emitError(err)
		return
	}

	for {
		err := p.consume(stream)
		if p.ctx.Err() != nil || p.isDestroyed() {
			return
		}
		if err == nil {
			err = ErrStreamEnded
		}

		p.logger.Warn("Subscription dropped", "error", err)
		p.setSynced(false)
		p.setStatus(StatusOffline)
		p.emitError(err)

		stream = p.resubscribe()
		if stream == nil {
			return
		}
	}
}

// resubscribe retries Subscribe with backoff until it succeeds or the provider stops
func (p *Provider) resubscribe() remote.Stream {
	for attempt := 0; ; attempt++ {
		wait := p.reconnect.Wait(attempt)
		p.logger.Info("Reconnecting", "attempt", attempt+1, "backoff", wait)
		if err := util.Sleep(p.ctx, wait); err != nil {
			return nil
		}

		p.metrics.Reconnect(p.documentID)
		p.setStatus(StatusConnecting)
		stream, err := p.remote.Subscribe(p.ctx, p.documentID)
		if err == nil {
			return stream
		}
		if p.ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("Reconnect failed", "attempt", attempt+1, "error", err)
		p.setStatus(StatusOffline)
	}
}

func (p *Provider) consume(stream remote.Stream) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		stream.Close()
		return nil
	}
	p.stream = stream
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.stream = nil
		p.mu.Unlock()
		stream.Close()
	}()

	p.announceAwareness()

	caughtUp := false
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return stream.Err()
			}
			if p.isDestroyed() {
				return nil
			}
			p.handleMessage(msg, &caughtUp)
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

func (p *Provider) handleMessage(msg remote.Message, caughtUp *bool) {
	switch msg.Kind {
	case remote.KindUpToDate:
		if *caughtUp {
			return
		}
		*caughtUp = true
		p.caughtUp()

	case remote.KindChange:
		if msg.ClientID == p.clientID {
			p.metrics.Skipped(p.documentID, "self-echo")
			return
		}
		if len(msg.State) == 0 {
			return
		}
		if !p.seen.Mark(msg.State) {
			p.metrics.Skipped(p.documentID, "duplicate")
			return
		}
		if err := p.doc.ApplyUpdate(msg.State, crdt.OriginRemote); err != nil {
			p.logger.Warn("Dropping unreadable remote update", "error", err, "client", msg.ClientID)
			p.metrics.Skipped(p.documentID, "malformed")
			return
		}
		p.mu.Lock()
		if msg.Snapshot {
			p.remoteState = msg.State
		}
		p.lastSynced = p.doc.EncodeStateAsUpdate()
		p.mu.Unlock()
		p.logger.Debug("Applied remote update", "direction", "<--", "bytes", len(msg.State), "client", msg.ClientID)
		p.metrics.Applied(p.documentID)

		// the remote replaced its copy with a state that lacks some of ours
		if msg.Snapshot && *caughtUp && p.aheadOf(msg.State) {
			p.logger.Debug("Remote state is behind, pushing merged state")
			p.schedulePush()
		}

	case remote.KindAwareness:
		if p.awareness == nil || msg.ClientID == p.clientID {
			return
		}
		if err := p.awareness.ApplyUpdate(msg.State, awareness.OriginRemote); err != nil {
			p.logger.Warn("Dropping unreadable awareness update", "error", err)
		}

	default:
		p.logger.Debug("Ignoring unknown message", "kind", msg.Kind)
	}
}

// caughtUp handles the first up-to-date control of a connection
func (p *Provider) caughtUp() {
	p.setSynced(true)
	p.setStatus(StatusSynced)

	// local edits made while offline are not on the remote yet
	p.mu.Lock()
	remoteState := p.remoteState
	p.mu.Unlock()
	if p.aheadOf(remoteState) {
		p.schedulePush()
	}
}

// aheadOf reports whether the document holds changes remoteState lacks
func (p *Provider) aheadOf(remoteState []byte) bool {
	if remoteState == nil {
		return !p.doc.Empty()
	}
	return !bytes.Equal(p.doc.EncodeStateAsUpdate(), remoteState)
}

// announceAwareness re-sends our record on a new connection. The clock is
// renewed because the relay removed the record at its old clock when the
// previous connection closed.
func (p *Provider) announceAwareness() {
	if p.awareness == nil {
		return
	}
	if _, ok := p.remote.(remote.AwarenessRemote); !ok {
		return
	}
	p.awareness.Renew()
}

// Destroy stops the provider. It cancels the debounce timer, detaches from
// the document, removes our awareness entry, closes the stream and shuts
// down persistence. It is safe to call more than once.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	stream := p.stream
	p.mu.Unlock()

	for _, sub := range p.subs {
		sub.Off()
	}

	if p.awareness != nil {
		p.awareness.RemoveStates([]string{p.clientID}, awareness.OriginDisconnect)
		p.awareness.SetTransport(nil)
	}

	p.cancel()
	if stream != nil {
		stream.Close()
	}
	// a handler called from the run goroutine may destroy the provider;
	// run returns on its own once it sees the cancelled context
	if p.runEmits.Load() == 0 {
		p.wg.Wait()
	}

	// wait out a push that was already running when the timer was stopped
	p.pushMu.Lock()
	p.pushMu.Unlock()

	if p.persistence != nil {
		p.persistence.Destroy()
	}

	p.syncEvents.Clear()
	p.statusEvents.Clear()
	p.errorEvents.Clear()
	p.logger.Debug("Provider destroyed")
}

type awarenessTransport struct {
	p      *Provider
	remote remote.AwarenessRemote
}

func (t *awarenessTransport) SendAwareness(update []byte) error {
	return t.remote.SendAwareness(t.p.ctx, t.p.documentID, update, t.p.clientID)
}
