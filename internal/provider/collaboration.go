package provider

import (
	"fmt"
	"sync"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/events"
)

// Collaboration adapts a provider to consumers that expect a
// connect/disconnect collaboration provider with an awareness handle.
// Each Connect builds a fresh Provider from the same options; handlers
// registered on the Collaboration survive reconnects.
type Collaboration struct {
	opts Options

	mu       sync.Mutex
	provider *Provider

	statusEvents events.Emitter[Status]
	syncEvents   events.Emitter[bool]
	errorEvents  events.Emitter[error]
}

// NewCollaboration creates a disconnected collaboration over opts.
// opts.Awareness is created when missing so Awareness is never nil.
func NewCollaboration(opts Options) *Collaboration {
	if opts.Awareness == nil {
		if opts.ClientID == "" {
			opts.ClientID = opts.Doc.ClientID()
		}
		opts.Awareness = awareness.New(opts.ClientID)
	}
	return &Collaboration{opts: opts}
}

// Awareness returns the shared awareness instance
func (c *Collaboration) Awareness() *awareness.Awareness {
	return c.opts.Awareness
}

// Provider returns the connected provider, nil while disconnected
func (c *Collaboration) Provider() *Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

// Connect starts a provider. Connecting twice is a no-op.
func (c *Collaboration) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return nil
	}

	opts := c.opts
	opts.OnStatus = chain(c.opts.OnStatus, c.statusEvents.Emit)
	opts.OnSync = chain(c.opts.OnSync, c.syncEvents.Emit)
	opts.OnConnectionError = chain(c.opts.OnConnectionError, c.errorEvents.Emit)

	p, err := New(opts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.provider = p
	return nil
}

func chain[T any](first, second func(T)) func(T) {
	if first == nil {
		return second
	}
	return func(v T) {
		first(v)
		second(v)
	}
}

// Disconnect destroys the current provider. Safe when not connected.
func (c *Collaboration) Disconnect() {
	c.mu.Lock()
	p := c.provider
	c.provider = nil
	c.mu.Unlock()

	if p == nil {
		return
	}
	p.Destroy()
	c.statusEvents.Emit(StatusOffline)
}

// Status returns the provider's status, offline while disconnected
func (c *Collaboration) Status() Status {
	if p := c.Provider(); p != nil {
		return p.Status()
	}
	return StatusOffline
}

// OnStatus registers fn for status changes across reconnects
func (c *Collaboration) OnStatus(fn func(Status)) *events.Subscription {
	return c.statusEvents.On(fn)
}

// OnConnectionError registers fn for subscription failures across reconnects.
// fn may call Disconnect.
func (c *Collaboration) OnConnectionError(fn func(error)) *events.Subscription {
	return c.errorEvents.On(fn)
}

// OnSync registers fn for sync changes across reconnects
func (c *Collaboration) OnSync(fn func(bool)) *events.Subscription {
	return c.syncEvents.On(fn)
}
