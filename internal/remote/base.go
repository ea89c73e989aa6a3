package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imdevinc/docsync/internal/storage"
)

// SettingsBucket holds per-remote resume state such as feed sequences
const SettingsBucket = "remote-settings"

// ErrNoStore is returned by the setting helpers of a remote created without a store
var ErrNoStore = errors.New("remote has no settings store")

// Base provides common functionality for all remote implementations
type Base struct {
	name       string
	remoteType string
	store      *storage.Store
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewBase creates a base remote. store may be nil.
func NewBase(name, remoteType string, store *storage.Store) *Base {
	ctx, cancel := context.WithCancel(context.Background())
	return &Base{
		name:       name,
		remoteType: remoteType,
		store:      store,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Name returns the remote's unique name
func (b *Base) Name() string {
	return b.name
}

// Type returns the remote type
func (b *Base) Type() string {
	return b.remoteType
}

// Context is cancelled when the remote is closed
func (b *Base) Context() context.Context {
	return b.ctx
}

// Close cancels the remote's context
func (b *Base) Close() error {
	b.cancel()
	return nil
}

// SetSetting stores a remote-specific setting in persistent storage
func (b *Base) SetSetting(key, value string) error {
	if b.store == nil {
		return ErrNoStore
	}
	return b.store.Put(SettingsBucket, b.settingKey(key), []byte(value))
}

// GetSetting retrieves a remote-specific setting from persistent storage
func (b *Base) GetSetting(key string) (string, error) {
	if b.store == nil {
		return "", ErrNoStore
	}
	v, err := b.store.Get(SettingsBucket, b.settingKey(key))
	return string(v), err
}

// GetSettingWithDefault retrieves a setting or returns default if not found
func (b *Base) GetSettingWithDefault(key, defaultValue string) string {
	v, err := b.GetSetting(key)
	if err != nil {
		return defaultValue
	}
	return v
}

// settingKey creates a namespaced key for this remote
func (b *Base) settingKey(key string) string {
	return fmt.Sprintf("%s-%s-%s", b.name, b.remoteType, key)
}

// Logging helpers

// LogInfo logs an informational message
func (b *Base) LogInfo(msg string, args ...any) {
	allArgs := append([]any{"remote", b.name}, args...)
	slog.Info(msg, allArgs...)
}

// LogDebug logs a debug message
func (b *Base) LogDebug(msg string, args ...any) {
	allArgs := append([]any{"remote", b.name}, args...)
	slog.Debug(msg, allArgs...)
}

// LogWarn logs a warning message
func (b *Base) LogWarn(msg string, args ...any) {
	allArgs := append([]any{"remote", b.name}, args...)
	slog.Warn(msg, allArgs...)
}

// LogError logs an error message
func (b *Base) LogError(msg string, args ...any) {
	allArgs := append([]any{"remote", b.name}, args...)
	slog.Error(msg, allArgs...)
}

// LogReceive logs an incoming message
func (b *Base) LogReceive(msg string, args ...any) {
	allArgs := append([]any{"remote", b.name, "direction", "<--"}, args...)
	slog.Debug(msg, allArgs...)
}

// LogSend logs an outgoing message
func (b *Base) LogSend(msg string, args ...any) {
	allArgs := append([]any{"remote", b.name, "direction", "-->"}, args...)
	slog.Debug(msg, allArgs...)
}
