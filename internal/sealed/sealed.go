// Package sealed encrypts document state end to end before it reaches a
// remote, so the backend only ever stores ciphertext.
package sealed

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/imdevinc/docsync/internal/remote"
)

const (
	// PBKDF2Iterations for key derivation
	PBKDF2Iterations = 100000

	// KeySize of the XChaCha20-Poly1305 key
	KeySize = chacha20poly1305.KeySize

	// DefaultSalt is used when no salt is configured
	DefaultSalt = "docsync"

	// minCompressSize is the smallest state worth compressing
	minCompressSize = 1024

	flagGzip byte = 1 << 0
)

var magic = []byte("DSE1")

var (
	// ErrRelayUnsupported is returned when wrapping a relay remote, which
	// must read the state to merge it
	ErrRelayUnsupported = errors.New("sealed: relay remotes merge state and cannot carry ciphertext")

	// ErrNotSealed is returned when opening data without the sealed header
	ErrNotSealed = errors.New("sealed: payload is not sealed")
)

// Options configures a sealed remote
type Options struct {
	Passphrase string
	Salt       string
	Compress   bool
}

// Remote wraps another remote, sealing pushed state and opening received state
type Remote struct {
	remote.Remote
	key      []byte
	compress bool
	logger   *slog.Logger
}

// DeriveKey derives an encryption key from a passphrase using PBKDF2
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), PBKDF2Iterations, KeySize, sha256.New)
}

// Wrap seals the given remote
func Wrap(inner remote.Remote, opts Options) (*Remote, error) {
	if inner.Type() == "relay" {
		return nil, ErrRelayUnsupported
	}
	if opts.Passphrase == "" {
		return nil, fmt.Errorf("sealed: passphrase is required")
	}
	if opts.Salt == "" {
		opts.Salt = DefaultSalt
	}
	return &Remote{
		Remote:   inner,
		key:      DeriveKey(opts.Passphrase, opts.Salt),
		compress: opts.Compress,
		logger:   slog.With("remote", inner.Name(), "sealed", true),
	}, nil
}

// Seal encrypts plaintext: magic, flags, nonce, then ciphertext
func (r *Remote) Seal(plaintext []byte) ([]byte, error) {
	var flags byte
	if r.compress && len(plaintext) >= minCompressSize {
		compressed, err := compress(plaintext)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(plaintext) {
			plaintext = compressed
			flags |= flagGzip
		}
	}

	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return nil, err
	}

	header := append(append(make([]byte, 0, len(magic)+1), magic...), flags)
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(append(out, header...), nonce...)
	// the header is authenticated so flags cannot be flipped
	return aead.Seal(out, nonce, plaintext, header), nil
}

// Open decrypts data produced by Seal
func (r *Remote) Open(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return nil, err
	}

	headerSize := len(magic) + 1
	if len(data) < headerSize+aead.NonceSize() || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrNotSealed
	}
	header := data[:headerSize]
	nonce := data[headerSize : headerSize+aead.NonceSize()]
	ciphertext := data[headerSize+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("sealed: decryption failed: %w", err)
	}

	if header[len(magic)]&flagGzip != 0 {
		return decompress(plaintext)
	}
	return plaintext, nil
}

// Push implements remote.Remote
func (r *Remote) Push(ctx context.Context, documentID string, state []byte, clientID string) error {
	sealed, err := r.Seal(state)
	if err != nil {
		return fmt.Errorf("failed to seal state: %w", err)
	}
	return r.Remote.Push(ctx, documentID, sealed, clientID)
}

// Subscribe implements remote.Remote. Changes that fail to open are dropped.
func (r *Remote) Subscribe(ctx context.Context, documentID string) (remote.Stream, error) {
	inner, err := r.Remote.Subscribe(ctx, documentID)
	if err != nil {
		return nil, err
	}

	stream := remote.NewChanStream(ctx, 16)
	go func() {
		defer inner.Close()
		for {
			select {
			case msg, ok := <-inner.Messages():
				if !ok {
					stream.Finish(inner.Err())
					return
				}
				if msg.Kind == remote.KindChange {
					plain, err := r.Open(msg.State)
					if err != nil {
						r.logger.Warn("Dropping change that could not be opened", "document", documentID, "error", err)
						continue
					}
					msg.State = plain
				}
				if !stream.Send(msg) {
					stream.Finish(nil)
					return
				}
			case <-stream.Context().Done():
				stream.Finish(nil)
				return
			}
		}
	}()
	return stream, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("sealed: decompress: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
