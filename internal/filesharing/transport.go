package filesharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/imdevinc/docsync/internal/awareness"
	"github.com/imdevinc/docsync/internal/util"
)

// TransferPath is the route a seeder serves transfers on
const TransferPath = "/transfer/{id}"

// ErrNoSeeder is returned when no online peer offers a file
var ErrNoSeeder = errors.New("no peer is serving the file")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewTransferHandler serves transfer requests to receivers. The request
// may reach this peer's replica slightly after the receiver connects, so
// lookups are retried briefly.
func NewTransferHandler(s *Seeder) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(TransferPath, func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		ctx := req.Context()

		if err := waitForRequest(ctx, s.registry, id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			s.logger.Warn("Transfer upgrade failed", "request", id, "error", err)
			return
		}
		ch := NewWSChannel(conn)
		defer ch.Close()

		s.Serve(ctx, id, ch)
	}).Methods(http.MethodGet)
	return r
}

func waitForRequest(ctx context.Context, reg *Registry, id string) error {
	return util.Retry(ctx, util.DefaultRetryConfig(), func(ctx context.Context) error {
		_, err := reg.Transfer(id)
		return err
	}, func(err error) bool {
		return errors.Is(err, ErrNotFound)
	})
}

// TransferURL returns the websocket URL of a request at a seeder endpoint
func TransferURL(endpoint, requestID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme", endpoint)
	}
	u.Path += "/transfer/" + url.PathEscape(requestID)
	return u.String(), nil
}

// Downloader fetches files from the peers advertising them
type Downloader struct {
	Registry  *Registry
	Awareness *awareness.Awareness
	Receiver  *Receiver
	ClientID  string
	Logger    *slog.Logger
}

// Fetch requests hash from each serving peer in turn until one transfer
// completes, and returns the written path.
func (d *Downloader) Fetch(ctx context.Context, hash string) (string, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	holders := Holders(d.Awareness, hash)
	if len(holders) == 0 {
		return "", fmt.Errorf("file %s: %w", hash, ErrNoSeeder)
	}

	var errs []error
	for _, h := range holders {
		if h.Presence.Endpoint == "" {
			continue
		}
		path, err := d.fetchFrom(ctx, hash, h)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("Transfer from peer failed", "peer", h.ClientID, "file", hash, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", h.ClientID, err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("file %s: %w", hash, ErrNoSeeder)
	}
	return "", errors.Join(errs...)
}

func (d *Downloader) fetchFrom(ctx context.Context, hash string, h Holder) (string, error) {
	req, err := d.Registry.RequestTransfer(hash, d.ClientID)
	if err != nil {
		return "", err
	}
	target, err := TransferURL(h.Presence.Endpoint, req.ID)
	if err != nil {
		d.Registry.Fail(req.ID, err.Error())
		return "", err
	}

	ch, err := DialChannel(ctx, target, nil)
	if err != nil {
		d.Registry.Fail(req.ID, err.Error())
		return "", fmt.Errorf("dial %s: %w", target, err)
	}
	defer ch.Close()

	return d.Receiver.Receive(ctx, req.ID, ch)
}
