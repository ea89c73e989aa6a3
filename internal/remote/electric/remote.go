// Package electric synchronizes documents through a single content row:
// pushes go to an HTTP sync endpoint and changes arrive over an Electric
// shape stream filtered to that row.
package electric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imdevinc/docsync/internal/remote"
	"github.com/imdevinc/docsync/internal/storage"
	"github.com/imdevinc/docsync/internal/util"
)

const (
	TypeName = "electric"

	defaultTimeout = 30 * time.Second
	maxBodySize    = 64 << 20
)

// Config holds configuration for an Electric remote
type Config struct {
	Name     string
	APIURL   string // base of POST /sync
	ShapeURL string // base of GET /v1/shape
	Table    string // defaults to "content"
	Timeout  time.Duration

	// HTTPClient overrides the client used for every request
	HTTPClient *http.Client
}

// Remote implements remote.Remote against an Electric shape stream
type Remote struct {
	*remote.Base

	apiURL   string
	shapeURL string
	table    string
	timeout  time.Duration
	client   *http.Client
}

// New creates an Electric remote
func New(cfg Config, store *storage.Store) (*Remote, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("electric remote %s: apiUrl is required", cfg.Name)
	}
	if cfg.ShapeURL == "" {
		return nil, fmt.Errorf("electric remote %s: shapeUrl is required", cfg.Name)
	}
	if cfg.Table == "" {
		cfg.Table = "content"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		// no client timeout: live shape requests are long polls bounded by ctx
		client = &http.Client{}
	}

	return &Remote{
		Base:     remote.NewBase(cfg.Name, TypeName, store),
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		shapeURL: strings.TrimRight(cfg.ShapeURL, "/"),
		table:    cfg.Table,
		timeout:  cfg.Timeout,
		client:   client,
	}, nil
}

// Push implements remote.Remote
func (r *Remote) Push(ctx context.Context, documentID string, state []byte, clientID string) error {
	kind, id, err := util.ParseDocumentID(documentID)
	if err != nil {
		return err
	}

	body := PushRequest{
		NoteID:   id,
		YjsState: base64.StdEncoding.EncodeToString(state),
		ClientID: clientID,
	}
	if kind != util.KindNote {
		body.Type = util.RowType(kind)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode push: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL+"/sync", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sync endpoint returned status %d", resp.StatusCode)
	}

	r.LogSend("Pushed state", "document", documentID, "bytes", len(state))
	return nil
}

// shapeCursor tracks a position in the shape log
type shapeCursor struct {
	handle string
	offset string
	cursor string
}

func (c *shapeCursor) reset() {
	c.handle = ""
	c.offset = OffsetInitial
	c.cursor = ""
}

// Subscribe implements remote.Remote. The initial snapshot request runs
// before Subscribe returns so setup failures reach the caller directly.
func (r *Remote) Subscribe(ctx context.Context, documentID string) (remote.Stream, error) {
	kind, id, err := util.ParseDocumentID(documentID)
	if err != nil {
		return nil, err
	}
	where := WhereClause(util.RowType(kind), id)

	cur := &shapeCursor{}
	cur.reset()

	msgs, err := r.fetch(ctx, where, cur, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open shape for %s: %w", documentID, err)
	}

	stream := remote.NewChanStream(ctx, 16)
	go r.follow(stream, documentID, where, cur, msgs)
	return stream, nil
}

func (r *Remote) follow(stream *remote.ChanStream, documentID, where string, cur *shapeCursor, first []ShapeMessage) {
	ctx := stream.Context()
	live := false
	msgs := first

	for {
		for _, m := range msgs {
			if !r.deliver(stream, documentID, m, cur, &live) {
				stream.Finish(nil)
				return
			}
		}

		var err error
		msgs, err = r.fetch(ctx, where, cur, live)
		if err != nil {
			if ctx.Err() != nil {
				stream.Finish(nil)
				return
			}
			stream.Finish(err)
			return
		}
	}
}

// deliver forwards one shape message. It returns false once the stream is closed.
func (r *Remote) deliver(stream *remote.ChanStream, documentID string, m ShapeMessage, cur *shapeCursor, live *bool) bool {
	switch m.Control() {
	case ControlUpToDate:
		*live = true
		return stream.Send(remote.Message{Kind: remote.KindUpToDate})
	case ControlMustRefetch:
		r.LogInfo("Shape must be refetched", "document", documentID)
		cur.reset()
		*live = false
		return true
	case "":
	default:
		return true
	}

	switch m.Operation() {
	case "insert", "update":
	default:
		return true
	}

	meta, err := RowMetadata(m.Value)
	if err != nil {
		r.LogDebug("Skipping row without sync metadata", "document", documentID, "error", err)
		return true
	}
	state, err := meta.State()
	if err != nil || len(state) == 0 {
		r.LogWarn("Skipping row with unreadable state", "document", documentID, "error", err)
		return true
	}

	r.LogReceive("Received row change", "document", documentID, "bytes", len(state), "client", meta.ClientID)
	return stream.Send(remote.Message{Kind: remote.KindChange, State: state, ClientID: meta.ClientID, Snapshot: true})
}

func (r *Remote) fetch(ctx context.Context, where string, cur *shapeCursor, live bool) ([]ShapeMessage, error) {
	q := url.Values{}
	q.Set("table", r.table)
	q.Set("where", where)
	q.Set("offset", cur.offset)
	if cur.handle != "" {
		q.Set("handle", cur.handle)
	}
	if live {
		q.Set("live", "true")
		if cur.cursor != "" {
			q.Set("cursor", cur.cursor)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.shapeURL+"/v1/shape?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// shape rotated; start over from the beginning
		return []ShapeMessage{{Headers: map[string]string{"control": ControlMustRefetch}}}, nil
	case resp.StatusCode == http.StatusNoContent:
		r.updateCursor(cur, resp.Header)
		return []ShapeMessage{{Headers: map[string]string{"control": ControlUpToDate}}}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("shape endpoint returned status %d", resp.StatusCode)
	}

	r.updateCursor(cur, resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var msgs []ShapeMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode shape response: %w", err)
	}
	return msgs, nil
}

func (r *Remote) updateCursor(cur *shapeCursor, h http.Header) {
	if v := h.Get(HeaderHandle); v != "" {
		cur.handle = v
	}
	if v := h.Get(HeaderOffset); v != "" {
		cur.offset = v
	}
	if v := h.Get(HeaderCursor); v != "" {
		cur.cursor = v
	}
}
