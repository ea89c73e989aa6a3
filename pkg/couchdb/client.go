package couchdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
)

// Client wraps a Kivik CouchDB client bound to one database
type Client struct {
	client  *kivik.Client
	db      *kivik.DB
	dbName  string
	timeout time.Duration
}

// Config holds configuration for connecting to CouchDB
type Config struct {
	URL      string // CouchDB server URL (e.g., "http://localhost:5984")
	Username string // Username for authentication
	Password string // Password for authentication
	Database string // Database name
	Timeout  time.Duration

	// CreateDatabase creates the database when it does not exist yet
	CreateDatabase bool
}

// Change represents a change notification from CouchDB changes feed
type Change struct {
	Seq     string         `json:"seq"`
	ID      string         `json:"id"`
	Changes []string       `json:"changes"` // Revision strings
	Deleted bool           `json:"deleted,omitempty"`
	Doc     map[string]any `json:"doc,omitempty"` // Raw document data
}

// ChangesOptions configures the changes feed
type ChangesOptions struct {
	Since       string        // Start sequence
	IncludeDocs bool          // Include full documents
	Continuous  bool          // Continuous feed
	Heartbeat   time.Duration // Heartbeat interval
	Timeout     time.Duration // Timeout for feed
	DocIDs      []string      // Restrict the feed to these documents
	Limit       int           // Max number of changes
}

func (o ChangesOptions) params() map[string]any {
	p := map[string]any{}
	if o.Since != "" {
		p["since"] = o.Since
	}
	if o.IncludeDocs {
		p["include_docs"] = true
	}
	if o.Continuous {
		p["feed"] = "continuous"
	}
	if o.Heartbeat > 0 {
		p["heartbeat"] = int(o.Heartbeat.Milliseconds())
	}
	if o.Timeout > 0 {
		p["timeout"] = int(o.Timeout.Milliseconds())
	}
	if len(o.DocIDs) > 0 {
		p["filter"] = "_doc_ids"
		p["doc_ids"] = o.DocIDs
	}
	if o.Limit > 0 {
		p["limit"] = o.Limit
	}
	return p
}

// NewClient creates a new CouchDB client
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("CouchDB URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	// Build DSN with authentication if provided
	dsn := cfg.URL
	if cfg.Username != "" && cfg.Password != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		u.User = url.UserPassword(cfg.Username, cfg.Password)
		dsn = u.String()
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	exists, err := client.DBExists(checkCtx, cfg.Database)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if !cfg.CreateDatabase {
			client.Close()
			return nil, fmt.Errorf("database %s does not exist", cfg.Database)
		}
		if err := client.CreateDB(checkCtx, cfg.Database); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			client.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.Database, err)
		}
	}

	db := client.DB(cfg.Database)
	if db.Err() != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, db.Err())
	}

	return &Client{
		client:  client,
		db:      db,
		dbName:  cfg.Database,
		timeout: cfg.Timeout,
	}, nil
}

// Close closes the CouchDB client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Put creates or updates a document
func (c *Client) Put(ctx context.Context, id string, doc any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rev, err := c.db.Put(ctx, id, doc)
	if err != nil {
		return "", fmt.Errorf("failed to put document %s: %w", id, err)
	}
	return rev, nil
}

// Get reads a document by ID into out
func (c *Client) Get(ctx context.Context, id string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	row := c.db.Get(ctx, id)
	if row.Err() != nil {
		return fmt.Errorf("failed to get document %s: %w", id, row.Err())
	}
	if err := row.ScanDoc(out); err != nil {
		return fmt.Errorf("failed to scan document %s: %w", id, err)
	}
	return nil
}

// Changes monitors the changes feed. Both channels are closed when the
// feed ends; at most one error is delivered.
func (c *Client) Changes(ctx context.Context, opts ChangesOptions) (<-chan Change, <-chan error) {
	changeChan := make(chan Change, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(changeChan)
		defer close(errChan)

		changes := c.db.Changes(ctx, kivik.Params(opts.params()))
		if changes.Err() != nil {
			errChan <- fmt.Errorf("failed to start changes feed: %w", changes.Err())
			return
		}
		defer changes.Close()

		for changes.Next() {
			change := Change{
				ID:      changes.ID(),
				Seq:     changes.Seq(),
				Deleted: changes.Deleted(),
				Changes: changes.Changes(),
			}

			if opts.IncludeDocs {
				var doc map[string]any
				if err := changes.ScanDoc(&doc); err == nil {
					change.Doc = doc
				}
			}

			select {
			case changeChan <- change:
			case <-ctx.Done():
				return
			}
		}

		if changes.Err() != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("changes feed error: %w", changes.Err())
		}
	}()

	return changeChan, errChan
}

// IsConflict reports whether err is a document update conflict
func IsConflict(err error) bool {
	return err != nil && kivik.HTTPStatus(err) == http.StatusConflict
}

// IsNotFound reports whether err means the document does not exist
func IsNotFound(err error) bool {
	return err != nil && kivik.HTTPStatus(err) == http.StatusNotFound
}
