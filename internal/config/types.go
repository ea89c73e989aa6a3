package config

// Remote types
const (
	TypeElectric = "electric"
	TypeCouchDB  = "couchdb"
	TypeRelay    = "relay"
)

// Config represents the overall configuration of a docsync agent
type Config struct {
	User      UserConf       `json:"user"`
	Store     StoreConf      `json:"store"`
	Remotes   []RemoteConf   `json:"-"`
	Documents []DocumentConf `json:"documents"`
	Share     *ShareConf     `json:"share,omitempty"`

	// Listen is the address of the agent's file transfer endpoint
	Listen string `json:"listen,omitempty"`
}

// UserConf identifies the local user in presence records
type UserConf struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// StoreConf configures local persistence
type StoreConf struct {
	Path             string `json:"path,omitempty"` // overrides the default database path
	CompactThreshold int    `json:"compactThreshold,omitempty"`
}

// DocumentConf binds a document to the remote it syncs with
type DocumentConf struct {
	ID         string `json:"id"` // e.g. "notes-42"
	Remote     string `json:"remote"`
	DebounceMs int    `json:"debounceMs,omitempty"`
}

// ShareConf enables peer file sharing. The file registry lives in the
// given document, which must also be configured under documents.
type ShareConf struct {
	Dir         string `json:"dir"`
	DownloadDir string `json:"downloadDir,omitempty"`
	Document    string `json:"document"`

	// Endpoint is the base URL peers use to reach this agent. Defaults
	// to http://{listen}.
	Endpoint string `json:"endpoint,omitempty"`
}

// RemoteConf is the interface for all remote configurations
type RemoteConf interface {
	GetType() string
	GetName() string
	GetSealing() Sealing
}

// Sealing enables end to end encryption of pushed state
type Sealing struct {
	Passphrase string `json:"passphrase,omitempty"`
	Salt       string `json:"salt,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

func (s Sealing) GetSealing() Sealing { return s }

// Enabled reports whether state is sealed
func (s Sealing) Enabled() bool { return s.Passphrase != "" }

// ElectricRemoteConf configures a sync endpoint with an Electric shape stream
type ElectricRemoteConf struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	APIURL   string `json:"apiUrl"`
	ShapeURL string `json:"shapeUrl"`
	Table    string `json:"table,omitempty"`
	Sealing
}

func (r ElectricRemoteConf) GetType() string { return r.Type }
func (r ElectricRemoteConf) GetName() string { return r.Name }

// CouchDBRemoteConf configures a CouchDB database
type CouchDBRemoteConf struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Database       string `json:"database"`
	CreateDatabase bool   `json:"createDatabase,omitempty"`
	Sealing
}

func (r CouchDBRemoteConf) GetType() string { return r.Type }
func (r CouchDBRemoteConf) GetName() string { return r.Name }

// RelayRemoteConf configures a WebSocket relay
type RelayRemoteConf struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Sealing
}

func (r RelayRemoteConf) GetType() string { return r.Type }
func (r RelayRemoteConf) GetName() string { return r.Name }

// Remote finds a configured remote by name
func (c *Config) Remote(name string) (RemoteConf, bool) {
	for _, r := range c.Remotes {
		if r.GetName() == name {
			return r, true
		}
	}
	return nil, false
}

// Document finds a configured document by id
func (c *Config) Document(id string) (DocumentConf, bool) {
	for _, d := range c.Documents {
		if d.ID == id {
			return d, true
		}
	}
	return DocumentConf{}, false
}
