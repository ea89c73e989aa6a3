package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/imdevinc/docsync/internal/util"
)

// RawConfig is used for JSON unmarshaling
type RawConfig struct {
	Config
	Remotes []json.RawMessage `json:"remotes"`
}

// LoadConfig loads and parses the configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a configuration document
func ParseConfig(data []byte) (*Config, error) {
	// First parse into raw config to inspect remote types
	var raw RawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config := raw.Config
	config.Remotes = make([]RemoteConf, 0, len(raw.Remotes))

	for i, rawRemote := range raw.Remotes {
		var typeCheck struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(rawRemote, &typeCheck); err != nil {
			return nil, fmt.Errorf("failed to determine type for remote %d: %w", i, err)
		}

		var remote RemoteConf
		switch typeCheck.Type {
		case TypeElectric:
			var r ElectricRemoteConf
			if err := json.Unmarshal(rawRemote, &r); err != nil {
				return nil, fmt.Errorf("failed to parse electric remote %d: %w", i, err)
			}
			if r.Table == "" {
				r.Table = "content"
			}
			remote = r
		case TypeCouchDB:
			var r CouchDBRemoteConf
			if err := json.Unmarshal(rawRemote, &r); err != nil {
				return nil, fmt.Errorf("failed to parse couchdb remote %d: %w", i, err)
			}
			remote = r
		case TypeRelay:
			var r RelayRemoteConf
			if err := json.Unmarshal(rawRemote, &r); err != nil {
				return nil, fmt.Errorf("failed to parse relay remote %d: %w", i, err)
			}
			remote = r
		default:
			return nil, fmt.Errorf("unknown remote type '%s' for remote %d", typeCheck.Type, i)
		}

		config.Remotes = append(config.Remotes, remote)
	}

	if config.Share != nil && config.Share.Endpoint == "" && config.Listen != "" {
		config.Share.Endpoint = "http://" + config.Listen
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig performs validation on the loaded configuration
func validateConfig(config *Config) error {
	if config.User.ID == "" {
		return fmt.Errorf("user has no id")
	}
	if len(config.Remotes) == 0 {
		return fmt.Errorf("no remotes configured")
	}

	names := make(map[string]bool)
	for i, remote := range config.Remotes {
		name := remote.GetName()
		if name == "" {
			return fmt.Errorf("remote %d has no name", i)
		}
		if names[name] {
			return fmt.Errorf("duplicate remote name: %s", name)
		}
		names[name] = true

		switch r := remote.(type) {
		case ElectricRemoteConf:
			if r.APIURL == "" {
				return fmt.Errorf("electric remote %s has no apiUrl", name)
			}
			if r.ShapeURL == "" {
				return fmt.Errorf("electric remote %s has no shapeUrl", name)
			}
		case CouchDBRemoteConf:
			if r.URL == "" {
				return fmt.Errorf("couchdb remote %s has no URL", name)
			}
			if r.Database == "" {
				return fmt.Errorf("couchdb remote %s has no database", name)
			}
		case RelayRemoteConf:
			if r.URL == "" {
				return fmt.Errorf("relay remote %s has no URL", name)
			}
			// the relay merges state, so it must be able to read it
			if r.Enabled() {
				return fmt.Errorf("relay remote %s cannot use a passphrase", name)
			}
		default:
			return fmt.Errorf("unknown remote type for remote %s", name)
		}
	}

	if len(config.Documents) == 0 {
		return fmt.Errorf("no documents configured")
	}
	docs := make(map[string]bool)
	for _, doc := range config.Documents {
		if _, _, err := util.ParseDocumentID(doc.ID); err != nil {
			return err
		}
		if docs[doc.ID] {
			return fmt.Errorf("duplicate document: %s", doc.ID)
		}
		docs[doc.ID] = true
		if !names[doc.Remote] {
			return fmt.Errorf("document %s references unknown remote '%s'", doc.ID, doc.Remote)
		}
		if doc.DebounceMs < 0 {
			return fmt.Errorf("document %s has a negative debounce", doc.ID)
		}
	}

	if s := config.Share; s != nil {
		if s.Dir == "" {
			return fmt.Errorf("share has no dir")
		}
		if !docs[s.Document] {
			return fmt.Errorf("share references unknown document '%s'", s.Document)
		}
		if config.Listen == "" {
			return fmt.Errorf("share requires a listen address")
		}
	}

	return nil
}
