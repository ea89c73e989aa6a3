package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `{
	"user": {"id": "u-1", "name": "Ada", "color": "#30bced"},
	"store": {"compactThreshold": 100},
	"remotes": [
		{
			"type": "electric",
			"name": "backend",
			"apiUrl": "http://localhost:3000",
			"shapeUrl": "http://localhost:3001"
		},
		{
			"type": "couchdb",
			"name": "couch",
			"url": "http://localhost:5984",
			"username": "admin",
			"password": "pass",
			"database": "docs",
			"passphrase": "secret",
			"compress": true
		},
		{
			"type": "relay",
			"name": "live",
			"url": "ws://localhost:4000"
		}
	],
	"documents": [
		{"id": "notes-1", "remote": "backend", "debounceMs": 250},
		{"id": "wiki-2", "remote": "couch"},
		{"id": "share-files", "remote": "live"}
	],
	"share": {"dir": "./shared", "document": "share-files"},
	"listen": "127.0.0.1:7400"
}`

func TestLoadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.User.ID != "u-1" || config.User.Name != "Ada" {
		t.Errorf("Unexpected user: %+v", config.User)
	}
	if config.Store.CompactThreshold != 100 {
		t.Errorf("Expected compact threshold 100, got %d", config.Store.CompactThreshold)
	}
	if len(config.Remotes) != 3 {
		t.Fatalf("Expected 3 remotes, got %d", len(config.Remotes))
	}

	electric, ok := config.Remotes[0].(ElectricRemoteConf)
	if !ok {
		t.Fatal("Failed to cast to ElectricRemoteConf")
	}
	if electric.Table != "content" {
		t.Errorf("Expected default table 'content', got '%s'", electric.Table)
	}
	if electric.GetSealing().Enabled() {
		t.Error("Electric remote should not be sealed")
	}

	couch, ok := config.Remote("couch")
	if !ok {
		t.Fatal("Expected couch remote")
	}
	if s := couch.GetSealing(); s.Passphrase != "secret" || !s.Compress {
		t.Errorf("Unexpected sealing: %+v", s)
	}
	if couch.(CouchDBRemoteConf).Database != "docs" {
		t.Errorf("Unexpected couchdb conf: %+v", couch)
	}

	if doc, ok := config.Document("notes-1"); !ok || doc.DebounceMs != 250 {
		t.Errorf("Unexpected document: %+v", doc)
	}
	if config.Share.Endpoint != "http://127.0.0.1:7400" {
		t.Errorf("Expected endpoint from listen address, got '%s'", config.Share.Endpoint)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		errText string
	}{
		{"no user id", [2]string{`"id": "u-1"`, `"id": ""`}, "user has no id"},
		{"unknown remote type", [2]string{`"type": "relay"`, `"type": "ftp"`}, "unknown remote type"},
		{"duplicate remote names", [2]string{`"name": "live"`, `"name": "couch"`}, "duplicate remote name"},
		{"electric without shape url", [2]string{`"shapeUrl": "http://localhost:3001"`, `"shapeUrl": ""`}, "no shapeUrl"},
		{"couchdb without database", [2]string{`"database": "docs"`, `"database": ""`}, "no database"},
		{"sealed relay", [2]string{`"url": "ws://localhost:4000"`, `"url": "ws://localhost:4000", "passphrase": "x"`}, "cannot use a passphrase"},
		{"bad document id", [2]string{`"id": "wiki-2"`, `"id": "wiki"`}, "invalid document id"},
		{"duplicate document", [2]string{`"id": "wiki-2"`, `"id": "notes-1"`}, "duplicate document"},
		{"unknown document remote", [2]string{`"remote": "couch"`, `"remote": "nowhere"`}, "unknown remote 'nowhere'"},
		{"negative debounce", [2]string{`"debounceMs": 250`, `"debounceMs": -1`}, "negative debounce"},
		{"share without dir", [2]string{`"dir": "./shared"`, `"dir": ""`}, "share has no dir"},
		{"share unknown document", [2]string{`"document": "share-files"`, `"document": "share-x"`}, "unknown document"},
		{"share without listen", [2]string{`"listen": "127.0.0.1:7400"`, `"listen": ""`}, "listen address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(validConfig, tt.replace[0], tt.replace[1], 1)
			if data == validConfig {
				t.Fatalf("Replacement %q did not apply", tt.replace[0])
			}
			_, err := ParseConfig([]byte(data))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got %v", tt.errText, err)
			}
		})
	}
}

func TestLoadConfigRequiresRemotesAndDocuments(t *testing.T) {
	if _, err := ParseConfig([]byte(`{"user": {"id": "u"}, "remotes": []}`)); err == nil {
		t.Error("Expected error without remotes")
	}
	noDocs := `{"user": {"id": "u"}, "remotes": [{"type": "relay", "name": "r", "url": "ws://x"}]}`
	if _, err := ParseConfig([]byte(noDocs)); err == nil {
		t.Error("Expected error without documents")
	}
	if _, err := ParseConfig([]byte(`{"remotes": [`)); err == nil {
		t.Error("Expected parse error")
	}
}
