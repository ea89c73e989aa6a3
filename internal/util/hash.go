package util

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ComputeHash calculates SHA-256 hash of data and returns hex string
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// NewClientID returns a random replica identifier.
// One is generated per provider and lives as long as the process.
func NewClientID() string {
	return uuid.NewString()
}
