package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/segmentio/ksuid"
)

// CalculateFileHash generates the SHA-256 fingerprint for the actual NZB bytes.
// This is used for content-based deduplication of uploads.
func CalculateFileHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewID returns a sortable unique id for releases and sessions.
func NewID() string {
	return ksuid.New().String()
}
