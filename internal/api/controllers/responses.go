package controllers

import (
	"github.com/datallboy/nzbstream/internal/cache"
	"github.com/datallboy/nzbstream/internal/domain"
	"github.com/datallboy/nzbstream/internal/nntp"
	"github.com/datallboy/nzbstream/internal/stream"
)

// -- RELEASES ---
type ReleaseResponse struct {
	*domain.Release
	Files     []*domain.ReleaseFile `json:"files,omitempty"`
	Duplicate bool                  `json:"duplicate,omitempty"`
}

type EntryResponse struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Method     string `json:"method"`
	Version    int    `json:"version"`
	Volumes    int    `json:"volumes"`
	Encrypted  bool   `json:"encrypted"`
	Video      bool   `json:"video"`
	Streamable bool   `json:"streamable"`
	Reason     string `json:"reason,omitempty"`
}

// -- SESSIONS ---
type CreateSessionRequest struct {
	ReleaseID string `json:"release_id"`
	Entry     string `json:"entry"`
}

type SessionResponse struct {
	stream.Stats
	URL string `json:"url"`
}

// -- SYSTEM ---
type HealthResponse struct {
	Status    string           `json:"status"`
	Sessions  int              `json:"sessions"`
	Schema    uint             `json:"schema,omitempty"`
	Cache     cache.Stats      `json:"cache"`
	Providers []nntp.PoolStats `json:"providers"`
}
