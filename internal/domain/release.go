package domain

import (
	"time"
)

// Release represents an uploaded NZB and the files it describes.
type Release struct {
	ID        string    `json:"id"`
	FileHash  string    `json:"hash"`
	Title     string    `json:"title"`
	Password  string    `json:"password,omitempty"`
	Poster    string    `json:"poster,omitempty"`
	Size      int64     `json:"size"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReleaseFile is one posted file of a release as recorded in the store.
type ReleaseFile struct {
	ID        int64    `json:"-"`
	ReleaseID string   `json:"-"`
	FileName  string   `json:"name"`
	Size      int64    `json:"size"` // encoded size advertised by the NZB
	Index     int      `json:"index"`
	IsVolume  bool     `json:"volume"`
	IsPars    bool     `json:"pars"`
	Subject   string   `json:"subject"`
	Date      int64    `json:"date"`
	Groups    []string `json:"groups"`
}
