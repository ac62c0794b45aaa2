package store

import (
	"database/sql"
	"time"

	"github.com/datallboy/nzbstream/internal/domain"
)

// releaseDBO maps to the releases table
type releaseDBO struct {
	ID         string         `db:"id"`
	FileHash   string         `db:"file_hash"`
	Title      string         `db:"title"`
	Password   sql.NullString `db:"password"`
	Size       int64          `db:"size"`
	FileCount  int            `db:"file_count"`
	CreatedAt  int64          `db:"created_at"`
	PosterName sql.NullString `db:"poster_name"`
}

// Mapper: DBO to Domain Release
func (r *releaseDBO) ToDomain() *domain.Release {
	return &domain.Release{
		ID:        r.ID,
		FileHash:  r.FileHash,
		Title:     r.Title,
		Password:  r.Password.String,
		Poster:    r.PosterName.String,
		Size:      r.Size,
		FileCount: r.FileCount,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

// Mapper: Domain Release to DBO
func (r *releaseDBO) FromDomain(rel *domain.Release) {
	r.ID = rel.ID
	r.FileHash = rel.FileHash
	r.Title = rel.Title
	r.Password = sql.NullString{String: rel.Password, Valid: rel.Password != ""}
	r.Size = rel.Size
	r.FileCount = rel.FileCount

	if !rel.CreatedAt.IsZero() {
		r.CreatedAt = rel.CreatedAt.Unix()
	} else {
		r.CreatedAt = time.Now().Unix()
	}
}

// scan reads a row selected with releaseColumns.
func (r *releaseDBO) scan(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&r.ID, &r.FileHash, &r.Title, &r.Password, &r.Size,
		&r.FileCount, &r.CreatedAt, &r.PosterName,
	)
}

const releaseColumns = `
	r.id, r.file_hash, r.title, r.password, r.size, r.file_count, r.created_at,
	p.name as poster_name
	FROM releases r
	LEFT JOIN posters p ON r.poster_id = p.id`
