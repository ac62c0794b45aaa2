package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/datallboy/nzbstream/internal/domain"
)

// SaveRelease inserts a release with its files in one transaction.
func (s *PersistentStore) SaveRelease(ctx context.Context, rel *domain.Release, files []*domain.ReleaseFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 1. Get/Create Poster ID
	var posterID sql.NullInt64
	if rel.Poster != "" {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO posters (name) VALUES (?)
			ON CONFLICT(name) DO UPDATE SET name=name
			RETURNING id`, rel.Poster).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert poster %s: %w", rel.Poster, err)
		}
		posterID = sql.NullInt64{Int64: id, Valid: true}
	}

	// 2. Insert the release
	var dbo releaseDBO
	dbo.FromDomain(rel)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO releases (id, file_hash, poster_id, title, password, size, file_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dbo.ID, dbo.FileHash, posterID, dbo.Title, dbo.Password, dbo.Size, dbo.FileCount, dbo.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert release %s: %w", rel.ID, err)
	}

	// 3. Files and their groups
	if err := saveReleaseFiles(ctx, tx, rel.ID, files); err != nil {
		return fmt.Errorf("failed to save files of %s: %w", rel.ID, err)
	}

	return tx.Commit()
}

// GetRelease fetches a single release
func (s *PersistentStore) GetRelease(ctx context.Context, id string) (*domain.Release, error) {
	var dbo releaseDBO
	err := dbo.scan(s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` WHERE r.id = ? LIMIT 1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return dbo.ToDomain(), nil
}

// GetReleaseByHash is used to check for duplicates before creating a new upload.
func (s *PersistentStore) GetReleaseByHash(ctx context.Context, hash string) (*domain.Release, error) {
	var dbo releaseDBO
	err := dbo.scan(s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` WHERE r.file_hash = ? LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return dbo.ToDomain(), nil
}

// ListReleases returns every release, newest first.
func (s *PersistentStore) ListReleases(ctx context.Context) ([]*domain.Release, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+releaseColumns+` ORDER BY r.created_at DESC, r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	var out []*domain.Release
	for rows.Next() {
		var dbo releaseDBO
		if err := dbo.scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		out = append(out, dbo.ToDomain())
	}
	return out, rows.Err()
}

// DeleteRelease removes the row, its files and the stored NZB.
func (s *PersistentStore) DeleteRelease(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM releases WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove nzb of %s: %w", id, err)
	}
	return nil
}
