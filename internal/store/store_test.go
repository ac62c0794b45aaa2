package store

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/datallboy/nzbstream/internal/domain"
)

func openStore(t *testing.T) *PersistentStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewPersistentStore(filepath.Join(dir, "db", "nzbstream.db"), filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("NewPersistentStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_migrates(t *testing.T) {
	s := openStore(t)
	if s.SchemaVersion() != 1 {
		t.Errorf("schema version = %d", s.SchemaVersion())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	// a second run is a no-op
	if v, err := s.RunMigrations(); err != nil || v != 1 {
		t.Errorf("RunMigrations again = %d, %v", v, err)
	}
}

func TestStore_releaseRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rel := &domain.Release{
		ID:        domain.NewID(),
		FileHash:  "abc123",
		Title:     "Some.Movie",
		Password:  "secret",
		Poster:    "poster@example.com",
		Size:      2000,
		FileCount: 2,
		CreatedAt: created,
	}
	files := []*domain.ReleaseFile{
		{FileName: "movie.rar", Size: 1500, Index: 0, IsVolume: true, Subject: `"movie.rar"`, Groups: []string{"a.b.one", "a.b.two"}},
		{FileName: "movie.par2", Size: 500, Index: 1, IsPars: true, Subject: `"movie.par2"`, Groups: []string{"a.b.one"}},
	}
	if err := s.SaveRelease(ctx, rel, files); err != nil {
		t.Fatalf("SaveRelease: %v", err)
	}

	got, err := s.GetRelease(ctx, rel.ID)
	if err != nil {
		t.Fatalf("GetRelease: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created at = %s", got.CreatedAt)
	}
	got.CreatedAt = created
	if *got != *rel {
		t.Errorf("GetRelease = %+v\nwant        %+v", got, rel)
	}

	byHash, err := s.GetReleaseByHash(ctx, "abc123")
	if err != nil || byHash.ID != rel.ID {
		t.Errorf("GetReleaseByHash = %+v, %v", byHash, err)
	}
	if _, err := s.GetReleaseByHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown hash = %v", err)
	}

	stored, err := s.GetReleaseFiles(ctx, rel.ID)
	if err != nil {
		t.Fatalf("GetReleaseFiles: %v", err)
	}
	if len(stored) != 2 || stored[0].FileName != "movie.rar" || !stored[0].IsVolume || !stored[1].IsPars {
		t.Fatalf("files = %+v", stored)
	}
	groups := append([]string(nil), stored[0].Groups...)
	sort.Strings(groups)
	if strings.Join(groups, ",") != "a.b.one,a.b.two" {
		t.Errorf("groups = %v", stored[0].Groups)
	}
}

func TestStore_duplicateHashRejected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := &domain.Release{ID: domain.NewID(), FileHash: "same", Title: "one"}
	if err := s.SaveRelease(ctx, first, nil); err != nil {
		t.Fatalf("SaveRelease: %v", err)
	}
	second := &domain.Release{ID: domain.NewID(), FileHash: "same", Title: "two"}
	if err := s.SaveRelease(ctx, second, nil); err == nil {
		t.Error("a second release with the same hash should be rejected")
	}
	if _, err := s.GetRelease(ctx, second.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed insert left a row behind: %v", err)
	}
}

func TestStore_listAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	older := &domain.Release{ID: domain.NewID(), FileHash: "h1", Title: "older", CreatedAt: time.Unix(1000, 0)}
	newer := &domain.Release{ID: domain.NewID(), FileHash: "h2", Title: "newer", CreatedAt: time.Unix(2000, 0)}
	for _, r := range []*domain.Release{older, newer} {
		if err := s.SaveRelease(ctx, r, []*domain.ReleaseFile{{FileName: r.Title + ".rar", IsVolume: true}}); err != nil {
			t.Fatalf("SaveRelease: %v", err)
		}
	}

	list, err := s.ListReleases(ctx)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	if len(list) != 2 || list[0].Title != "newer" || list[1].Title != "older" {
		t.Fatalf("list = %+v", list)
	}

	w, err := s.CreateNZBWriter(older.ID)
	if err != nil {
		t.Fatalf("CreateNZBWriter: %v", err)
	}
	io.WriteString(w, "<nzb/>")
	w.Close()
	if !s.Exists(older.ID) {
		t.Fatal("blob not written")
	}

	if err := s.DeleteRelease(ctx, older.ID); err != nil {
		t.Fatalf("DeleteRelease: %v", err)
	}
	if s.Exists(older.ID) {
		t.Error("blob survived the delete")
	}
	if files, err := s.GetReleaseFiles(ctx, older.ID); err != nil || len(files) != 0 {
		t.Errorf("files survived the delete: %v, %v", files, err)
	}
	if err := s.DeleteRelease(ctx, older.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v", err)
	}
	if _, err := s.GetNZBReader(older.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("reader of a deleted blob = %v", err)
	}
}
