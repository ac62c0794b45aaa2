// Package library keeps the uploaded NZBs and hands out the ordered RAR
// volume sets the stream service opens.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/datallboy/nzbstream/internal/domain"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/nzb"
	"github.com/datallboy/nzbstream/internal/store"
)

// MaxNZBSize bounds an upload.
const MaxNZBSize = 64 << 20

var ErrTooLarge = errors.New("nzb too large")

type releaseStore interface {
	SaveRelease(ctx context.Context, rel *domain.Release, files []*domain.ReleaseFile) error
	GetRelease(ctx context.Context, id string) (*domain.Release, error)
	GetReleaseByHash(ctx context.Context, hash string) (*domain.Release, error)
	ListReleases(ctx context.Context) ([]*domain.Release, error)
	GetReleaseFiles(ctx context.Context, id string) ([]*domain.ReleaseFile, error)
	DeleteRelease(ctx context.Context, id string) error
	GetNZBReader(id string) (io.ReadCloser, error)
	CreateNZBWriter(id string) (io.WriteCloser, error)
}

type Library struct {
	store  releaseStore
	parser *nzb.Parser
	log    *logger.Logger

	mu      sync.Mutex
	volumes map[string][]domain.FileDescriptor
}

func New(s releaseStore, log *logger.Logger) *Library {
	return &Library{
		store:   s,
		parser:  nzb.NewParser(),
		log:     log,
		volumes: make(map[string][]domain.FileDescriptor),
	}
}

// Import stores an NZB unless the same bytes were uploaded before, in which
// case the existing release comes back with duplicate set.
func (l *Library) Import(ctx context.Context, name string, r io.Reader) (rel *domain.Release, duplicate bool, err error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxNZBSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("read nzb: %w", err)
	}
	if len(data) > MaxNZBSize {
		return nil, false, fmt.Errorf("%w: over %s", ErrTooLarge, humanize.IBytes(MaxNZBSize))
	}

	hash, err := domain.CalculateFileHash(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	existing, err := l.store.GetReleaseByHash(ctx, hash)
	if err == nil {
		l.log.Info("[Library] %s is already stored as %s", name, existing.ID)
		return existing, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	model, err := l.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	vols, err := nzb.Volumes(model)
	if err != nil {
		return nil, false, err
	}

	rel = &domain.Release{
		ID:        domain.NewID(),
		FileHash:  hash,
		Title:     title(model, name, vols),
		Password:  model.Head("password"),
		Poster:    model.Files[0].Poster,
		Size:      model.TotalSize(),
		FileCount: len(model.Files),
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.SaveRelease(ctx, rel, releaseFiles(model)); err != nil {
		return nil, false, err
	}
	if err := l.writeBlob(rel.ID, data); err != nil {
		if derr := l.store.DeleteRelease(ctx, rel.ID); derr != nil {
			l.log.Error("[Library] could not roll back %s: %v", rel.ID, derr)
		}
		return nil, false, err
	}

	l.mu.Lock()
	l.volumes[rel.ID] = vols
	l.mu.Unlock()

	l.log.Info("[Library] Imported %s as %s: %d volumes, %s", rel.Title, rel.ID, len(vols), humanize.IBytes(uint64(rel.Size)))
	return rel, false, nil
}

func (l *Library) writeBlob(id string, data []byte) error {
	w, err := l.store.CreateNZBWriter(id)
	if err != nil {
		return fmt.Errorf("store nzb: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("store nzb: %w", err)
	}
	return w.Close()
}

func (l *Library) Release(ctx context.Context, id string) (*domain.Release, error) {
	return l.store.GetRelease(ctx, id)
}

func (l *Library) Releases(ctx context.Context) ([]*domain.Release, error) {
	return l.store.ListReleases(ctx)
}

func (l *Library) Files(ctx context.Context, id string) ([]*domain.ReleaseFile, error) {
	return l.store.GetReleaseFiles(ctx, id)
}

func (l *Library) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.volumes, id)
	l.mu.Unlock()
	return l.store.DeleteRelease(ctx, id)
}

// NZB opens the stored document of a release.
func (l *Library) NZB(id string) (io.ReadCloser, error) {
	return l.store.GetNZBReader(id)
}

// Volumes returns the ordered RAR volume set of a release, parsing the
// stored NZB on first use.
func (l *Library) Volumes(ctx context.Context, id string) ([]domain.FileDescriptor, error) {
	l.mu.Lock()
	vols, ok := l.volumes[id]
	l.mu.Unlock()
	if ok {
		return vols, nil
	}

	if _, err := l.store.GetRelease(ctx, id); err != nil {
		return nil, err
	}
	rc, err := l.store.GetNZBReader(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	model, err := l.parser.Parse(rc)
	if err != nil {
		return nil, err
	}
	if vols, err = nzb.Volumes(model); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.volumes[id] = vols
	l.mu.Unlock()
	return vols, nil
}

// title prefers the NZB's own title, then the upload name, then the name
// of the first volume.
func title(m *nzb.Model, name string, vols []domain.FileDescriptor) string {
	if t := m.Head("title"); t != "" {
		return t
	}
	if name = strings.TrimSuffix(path.Base(name), path.Ext(name)); name != "" && name != "." {
		return name
	}
	return vols[0].Name
}

func releaseFiles(m *nzb.Model) []*domain.ReleaseFile {
	files := make([]*domain.ReleaseFile, 0, len(m.Files))
	for i, f := range m.Files {
		name := nzb.FileName(f.Subject)
		_, _, isVolume := nzb.VolumeNumber(name)
		files = append(files, &domain.ReleaseFile{
			FileName: name,
			Size:     f.TotalSize(),
			Index:    i,
			IsVolume: isVolume,
			IsPars:   strings.EqualFold(path.Ext(name), ".par2"),
			Subject:  f.Subject,
			Date:     f.Date,
			Groups:   f.Groups,
		})
	}
	return files
}
