package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/datallboy/nzbstream/internal/cache"
	"github.com/datallboy/nzbstream/internal/domain"
	"github.com/datallboy/nzbstream/internal/mapping"
	"github.com/datallboy/nzbstream/internal/rar"
)

var (
	ErrEntryNotFound = errors.New("archive entry not found")
	ErrNoVolumes     = errors.New("release has no archive volumes")
)

// Loader is the single path from an article id to decoded bytes.
type Loader interface {
	Load(ctx context.Context, id string) (*cache.Handle, error)
	Cached(id string) bool
}

var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true,
	".webm": true, ".m4v": true, ".mpg": true, ".mpeg": true, ".m2ts": true, ".ts": true,
}

// Archive is a parsed volume set. It is immutable and shared by every
// session reading from it.
type Archive struct {
	Volumes []*mapping.Layout
	Entries []*rar.FileEntry
}

// OpenArchive parses the headers of an ordered volume set, fetching only the
// articles that hold them.
func OpenArchive(ctx context.Context, loader Loader, files []domain.FileDescriptor) (*Archive, error) {
	if len(files) == 0 {
		return nil, ErrNoVolumes
	}

	src := &volumeSource{loader: loader, files: files, layouts: make([]*mapping.Layout, len(files))}
	entries, err := rar.Scan(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", files[0].Name, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", files[0].Name, ErrEntryNotFound)
	}

	// volumes the scan jumped over still need a layout to be mapped
	for i := range files {
		if _, err := src.layout(ctx, i); err != nil {
			return nil, err
		}
	}
	return &Archive{Volumes: src.layouts, Entries: entries}, nil
}

// Entry finds an entry by name. An empty name picks the largest video file,
// or the largest file when there is no video.
func (a *Archive) Entry(name string) (*rar.FileEntry, error) {
	if name != "" {
		for _, e := range a.Entries {
			if e.Name == name {
				return e, nil
			}
		}
		for _, e := range a.Entries {
			if strings.EqualFold(baseName(e.Name), baseName(name)) {
				return e, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}

	var best, bestVideo *rar.FileEntry
	for _, e := range a.Entries {
		if best == nil || e.Size > best.Size {
			best = e
		}
		if IsVideo(e.Name) && (bestVideo == nil || e.Size > bestVideo.Size) {
			bestVideo = e
		}
	}
	if bestVideo != nil {
		return bestVideo, nil
	}
	if best == nil {
		return nil, ErrEntryNotFound
	}
	return best, nil
}

func IsVideo(name string) bool {
	return videoExtensions[strings.ToLower(path.Ext(baseName(name)))]
}

// RAR keeps Windows separators in stored paths.
func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, `\`, "/"))
}

// volumeSource serves volume bytes to the header scan, calibrating each
// volume's layout from its first article on first use.
type volumeSource struct {
	loader Loader
	files  []domain.FileDescriptor

	mu      sync.Mutex
	layouts []*mapping.Layout
}

func (v *volumeSource) Volumes() int { return len(v.files) }

func (v *volumeSource) ReadFrom(ctx context.Context, volume int, offset int64) ([]byte, error) {
	l, err := v.layout(ctx, volume)
	if err != nil {
		return nil, err
	}
	switch {
	case offset == l.Size():
		return nil, io.EOF
	case offset > l.Size():
		return nil, io.ErrUnexpectedEOF
	}

	seg, within, _ := l.Locate(offset)
	h, err := v.loader.Load(ctx, l.Segments[seg].ArticleID)
	if err != nil {
		return nil, fmt.Errorf("%s part %d: %w", l.Name, seg+1, err)
	}
	if err := checkPlacement(l, seg, h); err != nil {
		return nil, err
	}
	return h.Bytes()[within:], nil
}

func (v *volumeSource) layout(ctx context.Context, volume int) (*mapping.Layout, error) {
	v.mu.Lock()
	l := v.layouts[volume]
	v.mu.Unlock()
	if l != nil {
		return l, nil
	}

	f := v.files[volume]
	if len(f.Segments) == 0 {
		return nil, fmt.Errorf("%w: %s has no segments", mapping.ErrLayout, f.Name)
	}
	h, err := v.loader.Load(ctx, f.Segments[0].ArticleID)
	if err != nil {
		return nil, fmt.Errorf("%s part 1: %w", f.Name, err)
	}

	meta := h.Meta()
	fileSize := meta.FileSize
	if !meta.Multi {
		fileSize = h.Len()
	} else if meta.Begin != 0 {
		return nil, fmt.Errorf("%w: first article of %s starts at %d", mapping.ErrLayout, f.Name, meta.Begin)
	}
	l, err = mapping.Calibrate(f.Name, f.Segments, fileSize, h.Len())
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.layouts[volume] = l
	v.mu.Unlock()
	return l, nil
}

// checkPlacement confirms a decoded article sits where the layout expects.
func checkPlacement(l *mapping.Layout, seg int, h *cache.Handle) error {
	if h.Len() != l.SegmentSize(seg) {
		return fmt.Errorf("%w: %s part %d decoded to %d bytes, expected %d",
			mapping.ErrLayout, l.Name, seg+1, h.Len(), l.SegmentSize(seg))
	}
	if m := h.Meta(); m.Multi && m.Begin != l.Start(seg) {
		return fmt.Errorf("%w: %s part %d begins at %d, expected %d",
			mapping.ErrLayout, l.Name, seg+1, m.Begin, l.Start(seg))
	}
	return nil
}
