package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
	"github.com/datallboy/nzbstream/internal/mapping"
	"github.com/datallboy/nzbstream/internal/nntp"
	"github.com/datallboy/nzbstream/internal/prefetch"
	"github.com/datallboy/nzbstream/internal/rar"
)

var (
	ErrOutOfRange    = errors.New("read outside the file")
	ErrSessionClosed = errors.New("session closed")
)

// Gap is a range the session filled with zeros because its article is gone
// from every provider.
type Gap struct {
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
	ArticleID string `json:"article_id"`
}

// GapError comes back together with the data of a read that has holes.
type GapError struct {
	Gaps []Gap
}

func (e *GapError) Error() string {
	g := e.Gaps[0]
	return fmt.Sprintf("%d missing article(s), first %s at %d+%d", len(e.Gaps), g.ArticleID, g.Offset, g.Length)
}

func (e *GapError) Unwrap() error { return nntp.ErrArticleNotFound }

type BufferHealth int

const (
	HealthCritical BufferHealth = iota
	HealthPoor
	HealthGood
	HealthExcellent
)

func (h BufferHealth) String() string {
	switch h {
	case HealthPoor:
		return "poor"
	case HealthGood:
		return "good"
	case HealthExcellent:
		return "excellent"
	default:
		return "critical"
	}
}

func (h BufferHealth) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// healthFor grades the number of cached articles ahead of the cursor.
func healthFor(ahead int) BufferHealth {
	switch {
	case ahead <= 10:
		return HealthCritical
	case ahead <= 50:
		return HealthPoor
	case ahead <= 200:
		return HealthGood
	default:
		return HealthExcellent
	}
}

type Stats struct {
	ID         string               `json:"id"`
	Key        string               `json:"key"`
	Entry      string               `json:"entry"`
	Size       int64                `json:"size"`
	Cursor     int64                `json:"cursor"`
	Reads      int64                `json:"reads"`
	BytesRead  int64                `json:"bytes_read"`
	Gaps       int64                `json:"gaps"`
	Ahead      int                  `json:"cached_ahead"`
	Health     BufferHealth         `json:"health"`
	Prefetch   prefetch.WindowStats `json:"prefetch"`
	OpenedAt   time.Time            `json:"opened_at"`
	LastAccess time.Time            `json:"last_access"`
}

// Session answers reads of one archive entry for one client. It holds shared
// handles only; the bytes live in the article cache.
type Session struct {
	id      string
	key     string
	owner   string // client|key|entry for FindOrOpen
	entry   *rar.FileEntry
	volumes []*mapping.Layout
	loader  Loader
	window  *prefetch.Window

	parallelism int
	log         *logger.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	cursor     int64
	reads      int64
	bytesRead  int64
	gaps       int64
	openedAt   time.Time
	lastAccess time.Time
	closed     bool
	onClose    func(*Session)
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Key() string              { return s.key }
func (s *Session) Entry() *rar.FileEntry    { return s.entry }
func (s *Session) TotalSize() int64         { return s.entry.Size }
func (s *Session) Window() *prefetch.Window { return s.window }

// Read returns exactly length bytes starting at offset. Articles missing on
// every provider are zero-filled and reported through a *GapError returned
// alongside the data.
func (s *Session) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.lastAccess = time.Now()
	s.mu.Unlock()

	if offset < 0 || length < 0 || offset+length > s.TotalSize() {
		return nil, fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, offset, length, s.TotalSize())
	}
	if length == 0 {
		return []byte{}, nil
	}

	fetches, err := mapping.Map(s.entry, s.volumes, offset, offset+length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	var (
		gapMu sync.Mutex
		gaps  []Gap
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, f := range fetches {
		g.Go(func() error {
			h, err := s.loader.Load(gctx, f.ArticleID)
			if errors.Is(err, nntp.ErrArticleNotFound) {
				gapMu.Lock()
				gaps = append(gaps, Gap{Offset: offset + f.Dest, Length: f.Length, ArticleID: f.ArticleID})
				gapMu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("article %s: %w", f.ArticleID, err)
			}
			if err := checkPlacement(s.volumes[f.Volume], f.Segment, h); err != nil {
				return err
			}
			copy(out[f.Dest:f.Dest+f.Length], h.Bytes()[f.Offset:f.Offset+f.Length])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cursor = offset + length
	s.reads++
	s.bytesRead += length
	s.gaps += int64(len(gaps))
	s.mu.Unlock()
	s.metrics.AddBytesServed(int(length))

	s.window.Notify(offset, length)

	if len(gaps) > 0 {
		sort.Slice(gaps, func(i, j int) bool { return gaps[i].Offset < gaps[j].Offset })
		s.log.Warn("[Session] %s: %d article(s) missing in %d+%d, zero-filled", s.id, len(gaps), offset, length)
		return out, &GapError{Gaps: gaps}
	}
	return out, nil
}

// resolve is the prefetch window's view of the entry.
func (s *Session) resolve(start, end int64) ([]string, error) {
	end = min(end, s.TotalSize())
	if start >= end {
		return nil, nil
	}
	fetches, err := mapping.Map(s.entry, s.volumes, start, end)
	if err != nil {
		return nil, err
	}
	return mapping.Articles(fetches), nil
}

// cachedAhead counts consecutive cached articles from the cursor, stopping
// one past the Excellent threshold.
func (s *Session) cachedAhead(cursor int64) int {
	if cursor >= s.TotalSize() {
		return 0
	}
	n := 0
	last := ""
	_ = mapping.Walk(s.entry, s.volumes, cursor, s.TotalSize(), func(f mapping.Fetch) bool {
		if f.ArticleID == last {
			return true
		}
		last = f.ArticleID
		if !s.loader.Cached(f.ArticleID) {
			return false
		}
		n++
		return n <= 200
	})
	return n
}

func (s *Session) BufferHealth() BufferHealth {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	return healthFor(s.cachedAhead(cursor))
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ID:         s.id,
		Key:        s.key,
		Entry:      s.entry.Name,
		Size:       s.entry.Size,
		Cursor:     s.cursor,
		Reads:      s.reads,
		BytesRead:  s.bytesRead,
		Gaps:       s.gaps,
		OpenedAt:   s.openedAt,
		LastAccess: s.lastAccess,
	}
	s.mu.Unlock()

	st.Ahead = s.cachedAhead(st.Cursor)
	st.Health = healthFor(st.Ahead)
	st.Prefetch = s.window.Stats()
	return st
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Close stops the session's prefetching. Reads already in flight finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	s.window.Close()
	if onClose != nil {
		onClose(s)
	}
	s.log.Debug("[Session] %s closed", s.id)
	return nil
}

// NewReader adapts the session to io.ReadSeeker for http.ServeContent. Gaps
// read as zeros.
func (s *Session) NewReader(ctx context.Context) io.ReadSeeker {
	return &reader{s: s, ctx: ctx}
}

type reader struct {
	s   *Session
	ctx context.Context
	pos int64
}

func (r *reader) Read(p []byte) (int, error) {
	size := r.s.TotalSize()
	if r.pos >= size {
		return 0, io.EOF
	}
	n := min(int64(len(p)), size-r.pos)
	data, err := r.s.Read(r.ctx, r.pos, n)
	var gapErr *GapError
	if err != nil && !errors.As(err, &gapErr) {
		return 0, err
	}
	copy(p, data)
	r.pos += n
	return int(n), nil
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.s.TotalSize() + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek: negative position %d", abs)
	}
	r.pos = abs
	return abs, nil
}
