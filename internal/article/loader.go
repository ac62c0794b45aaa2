package article

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datallboy/nzbstream/internal/cache"
	"github.com/datallboy/nzbstream/internal/decoding"
	"github.com/datallboy/nzbstream/internal/infra/logger"
)

var ErrDecodeMismatch = errors.New("article checksum mismatch")

// Source returns the raw (still encoded) article body. *nntp.Manager is the
// production implementation.
type Source interface {
	Body(ctx context.Context, id string) ([]byte, error)
}

type Policy int

const (
	// RejectMismatch fails the article and keeps it out of the cache.
	RejectMismatch Policy = iota
	// ServeMismatch returns and caches the bytes tagged as Mismatch.
	ServeMismatch
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "reject":
		return RejectMismatch, nil
	case "serve":
		return ServeMismatch, nil
	}
	return RejectMismatch, fmt.Errorf("unknown mismatch policy %q", s)
}

// Loader is the only path from an article id to decoded bytes. Concurrent
// loads of the same uncached id share one fetch.
type Loader struct {
	cache   *cache.ArticleCache
	source  Source
	policy  Policy
	timeout time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one fetch-and-decode shared by every waiter on an id. It is
// cancelled once no waiter is left.
type flight struct {
	done    chan struct{}
	h       *cache.Handle
	err     error
	waiters int
	cancel  context.CancelFunc
}

// NewLoader builds a loader. timeout bounds a whole fetch-and-decode flight.
func NewLoader(c *cache.ArticleCache, src Source, policy Policy, timeout time.Duration, log *logger.Logger) *Loader {
	return &Loader{
		cache:   c,
		source:  src,
		policy:  policy,
		timeout: timeout,
		log:     log,
		flights: make(map[string]*flight),
	}
}

// Cached reports whether id is already decoded, without promoting it.
func (l *Loader) Cached(id string) bool {
	return l.cache.Contains(id)
}

// Load returns the decoded article. A caller whose ctx ends stops waiting;
// the shared flight carries on while anyone else still waits on it.
func (l *Loader) Load(ctx context.Context, id string) (*cache.Handle, error) {
	if h, ok := l.cache.Get(id); ok {
		return h, nil
	}

	l.mu.Lock()
	f, ok := l.flights[id]
	if !ok {
		// a flight that finished just before this one may have filled the cache
		if h, ok := l.cache.Peek(id); ok {
			l.mu.Unlock()
			return h, nil
		}
		f = l.start(ctx, id)
	}
	f.waiters++
	l.mu.Unlock()

	select {
	case <-f.done:
		return f.h, f.err
	case <-ctx.Done():
		l.leave(id, f)
		return nil, ctx.Err()
	}
}

// start launches a flight for id. l.mu is held.
func (l *Loader) start(ctx context.Context, id string) *flight {
	var (
		fctx   context.Context
		cancel context.CancelFunc
	)
	if l.timeout > 0 {
		fctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	} else {
		fctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	f := &flight{done: make(chan struct{}), cancel: cancel}
	l.flights[id] = f

	go func() {
		h, err := l.fetch(fctx, id)
		cancel()

		l.mu.Lock()
		if l.flights[id] == f {
			delete(l.flights, id)
		}
		l.mu.Unlock()

		f.h, f.err = h, err
		close(f.done)
	}()
	return f
}

// leave drops one waiter. The last one out cancels the fetch and frees its
// pool slot; later loads of id start a new flight.
func (l *Loader) leave(id string, f *flight) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if l.flights[id] == f {
		delete(l.flights, id)
	}
	f.cancel()
}

func (l *Loader) fetch(ctx context.Context, id string) (*cache.Handle, error) {
	raw, err := l.source.Body(ctx, id)
	if err != nil {
		return nil, err
	}

	part, err := decoding.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}

	if part.Status == decoding.StatusMismatch {
		if l.policy == RejectMismatch {
			return nil, fmt.Errorf("%w: %s expected %08X", ErrDecodeMismatch, id, part.ExpectedCRC)
		}
		l.log.Warn("[Decode] Article %s failed its checksum, serving anyway", id)
	}
	if part.Truncated {
		l.log.Debug("[Decode] Article %s has no =yend trailer", id)
	}

	h := cache.NewHandle(id, part.Data, part.Status).WithMeta(cache.Meta{
		FileSize: part.FileSize,
		Begin:    part.Offset(),
		Multi:    part.Multipart(),
	})
	l.cache.Put(h)
	return h, nil
}
