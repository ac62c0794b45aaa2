package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/singleflight"

	"github.com/datallboy/nzbstream/internal/domain"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
	"github.com/datallboy/nzbstream/internal/prefetch"
)

var ErrSessionNotFound = errors.New("session not found")

type Options struct {
	ReadParallelism int
	InitialWindow   int64
	MaxWindow       int64
	// OpenTimeout bounds the header scan of a new archive.
	OpenTimeout time.Duration
}

// Service owns the sessions of the process. Archives are parsed once per
// release key and shared by every session on it.
type Service struct {
	loader  Loader
	sched   *prefetch.Scheduler
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	archives map[string]*openArchive
	opening  singleflight.Group
}

type openArchive struct {
	archive *Archive
	used    time.Time
}

func NewService(loader Loader, sched *prefetch.Scheduler, opts Options, log *logger.Logger, m *metrics.Metrics) *Service {
	if opts.ReadParallelism <= 0 {
		opts.ReadParallelism = 4
	}
	return &Service{
		loader:   loader,
		sched:    sched,
		opts:     opts,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
		archives: make(map[string]*openArchive),
	}
}

// Archive parses the volume set behind key once; concurrent callers share
// the scan.
func (s *Service) Archive(ctx context.Context, key string, files []domain.FileDescriptor) (*Archive, error) {
	s.mu.Lock()
	oa, ok := s.archives[key]
	if ok {
		oa.used = time.Now()
	}
	s.mu.Unlock()
	if ok {
		return oa.archive, nil
	}

	ch := s.opening.DoChan(key, func() (v any, err error) {
		// singleflight would re-panic on a goroutine of its own
		defer func() {
			if r := recover(); r != nil {
				v, err = nil, fmt.Errorf("scan %s: %v", key, r)
			}
		}()

		octx := context.WithoutCancel(ctx)
		if s.opts.OpenTimeout > 0 {
			var cancel context.CancelFunc
			octx, cancel = context.WithTimeout(octx, s.opts.OpenTimeout)
			defer cancel()
		}

		start := time.Now()
		a, err := OpenArchive(octx, s.loader, files)
		if err != nil {
			return nil, err
		}
		s.log.Info("[Archive] %s: %d entries in %d volumes, parsed in %s",
			key, len(a.Entries), len(a.Volumes), time.Since(start).Round(time.Millisecond))

		s.mu.Lock()
		s.archives[key] = &openArchive{archive: a, used: time.Now()}
		s.mu.Unlock()
		return a, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Archive), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenSession starts a session on one entry of the archive behind key. An
// empty entry name picks the main video.
func (s *Service) OpenSession(ctx context.Context, key string, files []domain.FileDescriptor, entryName string) (*Session, error) {
	return s.open(ctx, key, files, entryName, "")
}

func (s *Service) open(ctx context.Context, key string, files []domain.FileDescriptor, entryName, owner string) (*Session, error) {
	a, err := s.Archive(ctx, key, files)
	if err != nil {
		return nil, err
	}
	entry, err := a.Entry(entryName)
	if err != nil {
		return nil, err
	}
	if err := entry.Usable(); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		id:          ksuid.New().String(),
		key:         key,
		owner:       owner,
		entry:       entry,
		volumes:     a.Volumes,
		loader:      s.loader,
		parallelism: s.opts.ReadParallelism,
		log:         s.log,
		metrics:     s.metrics,
		openedAt:    now,
		lastAccess:  now,
		onClose:     s.forget,
	}
	sess.window = s.sched.Window(sess.id, sess.resolve, s.opts.InitialWindow, s.opts.MaxWindow)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(n)

	s.log.Info("[Session] %s opened on %s (%s)", sess.id, entry.Name, key)
	return sess, nil
}

// FindOrOpen reuses the session a client already holds on an entry.
func (s *Service) FindOrOpen(ctx context.Context, client, key string, files []domain.FileDescriptor, entryName string) (*Session, error) {
	owner := client + "|" + key + "|" + entryName

	s.mu.Lock()
	for _, sess := range s.sessions {
		if sess.owner == owner {
			s.mu.Unlock()
			return sess, nil
		}
	}
	s.mu.Unlock()

	return s.open(ctx, key, files, entryName, owner)
}

func (s *Service) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s *Service) List() []Stats {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	out := make([]Stats, len(all))
	for i, sess := range all {
		out[i] = sess.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (s *Service) Close(id string) error {
	sess, err := s.Session(id)
	if err != nil {
		return err
	}
	return sess.Close()
}

// Forget closes every session on key and drops its parsed archive, as when
// the release behind it is deleted.
func (s *Service) Forget(key string) {
	s.mu.Lock()
	delete(s.archives, key)
	var doomed []*Session
	for _, sess := range s.sessions {
		if sess.key == key {
			doomed = append(doomed, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range doomed {
		_ = sess.Close()
	}
}

// Reap closes sessions nobody has read from for longer than idle, then
// drops archives that no session uses and nobody asked for in that time.
func (s *Service) Reap(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	s.mu.Lock()
	var stale []*Session
	for _, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		s.log.Info("[Session] %s idle since %s, closing", sess.id, sess.idleSince().Format(time.TimeOnly))
		_ = sess.Close()
	}

	s.mu.Lock()
	inUse := make(map[string]bool, len(s.sessions))
	for _, sess := range s.sessions {
		inUse[sess.key] = true
	}
	for key, oa := range s.archives {
		if !inUse[key] && oa.used.Before(cutoff) {
			delete(s.archives, key)
			s.log.Debug("[Archive] %s unused since %s, dropped", key, oa.used.Format(time.TimeOnly))
		}
	}
	s.mu.Unlock()
	return len(stale)
}

// RunReaper reaps idle sessions every interval until ctx ends.
func (s *Service) RunReaper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(idle)
		}
	}
}

// Shutdown closes every session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		_ = sess.Close()
	}
}

func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) forget(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(n)
}
