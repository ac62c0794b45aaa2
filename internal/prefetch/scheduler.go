package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/datallboy/nzbstream/internal/cache"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
)

// Loader is the fetch path shared with foreground reads, so a prefetch and a
// read of the same article end up in one flight.
type Loader interface {
	Load(ctx context.Context, id string) (*cache.Handle, error)
	Cached(id string) bool
}

const (
	jobPending int32 = iota
	jobStarted
	jobCancelled
)

type job struct {
	id     string
	window *Window
	state  atomic.Int32
}

// cancel succeeds only for a job no worker has picked up yet.
func (j *job) cancel() bool { return j.state.CompareAndSwap(jobPending, jobCancelled) }

func (j *job) start() bool { return j.state.CompareAndSwap(jobPending, jobStarted) }

// Completion reports the outcome of one background fetch.
type Completion struct {
	Session   string
	ArticleID string
	Err       error

	window *Window
}

// Scheduler runs prefetch jobs for every session on one shared set of
// workers. Enqueueing never blocks; a full queue drops the job.
type Scheduler struct {
	loader  Loader
	log     *logger.Logger
	metrics *metrics.Metrics

	jobs        chan *job
	completions chan Completion

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	drained chan struct{}
	once    sync.Once
}

func NewScheduler(loader Loader, workers, queueSize int, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		loader:      loader,
		log:         log,
		metrics:     m,
		jobs:        make(chan *job, queueSize),
		completions: make(chan Completion, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		drained:     make(chan struct{}),
	}

	for w := 1; w <= workers; w++ {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.worker()
		}()
	}
	go s.collect()
	return s
}

// Window starts a prefetch window for one session. resolve maps an entry
// range to the article ids behind it.
func (s *Scheduler) Window(session string, resolve Resolver, initial, maxSize int64) *Window {
	if maxSize < initial {
		maxSize = initial
	}
	ctx, cancel := context.WithCancel(s.ctx)
	return &Window{
		sched:   s,
		session: session,
		resolve: resolve,
		initial: initial,
		max:     maxSize,
		size:    initial,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*job),
	}
}

func (s *Scheduler) enqueue(j *job) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.jobs <- j:
		s.metrics.PrefetchScheduled()
		return true
	default:
		return false
	}
}

// worker pulls jobs until the scheduler closes.
func (s *Scheduler) worker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			if !j.start() {
				continue
			}
			w := j.window
			w.started(j)

			var err error
			if !s.loader.Cached(j.id) {
				_, err = s.loader.Load(w.ctx, j.id)
			}

			select {
			case s.completions <- Completion{Session: w.session, ArticleID: j.id, Err: err, window: w}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// collect is the single reader of the completions channel.
func (s *Scheduler) collect() {
	defer close(s.drained)
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.completions:
			c.window.finished(c.Err)
			switch {
			case c.Err == nil:
			case errors.Is(c.Err, context.Canceled):
				s.log.Debug("[Prefetch] %s: %s dropped, session closed", c.Session, c.ArticleID)
			default:
				// a foreground read of the same article will try again
				s.metrics.PrefetchFailed()
				s.log.Warn("[Prefetch] %s: %s failed: %v", c.Session, c.ArticleID, c.Err)
			}
		}
	}
}

// Close stops the workers. Windows must not be used afterwards.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		s.cancel()
		s.workers.Wait()
		<-s.drained
	})
}
