package nntp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/datallboy/nzbstream/internal/infra/config"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
)

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotCheckedOut
	SlotReconnecting
	SlotDead
)

func (s SlotState) String() string {
	switch s {
	case SlotCheckedOut:
		return "checked-out"
	case SlotReconnecting:
		return "reconnecting"
	case SlotDead:
		return "dead"
	default:
		return "idle"
	}
}

type slot struct {
	id    int
	conn  Transport
	state SlotState
}

// PoolStats is a point-in-time view of a pool's slots.
type PoolStats struct {
	Provider     string `json:"provider"`
	Size         int    `json:"size"`
	Idle         int    `json:"idle"`
	CheckedOut   int    `json:"checkedOut"`
	Reconnecting int    `json:"reconnecting"`
	Dead         int    `json:"dead"`
	Degraded     bool   `json:"degraded"`
}

// Pool owns every connection to one server. Slots connect lazily on first
// checkout and are reconnected in the background after I/O failures.
type Pool struct {
	server  config.ServerConfig
	cfg     config.PoolConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	slots []*slot
	idle  chan *slot

	mu       sync.Mutex
	degraded error
	closed   bool

	done     chan struct{}
	doneOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(s config.ServerConfig, pc config.PoolConfig, log *logger.Logger, m *metrics.Metrics) *Pool {
	dialer := NewDialer(s, pc.ConnectTimeout)
	return newPool(s, pc, log, m, func() Transport {
		return NewConn(s, dialer, pc.ConnectTimeout, pc.FetchTimeout)
	})
}

func newPool(s config.ServerConfig, pc config.PoolConfig, log *logger.Logger, m *metrics.Metrics, newTransport func() Transport) *Pool {
	size := s.MaxConnection
	if size <= 0 {
		size = 1
	}

	limit := rate.Inf
	if pc.DialRate > 0 {
		limit = rate.Limit(pc.DialRate)
	}
	burst := pc.DialBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		server:  s,
		cfg:     pc,
		log:     log,
		metrics: m,
		limiter: rate.NewLimiter(limit, burst),
		slots:   make([]*slot, size),
		idle:    make(chan *slot, size),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := range p.slots {
		s := &slot{id: i, conn: newTransport(), state: SlotIdle}
		p.slots[i] = s
		p.idle <- s
	}
	return p
}

func (p *Pool) ID() string    { return p.server.ID }
func (p *Pool) Priority() int { return p.server.Priority }
func (p *Pool) Size() int     { return len(p.slots) }

// Err is non-nil once the pool is degraded or closed.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded != nil {
		return p.degraded
	}
	if p.closed {
		return ErrPoolClosed
	}
	return nil
}

// Body fetches one article, retrying timeouts, dropped connections and
// checkout exhaustion up to the configured attempt budget.
func (p *Pool) Body(ctx context.Context, id string) ([]byte, error) {
	attempts := p.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.cfg.RetryBackoff << (attempt - 2)
			p.log.Debug("[Retry] Article %s on %s: attempt %d/%d in %s - last error: %v",
				id, p.server.ID, attempt, attempts, delay, lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		s, err := p.checkout(ctx)
		if err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		data, err := s.conn.Body(ctx, id)
		p.checkin(s)

		switch {
		case err == nil:
			p.metrics.ArticleFetched(p.server.ID, "ok")
			return data, nil
		case errors.Is(err, ErrArticleNotFound):
			p.metrics.ArticleFetched(p.server.ID, "missing")
			return nil, err
		case errors.Is(err, ErrAuthFailed):
			p.degrade(err)
			return nil, p.Err()
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case retryable(err):
			p.metrics.ArticleFetched(p.server.ID, "retry")
			lastErr = err
		default:
			p.metrics.ArticleFetched(p.server.ID, "error")
			return nil, err
		}
	}

	return nil, fmt.Errorf("article %s on %s failed after %d attempts: %w", id, p.server.ID, attempts, lastErr)
}

// Check connects one slot so bad credentials surface at startup.
func (p *Pool) Check(ctx context.Context) error {
	s, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	p.checkin(s)
	return nil
}

func (p *Pool) checkout(ctx context.Context) (*slot, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()

	for {
		select {
		case s := <-p.idle:
			p.setState(s, SlotCheckedOut)
			err := p.prepare(ctx, s)
			if err == nil {
				return s, nil
			}

			switch {
			case errors.Is(err, ErrAuthFailed):
				p.degrade(err)
				p.release(s)
				return nil, p.Err()
			case ctx.Err() != nil:
				p.release(s)
				return nil, ctx.Err()
			default:
				p.log.Warn("[Pool] %s: slot %d failed to connect: %v", p.server.ID, s.id, err)
				p.scheduleReconnect(s)
			}
		case <-p.done:
			return nil, p.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectionExhausted, p.server.ID, p.cfg.CheckoutTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// prepare makes sure a checked-out slot is connected, pinging it first if
// it sat idle longer than idle_check.
func (p *Pool) prepare(ctx context.Context, s *slot) error {
	if s.conn.Ready() {
		if p.cfg.IdleCheck <= 0 || s.conn.IdleFor() < p.cfg.IdleCheck {
			return nil
		}
		if err := s.conn.Ping(ctx); err == nil {
			return nil
		}
		p.log.Debug("[Pool] %s: slot %d failed idle check, reconnecting", p.server.ID, s.id)
		_ = s.conn.Close()
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.conn.Connect(ctx)
}

// checkin hands a slot back. A connection that did not survive the last
// exchange is reconnected before it is offered again.
func (p *Pool) checkin(s *slot) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = s.conn.Close()
		return
	}

	if !s.conn.Ready() {
		p.scheduleReconnect(s)
		return
	}
	p.release(s)
}

func (p *Pool) release(s *slot) {
	p.setState(s, SlotIdle)
	p.idle <- s
}

func (p *Pool) scheduleReconnect(s *slot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.conn.Close()
		return
	}
	s.state = SlotReconnecting
	p.wg.Add(1)
	p.mu.Unlock()

	go p.reconnect(s)
}

// reconnect retries with exponential backoff. When the attempts run out
// the slot is dead until the cooldown passes, then the cycle starts over.
func (p *Pool) reconnect(s *slot) {
	defer p.wg.Done()
	_ = s.conn.Close()

	attempts := p.cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for {
		for attempt := 1; attempt <= attempts; attempt++ {
			if err := sleepCtx(p.ctx, p.cfg.ReconnectBackoff<<(attempt-1)); err != nil {
				return
			}
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectTimeout)
			err := s.conn.Connect(ctx)
			cancel()

			if err == nil {
				p.log.Debug("[Pool] %s: slot %d reconnected", p.server.ID, s.id)
				p.checkin(s)
				return
			}
			if errors.Is(err, ErrAuthFailed) {
				p.degrade(err)
				return
			}
			if p.ctx.Err() != nil {
				return
			}
			p.log.Warn("[Pool] %s: reconnect %d/%d for slot %d failed: %v", p.server.ID, attempt, attempts, s.id, err)
		}

		p.setState(s, SlotDead)
		p.log.Error("[Pool] %s: slot %d marked dead for %s", p.server.ID, s.id, p.cfg.DeadCooldown)
		if err := sleepCtx(p.ctx, p.cfg.DeadCooldown); err != nil {
			return
		}
		p.setState(s, SlotReconnecting)
	}
}

func (p *Pool) degrade(err error) {
	p.mu.Lock()
	if p.degraded == nil {
		p.degraded = fmt.Errorf("%w: %s: %v", ErrPoolDegraded, p.server.ID, err)
		p.log.Error("[Pool] %s degraded: %v", p.server.ID, err)
	}
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Pool) setState(s *slot, st SlotState) {
	p.mu.Lock()
	s.state = st
	p.mu.Unlock()
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{Provider: p.server.ID, Size: len(p.slots), Degraded: p.degraded != nil}
	for _, s := range p.slots {
		switch s.state {
		case SlotIdle:
			st.Idle++
		case SlotCheckedOut:
			st.CheckedOut++
		case SlotReconnecting:
			st.Reconnecting++
		case SlotDead:
			st.Dead++
		}
	}
	return st
}

// Close stops reconnect loops and closes idle connections. Checked-out
// connections are closed when they are checked in.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.doneOnce.Do(func() { close(p.done) })
	p.cancel()
	p.wg.Wait()

	for {
		select {
		case s := <-p.idle:
			_ = s.conn.Close()
		default:
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
