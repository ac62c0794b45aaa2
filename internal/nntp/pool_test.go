package nntp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/datallboy/nzbstream/internal/infra/config"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/nntp/nntptest"
)

// fakeServer scripts the outcome of Body calls across every transport
// created for a pool.
type fakeServer struct {
	mu         sync.Mutex
	failures   []error
	connectErr error
	bodies     int
	connects   int

	// idleFor is what every transport reports as its idle time.
	idleFor      time.Duration
	pingFailures int
	pings        int
}

func (s *fakeServer) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies++
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *fakeServer) counts() (bodies, connects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies, s.connects
}

type fakeTransport struct {
	srv   *fakeServer
	ready bool
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.srv.mu.Lock()
	t.srv.connects++
	err := t.srv.connectErr
	t.srv.mu.Unlock()
	if err != nil {
		return err
	}
	t.ready = true
	return nil
}

func (t *fakeTransport) Body(ctx context.Context, id string) ([]byte, error) {
	if !t.ready {
		return nil, ErrDisconnected
	}
	if err := t.srv.next(); err != nil {
		if !errors.Is(err, ErrArticleNotFound) {
			t.ready = false
		}
		return nil, err
	}
	return []byte("body:" + id), nil
}

func (t *fakeTransport) Ping(ctx context.Context) error {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	t.srv.pings++
	if t.srv.pingFailures > 0 {
		t.srv.pingFailures--
		t.ready = false
		return fmt.Errorf("%w: no reply to DATE", ErrDisconnected)
	}
	return nil
}

func (t *fakeTransport) Ready() bool { return t.ready }

func (t *fakeTransport) IdleFor() time.Duration {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	return t.srv.idleFor
}

func (t *fakeTransport) Close() error {
	t.ready = false
	return nil
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		ConnectTimeout:    time.Second,
		FetchTimeout:      time.Second,
		CheckoutTimeout:   time.Second,
		MaxAttempts:       3,
		RetryBackoff:      time.Millisecond,
		ReconnectAttempts: 2,
		ReconnectBackoff:  time.Millisecond,
		DeadCooldown:      time.Hour,
	}
}

func newFakePool(t *testing.T, id string, size int, pc config.PoolConfig, srv *fakeServer) *Pool {
	t.Helper()
	s := config.ServerConfig{ID: id, Host: "fake", Port: 119, MaxConnection: size, Priority: 1}
	p := newPool(s, pc, logger.Nop(), nil, func() Transport { return &fakeTransport{srv: srv} })
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPool_idleCheckFailureReconnects(t *testing.T) {
	srv := &fakeServer{idleFor: time.Minute, pingFailures: 1}
	pc := testPoolConfig()
	pc.IdleCheck = time.Millisecond
	p := newFakePool(t, "primary", 1, pc, srv)
	ctx := context.Background()

	if _, err := p.Body(ctx, "a1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, connects := srv.counts(); connects != 1 {
		t.Fatalf("expected 1 connect, got %d", connects)
	}

	// the slot sat idle, fails its DATE and has to reconnect first
	data, err := p.Body(ctx, "a2")
	if err != nil {
		t.Fatalf("fetch after failed idle check: %v", err)
	}
	if string(data) != "body:a2" {
		t.Errorf("data = %q", data)
	}
	bodies, connects := srv.counts()
	if connects != 2 || bodies != 2 {
		t.Errorf("after failed idle check: %d connects, %d bodies", connects, bodies)
	}

	// a healthy ping keeps the connection
	if _, err := p.Body(ctx, "a3"); err != nil {
		t.Fatalf("third fetch: %v", err)
	}
	srv.mu.Lock()
	pings := srv.pings
	srv.mu.Unlock()
	if _, connects := srv.counts(); connects != 2 || pings != 2 {
		t.Errorf("after good idle check: %d connects, %d pings", connects, pings)
	}
}

func TestPool_timeoutsRetriedUntilSuccess(t *testing.T) {
	srv := &fakeServer{failures: []error{
		fmt.Errorf("%w: read deadline", ErrTimeout),
		fmt.Errorf("%w: read deadline", ErrTimeout),
	}}
	p := newFakePool(t, "primary", 1, testPoolConfig(), srv)

	data, err := p.Body(context.Background(), "a1")
	if err != nil {
		t.Fatalf("caller should only see the final success, got %v", err)
	}
	if string(data) != "body:a1" {
		t.Errorf("data = %q", data)
	}
	if bodies, _ := srv.counts(); bodies != 3 {
		t.Errorf("expected 3 transport fetches, got %d", bodies)
	}
}

func TestPool_retryBudgetExhausted(t *testing.T) {
	srv := &fakeServer{failures: []error{ErrTimeout, ErrTimeout, ErrTimeout, ErrTimeout}}
	p := newFakePool(t, "primary", 1, testPoolConfig(), srv)

	_, err := p.Body(context.Background(), "a1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout after budget, got %v", err)
	}
	if bodies, _ := srv.counts(); bodies != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", bodies)
	}
	if p.Err() != nil {
		t.Errorf("timeouts must not degrade the pool: %v", p.Err())
	}
}

func TestPool_notFoundIsNotRetried(t *testing.T) {
	srv := &fakeServer{failures: []error{ErrArticleNotFound}}
	p := newFakePool(t, "primary", 1, testPoolConfig(), srv)

	if _, err := p.Body(context.Background(), "a1"); !errors.Is(err, ErrArticleNotFound) {
		t.Fatalf("expected ErrArticleNotFound, got %v", err)
	}
	if bodies, _ := srv.counts(); bodies != 1 {
		t.Errorf("expected 1 attempt, got %d", bodies)
	}
	if st := p.Stats(); st.Idle != 1 {
		t.Errorf("slot should be idle again, stats %+v", st)
	}
}

func TestPool_checkoutTimeout(t *testing.T) {
	pc := testPoolConfig()
	pc.CheckoutTimeout = 20 * time.Millisecond
	pc.MaxAttempts = 1
	p := newFakePool(t, "primary", 1, pc, &fakeServer{})

	held, err := p.checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer p.checkin(held)

	if st := p.Stats(); st.CheckedOut != 1 {
		t.Errorf("stats = %+v", st)
	}

	if _, err := p.Body(context.Background(), "a1"); !errors.Is(err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}
}

func TestPool_authFailureDegrades(t *testing.T) {
	srv := &fakeServer{connectErr: fmt.Errorf("%w: 481 bad password", ErrAuthFailed)}
	p := newFakePool(t, "primary", 2, testPoolConfig(), srv)

	_, err := p.Body(context.Background(), "a1")
	if !errors.Is(err, ErrPoolDegraded) {
		t.Fatalf("expected ErrPoolDegraded, got %v", err)
	}
	if !p.Stats().Degraded {
		t.Error("stats should report degraded")
	}

	// Later callers fail fast without touching the server
	if _, err := p.Body(context.Background(), "a2"); !errors.Is(err, ErrPoolDegraded) {
		t.Fatalf("expected ErrPoolDegraded, got %v", err)
	}
	if _, connects := srv.counts(); connects != 1 {
		t.Errorf("auth failure must not be retried, saw %d connects", connects)
	}
}

func TestPool_slotDiesAfterReconnectBudget(t *testing.T) {
	srv := &fakeServer{connectErr: ErrDisconnected}
	pc := testPoolConfig()
	pc.CheckoutTimeout = 50 * time.Millisecond
	pc.MaxAttempts = 1
	p := newFakePool(t, "primary", 1, pc, srv)

	if _, err := p.Body(context.Background(), "a1"); !errors.Is(err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Dead != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("slot never marked dead, stats %+v", p.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 1 lazy connect + 2 reconnect attempts
	if _, connects := srv.counts(); connects != 3 {
		t.Errorf("expected 3 connects, got %d", connects)
	}
}

func TestPool_realServerReconnectsAfterDrop(t *testing.T) {
	srv := nntptest.NewServer(t)
	srv.AddArticle("a1@test", []byte("hello\r\n"))
	srv.DropNext("a1@test", 1)

	p := NewPool(testServerConfig(srv), testPoolConfig(), logger.Nop(), nil)
	t.Cleanup(func() { _ = p.Close() })

	data, err := p.Body(context.Background(), "a1@test")
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("data = %q", data)
	}
	if n := srv.Requests("a1@test"); n != 2 {
		t.Errorf("expected 2 BODY requests, got %d", n)
	}
}
