package nntp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/datallboy/nzbstream/internal/infra/config"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
)

// Manager fronts one pool per configured server and fails over between
// them in priority order.
type Manager struct {
	log   *logger.Logger
	pools []*Pool
}

func NewManager(servers []config.ServerConfig, pc config.PoolConfig, log *logger.Logger, m *metrics.Metrics) *Manager {
	pools := make([]*Pool, 0, len(servers))
	for _, s := range servers {
		pools = append(pools, NewPool(s, pc, log, m))
	}
	return newManager(log, pools)
}

func newManager(log *logger.Logger, pools []*Pool) *Manager {
	// Sort providers by priority (lowest number first)
	sort.SliceStable(pools, func(i, j int) bool {
		return pools[i].Priority() < pools[j].Priority()
	})
	return &Manager{log: log, pools: pools}
}

// Check connects to every provider once. Authentication failures are
// returned; anything else is only logged since the server may come back.
func (m *Manager) Check(ctx context.Context) error {
	usable := 0
	for _, p := range m.pools {
		m.log.Info("Validating provider: %s", p.ID())
		err := p.Check(ctx)
		switch {
		case err == nil:
			usable++
		case errors.Is(err, ErrPoolDegraded):
			return err
		default:
			m.log.Warn("Provider %s is unreachable: %v", p.ID(), err)
			usable++
		}
	}
	if usable == 0 {
		return ErrNoProviders
	}
	return nil
}

// Body returns the raw article body from the first provider that has it.
func (m *Manager) Body(ctx context.Context, id string) ([]byte, error) {
	// Fast fail if caller already cancelled
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lastErr, skipErr error
	missing := 0

	for _, p := range m.pools {
		if err := p.Err(); err != nil {
			skipErr = err
			continue
		}

		data, err := p.Body(ctx, id)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, ErrArticleNotFound) {
			missing++
			m.log.Debug("[Failover] Article %s missing on %s", id, p.ID())
			continue
		}

		m.log.Debug("[Failover] %s error for %s: %v", p.ID(), id, err)
		lastErr = err
	}

	switch {
	case lastErr != nil:
		return nil, lastErr
	case missing > 0:
		return nil, fmt.Errorf("%s: %w", id, ErrArticleNotFound)
	case skipErr != nil:
		return nil, skipErr
	}
	return nil, ErrNoProviders
}

// TotalCapacity returns the maximum number of concurrent connections
// allowed across all configured providers.
func (m *Manager) TotalCapacity() int {
	total := 0
	for _, p := range m.pools {
		total += p.Size()
	}
	return total
}

func (m *Manager) Stats() []PoolStats {
	out := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

func (m *Manager) Close() error {
	var errs []error
	for _, p := range m.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
