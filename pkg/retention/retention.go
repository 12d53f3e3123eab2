// Package retention keeps an append-mostly table bounded: only the newest
// Keep records survive a sweep. It knows nothing about what the records are;
// stores expose a count and an oldest-first delete.
package retention

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ncsdark/jobgate/pkg/logx"
)

// Store is the minimal contract a janitor needs. DeleteOldest removes the n
// records that come first in the store's (created, id) order.
type Store interface {
	Count(ctx context.Context) (int, error)
	DeleteOldest(ctx context.Context, n int) (int, error)
}

type Config struct {
	// Keep is the retention cap; 0 or negative disables sweeping.
	Keep int
	// MinInterval throttles sweeps. Opportunistic triggers (e.g. after every
	// insert) then collapse into at most one sweep per interval. 0 disables
	// throttling.
	MinInterval time.Duration
}

type Janitor struct {
	store Store
	cfg   Config
	lim   *rate.Limiter
	log   logx.Logger
}

func New(store Store, cfg Config, log logx.Logger) *Janitor {
	j := &Janitor{store: store, cfg: cfg, log: log}
	if cfg.MinInterval > 0 {
		j.lim = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return j
}

// Excess reports how many records are over the cap.
func (j *Janitor) Excess(ctx context.Context) (int, error) {
	if j.cfg.Keep <= 0 {
		return 0, nil
	}
	n, err := j.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	if n <= j.cfg.Keep {
		return 0, nil
	}
	return n - j.cfg.Keep, nil
}

// Sweep deletes everything over the cap, oldest first, and returns how many
// records were removed. A rate-limited call is a silent no-op.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.cfg.Keep <= 0 {
		return 0, nil
	}
	if j.lim != nil && !j.lim.Allow() {
		return 0, nil
	}
	excess, err := j.Excess(ctx)
	if err != nil {
		return 0, err
	}
	if excess == 0 {
		return 0, nil
	}
	deleted, err := j.store.DeleteOldest(ctx, excess)
	if err != nil {
		return deleted, fmt.Errorf("delete oldest %d: %w", excess, err)
	}
	if deleted > 0 && !j.log.IsZero() {
		j.log.Debug("retention sweep", logx.Int("deleted", deleted), logx.Int("keep", j.cfg.Keep))
	}
	return deleted, nil
}
