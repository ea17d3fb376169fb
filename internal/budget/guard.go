// Package budget enforces the daily spending ceiling on metered
// provider calls (embeddings, LLM completions). The guard is the single
// writer of budget state; every caller reserves an estimated cost before
// calling the provider and commits the actual cost afterwards.
package budget

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

// ErrBudgetExceeded is a designed rejection, not a failure: callers must
// take their fallback path (cache-only, EXPLANATION_ONLY, skip).
var ErrBudgetExceeded = errors.New("daily budget exceeded")

type Stats struct {
	LimitUSD       float64 `json:"limit_usd"`
	SpentUSD       float64 `json:"spent_usd"`
	RemainingUSD   float64 `json:"remaining_usd"`
	UtilizationPct float64 `json:"utilization_pct"`
	Unlimited      bool    `json:"unlimited"`
	Date           string  `json:"date"`
}

// Guard tracks spend against a daily ceiling. A limit <= 0 disables the
// ceiling. Day rollover is detected lazily on each operation by comparing
// the stored UTC date against the injected clock.
type Guard struct {
	mu       sync.Mutex
	limitUSD float64
	spentUSD float64
	reserved float64
	date     string
	now      func() time.Time

	warned80 bool
}

type Option func(*Guard)

// WithClock injects the time source, which lets tests drive day rollover.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

func NewGuard(limitUSD float64, opts ...Option) *Guard {
	g := &Guard{
		limitUSD: limitUSD,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.date = g.today()
	return g
}

func (g *Guard) today() string {
	return g.now().UTC().Format("2006-01-02")
}

// rollover must be called with the mutex held.
func (g *Guard) rollover() {
	today := g.today()
	if today != g.date {
		logger.Info("Budget day rolled over",
			zap.String("from", g.date),
			zap.String("to", today),
			zap.Float64("spent_usd", g.spentUSD),
		)
		g.date = today
		g.spentUSD = 0
		g.reserved = 0
		g.warned80 = false
		metrics.BudgetSpentUSD.Set(0)
	}
}

// Reservation holds an admitted estimate. Exactly one of Commit or
// Release must be called.
type Reservation struct {
	guard     *Guard
	estimated float64
	done      bool
}

// Reserve admits a call whose projected spend stays within the ceiling.
// Reservations are linearized on the guard's mutex so concurrent
// escalations cannot jointly overshoot the limit.
func (g *Guard) Reserve(estimatedUSD float64) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover()

	if g.limitUSD > 0 {
		projected := g.spentUSD + g.reserved + estimatedUSD
		if projected > g.limitUSD {
			metrics.BudgetRejections.Inc()
			logger.Warn("Budget reservation rejected",
				zap.Float64("spent_usd", g.spentUSD),
				zap.Float64("estimated_usd", estimatedUSD),
				zap.Float64("limit_usd", g.limitUSD),
			)
			return nil, ErrBudgetExceeded
		}

		if !g.warned80 && g.spentUSD/g.limitUSD >= 0.8 {
			g.warned80 = true
			logger.Warn("Approaching daily budget limit",
				zap.Float64("spent_usd", g.spentUSD),
				zap.Float64("limit_usd", g.limitUSD),
			)
		}
	}

	g.reserved += estimatedUSD
	metrics.BudgetReservations.Inc()

	return &Reservation{guard: g, estimated: estimatedUSD}, nil
}

// Commit records the actual cost of a completed call and releases the
// reservation.
func (r *Reservation) Commit(actualUSD float64) {
	if r == nil || r.done {
		return
	}
	r.done = true

	g := r.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover()
	g.reserved -= r.estimated
	if g.reserved < 0 {
		g.reserved = 0
	}
	g.spentUSD += actualUSD
	metrics.BudgetSpentUSD.Set(g.spentUSD)

	logger.Debug("Budget spend committed",
		zap.Float64("cost_usd", actualUSD),
		zap.Float64("daily_total_usd", g.spentUSD),
	)
}

// Release frees a reservation whose call failed without spending.
func (r *Reservation) Release() {
	if r == nil || r.done {
		return
	}
	r.done = true

	g := r.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reserved -= r.estimated
	if g.reserved < 0 {
		g.reserved = 0
	}
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover()

	stats := Stats{
		LimitUSD:  g.limitUSD,
		SpentUSD:  g.spentUSD,
		Unlimited: g.limitUSD <= 0,
		Date:      g.date,
	}
	if g.limitUSD > 0 {
		stats.RemainingUSD = g.limitUSD - g.spentUSD
		if stats.RemainingUSD < 0 {
			stats.RemainingUSD = 0
		}
		stats.UtilizationPct = g.spentUSD / g.limitUSD * 100
	}
	return stats
}
