// Package budget gates LLM usage on the provider's credit balance and drains
// work that was deferred while credit was short.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Thresholds tune credit classification and batch admission.
type Thresholds struct {
	// LimitedBelow classifies a positive balance under this value as limited.
	LimitedBelow float64
	// CostPerCall is the estimated credit cost of one completion.
	CostPerCall float64
	// FreeBatchMax is the largest batch admitted on a free-tier key.
	FreeBatchMax int
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{LimitedBelow: 1.0, CostPerCall: 0.002, FreeBatchMax: 10}
}

// UnlimitedBalance marks a key without a spending limit.
const UnlimitedBalance = -1

// Classify maps raw key information to a credit state.
func Classify(balance float64, freeTier bool, th Thresholds) crawler.CreditState {
	switch {
	case freeTier:
		return crawler.CreditFree
	case balance == UnlimitedBalance:
		return crawler.CreditOK
	case balance <= 0:
		return crawler.CreditInsufficient
	case balance < th.LimitedBelow:
		return crawler.CreditLimited
	default:
		return crawler.CreditOK
	}
}

// Checker caches balance lookups for a short TTL and answers admission questions.
type Checker struct {
	source crawler.BudgetChecker
	clock  crawler.Clock
	ttl    time.Duration
	th     Thresholds
	logger *zap.Logger

	mu     sync.Mutex
	last   crawler.CreditStatus
	lastAt time.Time
	cached bool
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithTTL sets how long a balance lookup is reused.
func WithTTL(ttl time.Duration) CheckerOption {
	return func(c *Checker) { c.ttl = ttl }
}

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) CheckerOption {
	return func(c *Checker) { c.th = th }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CheckerOption {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChecker wraps source.
func NewChecker(source crawler.BudgetChecker, clock crawler.Clock, opts ...CheckerOption) *Checker {
	c := &Checker{
		source: source,
		clock:  clock,
		ttl:    time.Minute,
		th:     DefaultThresholds(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckBalance returns the cached status or queries the source.
func (c *Checker) CheckBalance(ctx context.Context) (crawler.CreditStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.cached && now.Sub(c.lastAt) < c.ttl {
		return c.last, nil
	}
	status, err := c.source.CheckBalance(ctx)
	if err != nil {
		return crawler.CreditStatus{State: crawler.CreditInsufficient}, fmt.Errorf("check balance: %w", err)
	}
	c.last, c.lastAt, c.cached = status, now, true
	return status, nil
}

// Invalidate drops the cached status.
func (c *Checker) Invalidate() {
	c.mu.Lock()
	c.cached = false
	c.mu.Unlock()
}

// CanProcessSingle reports whether one completion may be attempted.
func (c *Checker) CanProcessSingle(ctx context.Context) bool {
	return c.CanProcessBatch(ctx, 1)
}

// CanProcessBatch reports whether n completions may be attempted. Lookup
// failures deny.
func (c *Checker) CanProcessBatch(ctx context.Context, n int) bool {
	if n <= 0 {
		return true
	}
	status, err := c.CheckBalance(ctx)
	if err != nil {
		c.logger.Warn("budget check failed", zap.Error(err))
		return false
	}
	need := float64(n) * c.th.CostPerCall
	switch status.State {
	case crawler.CreditFree:
		return n <= c.th.FreeBatchMax
	case crawler.CreditOK:
		return status.Balance == UnlimitedBalance || status.Balance >= need
	case crawler.CreditLimited:
		return status.Balance >= need
	default:
		return false
	}
}
