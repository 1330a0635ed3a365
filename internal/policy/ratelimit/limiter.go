// Package ratelimit enforces per-host politeness: a minimum spacing between
// requests and a cap on concurrent fetches to the same host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/edital-crawler/internal/metrics"
)

// Config holds politeness settings.
type Config struct {
	// PageDelay is the minimum spacing between requests to one host.
	PageDelay time.Duration
	// SourceDelay is the pause between consecutive sources on one worker.
	SourceDelay time.Duration
	// PerHost caps concurrent fetches to one host.
	PerHost int
}

// DefaultConfig returns the production politeness settings.
func DefaultConfig() Config {
	return Config{PageDelay: time.Second, SourceDelay: 2 * time.Second, PerHost: 1}
}

type hostState struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// Limiter manages per-host spacing and concurrency.
type Limiter struct {
	cfg   Config
	mu    sync.Mutex
	hosts map[string]*hostState
}

// New creates a Limiter. Zero delays disable spacing.
func New(cfg Config) *Limiter {
	if cfg.PerHost <= 0 {
		cfg.PerHost = 1
	}
	return &Limiter{cfg: cfg, hosts: make(map[string]*hostState)}
}

// Acquire blocks until a request to rawURL may start. The returned release
// must be called when the request finishes.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	host := Host(rawURL)
	st := l.host(host)

	start := time.Now()
	select {
	case st.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("host slot wait: %w", ctx.Err())
	}
	if err := st.limiter.Wait(ctx); err != nil {
		<-st.slots
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}

	var once sync.Once
	return func() { once.Do(func() { <-st.slots }) }, nil
}

// Pace waits for the host's next request token without taking a concurrency
// slot. Callers already holding a slot for the host use it for follow-up
// requests such as fallback paths.
func (l *Limiter) Pace(ctx context.Context, rawURL string) error {
	host := Host(rawURL)
	start := time.Now()
	if err := l.host(host).limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// PauseBetweenSources sleeps for SourceDelay unless ctx ends first.
func (l *Limiter) PauseBetweenSources(ctx context.Context) error {
	return Sleep(ctx, l.cfg.SourceDelay)
}

func (l *Limiter) host(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[host]
	if !ok {
		limit := rate.Inf
		if l.cfg.PageDelay > 0 {
			limit = rate.Every(l.cfg.PageDelay)
		}
		st = &hostState{
			limiter: rate.NewLimiter(limit, 1),
			slots:   make(chan struct{}, l.cfg.PerHost),
		}
		l.hosts[host] = st
	}
	return st
}

// Host returns the lowercase hostname of rawURL, or "unknown".
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
