// Package headless renders JavaScript-heavy listing pages with chromedp and
// decides when a plain fetch should be promoted to a rendered one.
package headless

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay lets late XHR-driven listings render after DOM ready.
	SettleDelay time.Duration
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 1500 * time.Millisecond
)

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       int64
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// launched lazily on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	f := &Fetcher{cfg: cfg, slots: int64(cfg.MaxParallel)}
	if f.slots > 0 {
		f.tabs = semaphore.NewWeighted(f.slots)
	}
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), browserOptions()...)
	return f, nil
}

func browserOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "pt-BR"),
	)
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the resulting DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.NavigationTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: classify(err), URL: request.URL, Err: err}
	}

	status, headers := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, Status: status, URL: request.URL}
	}
	return crawler.FetchResponse{
		URL:          request.URL,
		FinalURL:     cmp.Or(page.location, request.URL),
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
		Attempted:    []string{request.URL},
	}, nil
}

func classify(err error) crawler.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.FetchTimeout
	}
	return crawler.FetchConnection
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		prepareTab(cmp.Or(request.UserAgent, f.cfg.UserAgent)),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

// prepareTab enables network events and applies the user agent override.
func prepareTab(ua string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(ua).WithAcceptLanguage("pt-BR").Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// responseMeta records the main document response seen by the browser.
type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := make(http.Header, len(resp.Response.Headers))
	for key, value := range resp.Response.Headers {
		headers.Set(key, fmt.Sprint(value))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect chains emit several document responses; keep the last.
	m.status = int(resp.Response.Status)
	m.headers = headers
}

func (m *responseMeta) snapshot() (int, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.headers.Clone()
}
