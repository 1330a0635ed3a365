// Package collyfetcher implements crawler.Fetcher using gocolly, with
// path-guess fallbacks for portals whose listing URL moved.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// DefaultUserAgent mimics a desktop browser; several portals reject bot agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// DefaultTimeout applies when neither the request nor the config sets one.
const DefaultTimeout = 30 * time.Second

// FallbackPaths are tried in order, relative to the source host, when the
// primary listing URL fails.
var FallbackPaths = []string{
	"/licitacoes",
	"/licitacao",
	"/editais",
	"/compras",
	"/transparencia/licitacoes",
	"/portal/licitacoes",
}

const (
	minContentBytes  = 512
	richContentBytes = 2048
)

// Pacer spaces requests to one host.
type Pacer interface {
	Pace(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	MaxBodySize   int
	// Pacer gates fallback path requests; the primary request is paced by
	// the caller.
	Pacer Pacer
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Clones share the visited store, so revisits must be allowed for
	// pagination and repeated sessions.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())

	return &Fetcher{cfg: cfg, baseCollector: c, logger: logger}
}

// Fetch retrieves request.URL and, when allowed, falls back to guessed
// listing paths. It returns the primary URL's error if every candidate fails.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	attempted := []string{request.URL}
	resp, err := f.fetchOnce(ctx, request, request.URL)
	if err == nil {
		resp.Attempted = attempted
		return resp, nil
	}
	if !request.AllowFallback || ctx.Err() != nil {
		return crawler.FetchResponse{Attempted: attempted}, err
	}

	for _, candidate := range FallbackCandidates(request.BaseURL, request.URL) {
		if ctx.Err() != nil {
			break
		}
		if f.cfg.Pacer != nil {
			if perr := f.cfg.Pacer.Pace(ctx, candidate); perr != nil {
				return crawler.FetchResponse{Attempted: attempted}, errors.Join(err, perr)
			}
		}
		attempted = append(attempted, candidate)
		alt, altErr := f.fetchOnce(ctx, request, candidate)
		if altErr != nil {
			f.logger.Debug("fallback path failed", zap.String("url", candidate), zap.Error(altErr))
			continue
		}
		if !NonTrivial(alt.Body) {
			f.logger.Debug("fallback path too small", zap.String("url", candidate), zap.Int("bytes", len(alt.Body)))
			continue
		}
		f.logger.Info("fallback path succeeded",
			zap.String("primary", request.URL),
			zap.String("url", candidate))
		alt.Attempted = attempted
		return alt, nil
	}
	return crawler.FetchResponse{Attempted: attempted}, err
}

// FallbackCandidates builds absolute fallback URLs on the host of baseURL
// (or primary when baseURL is empty), skipping the primary itself.
func FallbackCandidates(baseURL, primary string) []string {
	root := baseURL
	if root == "" {
		root = primary
	}
	u, err := url.Parse(root)
	if err != nil || u.Host == "" {
		return nil
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	skip := strings.TrimRight(primary, "/")
	out := make([]string, 0, len(FallbackPaths))
	for _, p := range FallbackPaths {
		candidate := scheme + "://" + u.Host + p
		if candidate == skip {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// NonTrivial reports whether a fallback body looks like a real page.
func NonTrivial(body []byte) bool {
	if len(body) >= richContentBytes {
		return true
	}
	return len(body) >= minContentBytes && bytes.Contains(bytes.ToLower(body), []byte("<body"))
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest, target string) (crawler.FetchResponse, error) {
	var (
		result    crawler.FetchResponse
		fetchErr  error
		errStatus int
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr, &errStatus)

	if err := f.runCollector(ctx, collector, target); err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, err
		}
		return crawler.FetchResponse{}, classify(target, errStatus, err)
	}
	if fetchErr != nil {
		return crawler.FetchResponse{}, classify(target, errStatus, fetchErr)
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchHTTPStatus, Status: result.StatusCode, URL: target}
	}
	if len(bytes.TrimSpace(result.Body)) == 0 {
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchEmptyBody, Status: result.StatusCode, URL: target}
	}
	result.URL = target
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
	errStatus *int,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = firstNonEmpty(request.UserAgent, f.cfg.UserAgent, DefaultUserAgent)
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	f.configureCollectorHooks(collector, start, result, fetchErr, errStatus)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
	errStatus *int,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.5")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil {
			*errStatus = r.StatusCode
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(target string, status int, err error) *crawler.FetchError {
	fe := &crawler.FetchError{URL: target, Status: status, Err: err}
	var netErr net.Error
	switch {
	case status != 0 && (status < 200 || status >= 300):
		fe.Kind = crawler.FetchHTTPStatus
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = crawler.FetchTimeout
	default:
		fe.Kind = crawler.FetchConnection
	}
	return fe
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
