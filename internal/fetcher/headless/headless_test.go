package headless

import (
	"net/http"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, int64(2), fetcher.slots)
	require.NotNil(t, fetcher.tabs)
	require.Positive(t, fetcher.cfg.NavigationTimeout)
	require.Positive(t, fetcher.cfg.SettleDelay)
}

func TestResponseMetaCapturesDocumentOnly(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})
	status, _ := meta.snapshot()
	require.Zero(t, status)

	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers := meta.snapshot()
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
}

func TestDetector(t *testing.T) {
	t.Parallel()

	d := NewDetector(0)
	richText := strings.Repeat("Pregão Eletrônico nº 1/2025 aquisição de material. ", 10)
	testCases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty body", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("  ")}, true},
		{"next shell", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div id="__next"></div>`)}, true},
		{"angular shell", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<html ng-app="portal"><body></body></html>`)}, true},
		{"script with little text", crawler.FetchResponse{StatusCode: http.StatusOK,
			Body: []byte(`<html><body><script src="/app.js"></script><p>Carregando...</p></body></html>`)}, true},
		{"script with real content", crawler.FetchResponse{StatusCode: http.StatusOK,
			Body: []byte(`<html><body><script>var a=1;</script><p>` + richText + `</p></body></html>`)}, false},
		{"table listing", crawler.FetchResponse{StatusCode: http.StatusOK,
			Body: []byte(`<html><body><script></script><table><tr><td>1/2025</td></tr></table></body></html>`)}, false},
		{"no scripts", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<p>curto</p>`)}, false},
		{"not found", crawler.FetchResponse{StatusCode: http.StatusNotFound, Body: []byte("")}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, d.ShouldPromote(tc.resp))
		})
	}
}
