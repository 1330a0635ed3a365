package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/sessions/{id}/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	conflictBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/sessions/abc", nil),
		httptest.NewRequest(http.MethodGet, "/v1/sessions/def", nil),
		httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/stop", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Equal(t, okBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
	require.Equal(t, conflictBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
}
