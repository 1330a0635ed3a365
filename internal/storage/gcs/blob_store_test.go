package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestBlobStore(t *testing.T, cfg Config, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{Bucket: "  "})
	require.Error(t, err)
}

func TestPutObjectAppliesPrefix(t *testing.T) {
	t.Parallel()

	store := newTestBlobStore(t, Config{Bucket: "snapshots", Prefix: "/edital/"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "edital/s1/pm/1.html", r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		fmt.Fprintln(w, `{"name": "edital/s1/pm/1.html", "bucket": "snapshots"}`)
	}))

	uri, err := store.PutObject(context.Background(), "/s1/pm/1.html", "text/html", []byte("<p>aviso</p>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/edital/s1/pm/1.html", uri)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	payload := []byte("<html>pregão</html>")
	store := newTestBlobStore(t, Config{Bucket: "snapshots"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots/o")
		assert.Equal(t, "s1/pm/1.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		fmt.Fprintln(w, `{"name": "s1/pm/1.html", "bucket": "snapshots"}`)
	}))

	uri, err := store.PutObject(context.Background(), "s1/pm/1.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/s1/pm/1.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestBlobStore(t, Config{Bucket: "snapshots"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := store.PutObject(context.Background(), "s1/pm/1.html", "text/html", []byte("x"))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := newTestBlobStore(t, Config{Bucket: "snapshots"}, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "text/html", []byte("x"))
	require.Error(t, err)
}
