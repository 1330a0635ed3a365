package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

type fakeClient struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value any, exp time.Duration) *goredis.StatusCmd {
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = exp
	return goredis.NewStatusResult("OK", nil)
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	cache := New(client, 0)

	_, ok, err := cache.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)

	res := crawler.CategorizationResult{Category: "Avisos", Provenance: crawler.ProvenanceLLM, Tags: []string{"errata"}}
	require.NoError(t, cache.Set(context.Background(), "abc", res))
	require.Equal(t, DefaultTTL, client.ttls[keyPrefix+"abc"])

	got, ok, err := cache.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Avisos", got.Category)
	require.Equal(t, []string{"errata"}, got.Tags)
}

func TestCacheErrors(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.err = errors.New("connection refused")
	cache := New(client, time.Hour)

	_, _, err := cache.Get(context.Background(), "k")
	require.ErrorContains(t, err, "redis get")
	require.ErrorContains(t, cache.Set(context.Background(), "k", crawler.CategorizationResult{}), "redis set")

	client.err = nil
	client.values[keyPrefix+"bad"] = "{not json"
	_, _, err = cache.Get(context.Background(), "bad")
	require.ErrorContains(t, err, "decode cached categorization")
}
