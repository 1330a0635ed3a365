package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/storage/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "edital.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) crawler.Store { return openTestStore(t) })
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "edital.db")
	first, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.UpsertSource(context.Background(), crawler.Source{ID: "pm", Name: "PM", CMS: crawler.CMSGeneric}))
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer func() { require.NoError(t, second.Close()) }()

	src, err := second.GetSource(context.Background(), "pm")
	require.NoError(t, err)
	require.Equal(t, "PM", src.Name)

	var versions int
	require.NoError(t, second.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	require.Equal(t, 1, versions)
}

func TestInMemoryStore(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Ping(context.Background()))
	inserted, err := store.Upsert(context.Background(), storetest.SampleRecord("pm", "45/2025"))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	t.Parallel()

	a := formatTime(mustParse(t, "2025-03-15T12:00:00Z"))
	b := formatTime(mustParse(t, "2025-03-15T12:00:00.5Z"))
	require.Less(t, a, b)
}

func mustParse(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	return ts
}
