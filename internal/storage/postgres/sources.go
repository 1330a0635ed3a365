package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

var sourceColumns = []string{
	"id", "name", "base_url", "listing_urls", "cms", "active", "render_js", "max_pages",
	"success_rate", "total_records", "last_run_at", "next_run_at",
}

// ListSources returns the catalog ordered by ID.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]crawler.Source, error) {
	q := s.sb.Select(sourceColumns...).From(s.table("sources")).OrderBy("id")
	if activeOnly {
		q = q.Where(sq.Eq{"active": true})
	}
	rows, err := s.query(ctx, s.pool, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []crawler.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// GetSource returns one source or crawler.ErrNotFound.
func (s *Store) GetSource(ctx context.Context, sourceID string) (crawler.Source, error) {
	row, err := s.queryRow(ctx, s.pool, s.sb.
		Select(sourceColumns...).
		From(s.table("sources")).
		Where(sq.Eq{"id": sourceID}))
	if err != nil {
		return crawler.Source{}, err
	}
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, crawler.ErrNotFound
	}
	return src, err
}

// UpsertSource inserts a source or updates its catalog fields, keeping run stats.
func (s *Store) UpsertSource(ctx context.Context, source crawler.Source) error {
	if source.ID == "" {
		return errors.New("source id is required")
	}
	listings := source.ListingURLs
	if listings == nil {
		listings = []string{}
	}
	if _, err := s.exec(ctx, s.pool, s.sb.
		Insert(s.table("sources")).
		Columns(sourceColumns...).
		Values(source.ID, source.Name, source.BaseURL, listings, string(source.CMS), source.Active,
			source.RenderJS, source.MaxPages, source.SuccessRate, source.TotalRecords,
			utcPtr(source.LastRunAt), utcPtr(source.NextRunAt)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			listing_urls = EXCLUDED.listing_urls,
			cms = EXCLUDED.cms,
			active = EXCLUDED.active,
			render_js = EXCLUDED.render_js,
			max_pages = EXCLUDED.max_pages`)); err != nil {
		return fmt.Errorf("upsert source %s: %w", source.ID, err)
	}
	return nil
}

// UpdateSourceStats folds a run outcome into the source in one statement.
// A source without a previous run takes the outcome as its rate.
func (s *Store) UpdateSourceStats(ctx context.Context, sourceID string, stats crawler.SourceRunStats) error {
	outcome := 0.0
	if stats.Succeeded {
		outcome = 1
	}
	alpha := crawler.SuccessRateAlpha
	tag, err := s.exec(ctx, s.pool, s.sb.
		Update(s.table("sources")).
		Set("success_rate", sq.Expr(
			"CASE WHEN last_run_at IS NULL THEN ? ELSE ? * ? + (1 - ?) * success_rate END",
			outcome, alpha, outcome, alpha)).
		Set("total_records", sq.Expr("total_records + ?", stats.Saved)).
		Set("last_run_at", stats.FinishedAt.UTC()).
		Set("next_run_at", utcPtr(stats.NextRunAt)).
		Where(sq.Eq{"id": sourceID}))
	if err != nil {
		return fmt.Errorf("update source stats %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var src crawler.Source
	var cms string
	var listings []string
	var lastRun, nextRun *time.Time
	if err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &listings, &cms, &src.Active, &src.RenderJS,
		&src.MaxPages, &src.SuccessRate, &src.TotalRecords, &lastRun, &nextRun); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return src, err
		}
		return src, fmt.Errorf("scan source: %w", err)
	}
	if len(listings) > 0 {
		src.ListingURLs = listings
	}
	src.CMS = crawler.CMSHint(cms)
	src.LastRunAt = utcPtr(lastRun)
	src.NextRunAt = utcPtr(nextRun)
	return src, nil
}
