package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

var sourceColumns = []string{
	"id", "name", "base_url", "listing_urls_json", "cms", "active", "render_js", "max_pages",
	"success_rate", "total_records", "last_run_at", "next_run_at",
}

// ListSources returns the catalog ordered by ID.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]crawler.Source, error) {
	q := s.sb.Select(sourceColumns...).From("sources").OrderBy("id")
	if activeOnly {
		q = q.Where(sq.Eq{"active": 1})
	}
	rows, err := s.query(ctx, q)
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
	row, err := s.queryRow(ctx, s.sb.Select(sourceColumns...).From("sources").Where(sq.Eq{"id": sourceID}))
	if err != nil {
		return crawler.Source{}, err
	}
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	listingJSON, err := marshal(listings)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db, s.sb.
		Insert("sources").
		Columns(sourceColumns...).
		Values(source.ID, source.Name, source.BaseURL, listingJSON, string(source.CMS), boolInt(source.Active),
			boolInt(source.RenderJS), source.MaxPages, source.SuccessRate, source.TotalRecords,
			formatTimePtr(source.LastRunAt), formatTimePtr(source.NextRunAt)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			base_url = excluded.base_url,
			listing_urls_json = excluded.listing_urls_json,
			cms = excluded.cms,
			active = excluded.active,
			render_js = excluded.render_js,
			max_pages = excluded.max_pages`)); err != nil {
		return fmt.Errorf("upsert source %s: %w", source.ID, err)
	}
	return nil
}

// UpdateSourceStats folds a run outcome into the source.
func (s *Store) UpdateSourceStats(ctx context.Context, sourceID string, stats crawler.SourceRunStats) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.sb.Select(sourceColumns...).From("sources").Where(sq.Eq{"id": sourceID}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		src, err := scanSource(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.ErrNotFound
		}
		if err != nil {
			return err
		}
		src.ApplyRun(stats)
		if _, err := s.exec(ctx, tx, s.sb.
			Update("sources").
			Set("success_rate", src.SuccessRate).
			Set("total_records", src.TotalRecords).
			Set("last_run_at", formatTimePtr(src.LastRunAt)).
			Set("next_run_at", formatTimePtr(src.NextRunAt)).
			Where(sq.Eq{"id": sourceID})); err != nil {
			return fmt.Errorf("update source stats %s: %w", sourceID, err)
		}
		return nil
	})
}

func scanSource(row scanner) (crawler.Source, error) {
	var src crawler.Source
	var listingJSON, cms string
	var active, renderJS int
	var lastRun, nextRun sql.NullString
	if err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &listingJSON, &cms, &active, &renderJS, &src.MaxPages,
		&src.SuccessRate, &src.TotalRecords, &lastRun, &nextRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return src, err
		}
		return src, fmt.Errorf("scan source: %w", err)
	}
	if err := unmarshal(listingJSON, &src.ListingURLs); err != nil {
		return src, err
	}
	if len(src.ListingURLs) == 0 {
		src.ListingURLs = nil
	}
	src.CMS = crawler.CMSHint(cms)
	src.Active = active == 1
	src.RenderJS = renderJS == 1
	var err error
	if src.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return src, err
	}
	if src.NextRunAt, err = parseTimePtr(nextRun); err != nil {
		return src, err
	}
	return src, nil
}
