package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// FindByNaturalKey loads a record with its latest categorization.
func (s *Store) FindByNaturalKey(ctx context.Context, sourceID, dedupKey string) (crawler.StoredRecord, error) {
	var out crawler.StoredRecord
	var recordJSON, validationJSON []byte
	row, err := s.queryRow(ctx, s.pool, s.sb.
		Select("record", "validation", "session_id", "created_at").
		From(s.table("records")).
		Where(sq.Eq{"source_id": sourceID, "dedup_key": dedupKey}))
	if err != nil {
		return out, err
	}
	if err := row.Scan(&recordJSON, &validationJSON, &out.SessionID, &out.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, crawler.ErrNotFound
		}
		return out, fmt.Errorf("find record: %w", err)
	}
	if err := unmarshal(recordJSON, &out.Record); err != nil {
		return out, err
	}
	if err := unmarshal(validationJSON, &out.Validation); err != nil {
		return out, err
	}
	out.CreatedAt = out.CreatedAt.UTC()

	var resultJSON []byte
	row, err = s.queryRow(ctx, s.pool, s.sb.
		Select("result").
		From(s.table("categorizations")).
		Where(sq.Eq{"source_id": sourceID, "dedup_key": dedupKey}).
		OrderBy("id DESC").
		Limit(1))
	if err != nil {
		return out, err
	}
	switch err := row.Scan(&resultJSON); {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return out, fmt.Errorf("find categorization: %w", err)
	default:
		var res crawler.CategorizationResult
		if err := unmarshal(resultJSON, &res); err != nil {
			return out, err
		}
		out.Categorization = &res
	}
	return out, nil
}

// Upsert inserts rec unless (source, dedup key) exists. The unique constraint
// arbitrates concurrent writers.
func (s *Store) Upsert(ctx context.Context, rec crawler.StoredRecord) (bool, error) {
	ref := rec.Record.Ref()
	if ref.SourceID == "" || ref.DedupKey == "" {
		return false, errors.New("record source id and dedup key are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	recordJSON, err := marshal(rec.Record)
	if err != nil {
		return false, err
	}
	validationJSON, err := marshal(rec.Validation)
	if err != nil {
		return false, err
	}
	inserted := false
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := s.exec(ctx, tx, s.sb.
			Insert(s.table("records")).
			Columns("source_id", "dedup_key", "natural_key", "key_kind", "kind", "title",
				"is_relevant", "record", "validation", "session_id", "created_at").
			Values(ref.SourceID, ref.DedupKey, rec.Record.NaturalKey, string(rec.Record.KeyKind),
				string(rec.Record.Kind), rec.Record.Title, rec.Validation.IsRelevant,
				recordJSON, validationJSON, rec.SessionID, rec.CreatedAt.UTC()).
			Suffix("ON CONFLICT (source_id, dedup_key) DO NOTHING"))
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true
		if rec.Categorization == nil {
			return nil
		}
		return s.insertCategorization(ctx, tx, ref, *rec.Categorization)
	})
	return inserted && err == nil, err
}

// SaveCategorization appends result to the record's history.
func (s *Store) SaveCategorization(ctx context.Context, ref crawler.RecordRef, result crawler.CategorizationResult) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.requireRecord(ctx, tx, ref); err != nil {
			return err
		}
		return s.insertCategorization(ctx, tx, ref, result)
	})
}

// CategorizationHistory returns every result saved for ref, oldest first.
func (s *Store) CategorizationHistory(ctx context.Context, ref crawler.RecordRef) ([]crawler.CategorizationResult, error) {
	if err := s.requireRecord(ctx, s.pool, ref); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.pool, s.sb.
		Select("result").
		From(s.table("categorizations")).
		Where(sq.Eq{"source_id": ref.SourceID, "dedup_key": ref.DedupKey}).
		OrderBy("id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []crawler.CategorizationResult{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan categorization: %w", err)
		}
		var res crawler.CategorizationResult
		if err := unmarshal(raw, &res); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categorizations: %w", err)
	}
	return out, nil
}

func (s *Store) requireRecord(ctx context.Context, q querier, ref crawler.RecordRef) error {
	row, err := s.queryRow(ctx, q, s.sb.
		Select("1").
		From(s.table("records")).
		Where(sq.Eq{"source_id": ref.SourceID, "dedup_key": ref.DedupKey}))
	if err != nil {
		return err
	}
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ErrNotFound
		}
		return fmt.Errorf("check record: %w", err)
	}
	return nil
}

func (s *Store) insertCategorization(ctx context.Context, q querier, ref crawler.RecordRef, result crawler.CategorizationResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.now()
	}
	raw, err := marshal(result)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, q, s.sb.
		Insert(s.table("categorizations")).
		Columns("source_id", "dedup_key", "category", "provenance", "result", "created_at").
		Values(ref.SourceID, ref.DedupKey, result.Category, string(result.Provenance), raw,
			result.CreatedAt.UTC())); err != nil {
		return fmt.Errorf("insert categorization: %w", err)
	}
	return nil
}
