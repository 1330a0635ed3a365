package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// FindByNaturalKey loads a record with its latest categorization.
func (s *Store) FindByNaturalKey(ctx context.Context, sourceID, dedupKey string) (crawler.StoredRecord, error) {
	var out crawler.StoredRecord
	var recordJSON, validationJSON, createdAt string
	row, err := s.queryRow(ctx, s.sb.
		Select("record_json", "validation_json", "session_id", "created_at").
		From("records").
		Where(sq.Eq{"source_id": sourceID, "dedup_key": dedupKey}))
	if err != nil {
		return out, err
	}
	if err := row.Scan(&recordJSON, &validationJSON, &out.SessionID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if out.CreatedAt, err = parseTime(createdAt); err != nil {
		return out, err
	}

	var resultJSON string
	row, err = s.queryRow(ctx, s.sb.
		Select("result_json").
		From("categorizations").
		Where(sq.Eq{"source_id": sourceID, "dedup_key": dedupKey}).
		OrderBy("id DESC").
		Limit(1))
	if err != nil {
		return out, err
	}
	switch err := row.Scan(&resultJSON); {
	case errors.Is(err, sql.ErrNoRows):
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

// Upsert inserts rec unless (source, dedup key) exists. An initial
// categorization is stored in the same transaction.
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
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, s.sb.
			Insert("records").
			Columns("source_id", "dedup_key", "natural_key", "key_kind", "kind", "title",
				"is_relevant", "record_json", "validation_json", "session_id", "created_at").
			Values(ref.SourceID, ref.DedupKey, rec.Record.NaturalKey, string(rec.Record.KeyKind),
				string(rec.Record.Kind), rec.Record.Title, boolInt(rec.Validation.IsRelevant),
				recordJSON, validationJSON, rec.SessionID, formatTime(rec.CreatedAt)).
			Suffix("ON CONFLICT (source_id, dedup_key) DO NOTHING"))
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true
		if rec.Categorization == nil {
			return nil
		}
		return s.insertCategorization(ctx, tx, ref, *rec.Categorization)
	})
	return inserted, err
}

// SaveCategorization appends result to the record's history.
func (s *Store) SaveCategorization(ctx context.Context, ref crawler.RecordRef, result crawler.CategorizationResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		query, args, err := s.sb.Select("1").From("records").
			Where(sq.Eq{"source_id": ref.SourceID, "dedup_key": ref.DedupKey}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return crawler.ErrNotFound
			}
			return fmt.Errorf("check record: %w", err)
		}
		return s.insertCategorization(ctx, tx, ref, result)
	})
}

// CategorizationHistory returns every result saved for ref, oldest first.
func (s *Store) CategorizationHistory(ctx context.Context, ref crawler.RecordRef) ([]crawler.CategorizationResult, error) {
	if _, err := s.FindByNaturalKey(ctx, ref.SourceID, ref.DedupKey); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.sb.
		Select("result_json").
		From("categorizations").
		Where(sq.Eq{"source_id": ref.SourceID, "dedup_key": ref.DedupKey}).
		OrderBy("id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []crawler.CategorizationResult{}
	for rows.Next() {
		var raw string
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

func (s *Store) insertCategorization(ctx context.Context, tx *sql.Tx, ref crawler.RecordRef, result crawler.CategorizationResult) error {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.now()
	}
	raw, err := marshal(result)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, s.sb.
		Insert("categorizations").
		Columns("source_id", "dedup_key", "category", "provenance", "result_json", "created_at").
		Values(ref.SourceID, ref.DedupKey, result.Category, string(result.Provenance), raw, formatTime(result.CreatedAt))); err != nil {
		return fmt.Errorf("insert categorization: %w", err)
	}
	return nil
}
