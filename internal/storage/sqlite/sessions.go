package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

var sessionColumns = []string{
	"id", "status", "started_at", "finished_at", "sources_json", "totals_json", "errors_json", "stop_reason",
}

// CreateSession inserts a running session.
func (s *Store) CreateSession(ctx context.Context, session crawler.ScrapeSession) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	sources, totals, errs, err := encodeSession(session)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db, s.sb.
		Insert("sessions").
		Columns(sessionColumns...).
		Values(session.ID, string(session.Status), formatTime(session.StartedAt), formatTimePtr(session.FinishedAt),
			sources, totals, errs, session.StopReason)); err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// AppendLog appends entries to an open session's run log.
func (s *Store) AppendLog(ctx context.Context, sessionID string, entries ...crawler.LogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireOpen(ctx, tx, sessionID); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		insert := s.sb.Insert("session_logs").
			Columns("session_id", "ts", "source_id", "stage", "status", "message", "error")
		for _, e := range entries {
			insert = insert.Values(sessionID, formatTime(e.Timestamp), e.SourceID, string(e.Stage),
				string(e.Status), e.Message, e.Error)
		}
		if _, err := s.exec(ctx, tx, insert); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		return nil
	})
}

// CloseSession writes the final snapshot of a running session.
func (s *Store) CloseSession(ctx context.Context, final crawler.ScrapeSession) error {
	if !final.Closed() {
		return fmt.Errorf("session %s is still running", final.ID)
	}
	sources, totals, errs, err := encodeSession(final)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireOpen(ctx, tx, final.ID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.sb.
			Update("sessions").
			SetMap(map[string]any{
				"status":       string(final.Status),
				"finished_at":  formatTimePtr(final.FinishedAt),
				"sources_json": sources,
				"totals_json":  totals,
				"errors_json":  errs,
				"stop_reason":  final.StopReason,
			}).
			Where(sq.Eq{"id": final.ID})); err != nil {
			return fmt.Errorf("close session %s: %w", final.ID, err)
		}
		return nil
	})
}

// GetSession loads a session with its run log.
func (s *Store) GetSession(ctx context.Context, sessionID string) (crawler.ScrapeSession, error) {
	row, err := s.queryRow(ctx, s.sb.Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": sessionID}))
	if err != nil {
		return crawler.ScrapeSession{}, err
	}
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ScrapeSession{}, crawler.ErrSessionNotFound
	}
	if err != nil {
		return crawler.ScrapeSession{}, err
	}

	rows, err := s.query(ctx, s.sb.
		Select("ts", "source_id", "stage", "status", "message", "error").
		From("session_logs").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id"))
	if err != nil {
		return session, err
	}
	defer rows.Close()
	for rows.Next() {
		var e crawler.LogEntry
		var ts, stage, status string
		if err := rows.Scan(&ts, &e.SourceID, &stage, &status, &e.Message, &e.Error); err != nil {
			return session, fmt.Errorf("scan log entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return session, err
		}
		e.Stage = crawler.SourceState(stage)
		e.Status = crawler.LogStatus(status)
		session.Logs = append(session.Logs, e)
	}
	if err := rows.Err(); err != nil {
		return session, fmt.Errorf("iterate log entries: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first, without run logs.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]crawler.ScrapeSession, error) {
	l, o := pageBounds(limit, offset)
	rows, err := s.query(ctx, s.sb.
		Select(sessionColumns...).
		From("sessions").
		OrderBy("started_at DESC", "id").
		Limit(l).
		Offset(o))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []crawler.ScrapeSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) requireOpen(ctx context.Context, tx *sql.Tx, sessionID string) error {
	query, args, err := s.sb.Select("status").From("sessions").Where(sq.Eq{"id": sessionID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	var status string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.ErrSessionNotFound
		}
		return fmt.Errorf("load session status: %w", err)
	}
	if (crawler.ScrapeSession{Status: crawler.SessionStatus(status)}).Closed() {
		return crawler.ErrSessionClosed
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (crawler.ScrapeSession, error) {
	var session crawler.ScrapeSession
	var status, startedAt, stopReason, sources, totals, errs string
	var finishedAt sql.NullString
	if err := row.Scan(&session.ID, &status, &startedAt, &finishedAt, &sources, &totals, &errs, &stopReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session, err
		}
		return session, fmt.Errorf("scan session: %w", err)
	}
	var err error
	session.Status = crawler.SessionStatus(status)
	session.StopReason = stopReason
	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return session, err
	}
	if session.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return session, err
	}
	if err := unmarshal(sources, &session.Sources); err != nil {
		return session, err
	}
	if err := unmarshal(totals, &session.Totals); err != nil {
		return session, err
	}
	if err := unmarshal(errs, &session.Errors); err != nil {
		return session, err
	}
	return session, nil
}

func encodeSession(session crawler.ScrapeSession) (sources, totals, errs string, err error) {
	if session.Sources == nil {
		session.Sources = []crawler.SourceResult{}
	}
	if session.Errors == nil {
		session.Errors = []string{}
	}
	if sources, err = marshal(session.Sources); err != nil {
		return "", "", "", err
	}
	if totals, err = marshal(session.Totals); err != nil {
		return "", "", "", err
	}
	if errs, err = marshal(session.Errors); err != nil {
		return "", "", "", err
	}
	return sources, totals, errs, nil
}
