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

var sessionColumns = []string{
	"id", "status", "started_at", "finished_at", "sources", "totals", "errors", "stop_reason",
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
	if _, err := s.exec(ctx, s.pool, s.sb.
		Insert(s.table("sessions")).
		Columns(sessionColumns...).
		Values(session.ID, string(session.Status), session.StartedAt.UTC(), utcPtr(session.FinishedAt),
			sources, totals, errs, session.StopReason)); err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// AppendLog appends entries to an open session's run log.
func (s *Store) AppendLog(ctx context.Context, sessionID string, entries ...crawler.LogEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockOpen(ctx, tx, sessionID); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		insert := s.sb.Insert(s.table("session_logs")).
			Columns("session_id", "ts", "source_id", "stage", "status", "message", "error")
		for _, e := range entries {
			insert = insert.Values(sessionID, e.Timestamp.UTC(), e.SourceID, string(e.Stage),
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockOpen(ctx, tx, final.ID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.sb.
			Update(s.table("sessions")).
			Set("status", string(final.Status)).
			Set("finished_at", utcPtr(final.FinishedAt)).
			Set("sources", sources).
			Set("totals", totals).
			Set("errors", errs).
			Set("stop_reason", final.StopReason).
			Where(sq.Eq{"id": final.ID})); err != nil {
			return fmt.Errorf("close session %s: %w", final.ID, err)
		}
		return nil
	})
}

// GetSession loads a session with its run log.
func (s *Store) GetSession(ctx context.Context, sessionID string) (crawler.ScrapeSession, error) {
	row, err := s.queryRow(ctx, s.pool, s.sb.
		Select(sessionColumns...).
		From(s.table("sessions")).
		Where(sq.Eq{"id": sessionID}))
	if err != nil {
		return crawler.ScrapeSession{}, err
	}
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ScrapeSession{}, crawler.ErrSessionNotFound
	}
	if err != nil {
		return crawler.ScrapeSession{}, err
	}

	rows, err := s.query(ctx, s.pool, s.sb.
		Select("ts", "source_id", "stage", "status", "message", "error").
		From(s.table("session_logs")).
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id"))
	if err != nil {
		return session, err
	}
	defer rows.Close()
	for rows.Next() {
		var e crawler.LogEntry
		var stage, status string
		if err := rows.Scan(&e.Timestamp, &e.SourceID, &stage, &status, &e.Message, &e.Error); err != nil {
			return session, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
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
	rows, err := s.query(ctx, s.pool, s.sb.
		Select(sessionColumns...).
		From(s.table("sessions")).
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

func (s *Store) lockOpen(ctx context.Context, tx pgx.Tx, sessionID string) error {
	row, err := s.queryRow(ctx, tx, s.sb.
		Select("status").
		From(s.table("sessions")).
		Where(sq.Eq{"id": sessionID}).
		Suffix("FOR UPDATE"))
	if err != nil {
		return err
	}
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ErrSessionNotFound
		}
		return fmt.Errorf("load session status: %w", err)
	}
	if (crawler.ScrapeSession{Status: crawler.SessionStatus(status)}).Closed() {
		return crawler.ErrSessionClosed
	}
	return nil
}

func scanSession(row pgx.Row) (crawler.ScrapeSession, error) {
	var session crawler.ScrapeSession
	var status, stopReason string
	var finishedAt *time.Time
	var sources, totals, errs []byte
	if err := row.Scan(&session.ID, &status, &session.StartedAt, &finishedAt, &sources, &totals, &errs,
		&stopReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session, err
		}
		return session, fmt.Errorf("scan session: %w", err)
	}
	session.Status = crawler.SessionStatus(status)
	session.StopReason = stopReason
	session.StartedAt = session.StartedAt.UTC()
	session.FinishedAt = utcPtr(finishedAt)
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

func encodeSession(session crawler.ScrapeSession) (sources, totals, errs []byte, err error) {
	if session.Sources == nil {
		session.Sources = []crawler.SourceResult{}
	}
	if session.Errors == nil {
		session.Errors = []string{}
	}
	if sources, err = marshal(session.Sources); err != nil {
		return nil, nil, nil, err
	}
	if totals, err = marshal(session.Totals); err != nil {
		return nil, nil, nil, err
	}
	if errs, err = marshal(session.Errors); err != nil {
		return nil, nil, nil, err
	}
	return sources, totals, errs, nil
}
