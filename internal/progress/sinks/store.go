package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/progress"
)

// LogAppender is the slice of crawler.SessionStore the sink needs.
type LogAppender interface {
	AppendLog(ctx context.Context, sessionID string, entries ...crawler.LogEntry) error
}

// StoreSink appends run-log entries to the session store. Consecutive entries
// of the same session are written in one call.
type StoreSink struct {
	store  LogAppender
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(store LogAppender, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume groups runs of entries by session and appends them in order. Entries
// for a session that is already closed are dropped with a debug log.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	var errs []error
	for start := 0; start < len(batch); {
		end := start + 1
		for end < len(batch) && batch[end].SessionID == batch[start].SessionID {
			end++
		}
		entries := make([]crawler.LogEntry, 0, end-start)
		for _, evt := range batch[start:end] {
			entries = append(entries, evt.Entry)
		}
		sessionID := batch[start].SessionID
		if err := s.store.AppendLog(ctx, sessionID, entries...); err != nil {
			if errors.Is(err, crawler.ErrSessionClosed) {
				s.logger.Debug("dropping log entries for closed session",
					zap.String("session_id", sessionID), zap.Int("entries", len(entries)))
			} else {
				errs = append(errs, fmt.Errorf("append log %s: %w", sessionID, err))
			}
		}
		start = end
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
