package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Store is an in-memory crawler.Store for development and tests. Dedup is a
// mutex-guarded check-then-insert.
type Store struct {
	mu       sync.RWMutex
	records  map[crawler.RecordRef]*recordEntry
	sessions map[string]*crawler.ScrapeSession
	sources  map[string]crawler.Source
	jobs     map[string]crawler.WaitingJob
	jobOrder []string
	now      func() time.Time
}

type recordEntry struct {
	stored  crawler.StoredRecord
	history []crawler.CategorizationResult
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		records:  make(map[crawler.RecordRef]*recordEntry),
		sessions: make(map[string]*crawler.ScrapeSession),
		sources:  make(map[string]crawler.Source),
		jobs:     make(map[string]crawler.WaitingJob),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping implements crawler.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements crawler.Store.
func (s *Store) Close() error { return nil }

// FindByNaturalKey returns the stored record for (sourceID, dedupKey).
func (s *Store) FindByNaturalKey(_ context.Context, sourceID, dedupKey string) (crawler.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[crawler.RecordRef{SourceID: sourceID, DedupKey: dedupKey}]
	if !ok {
		return crawler.StoredRecord{}, crawler.ErrNotFound
	}
	return cloneRecord(entry.stored), nil
}

// Upsert inserts rec unless its (source, dedup key) already exists.
func (s *Store) Upsert(_ context.Context, rec crawler.StoredRecord) (bool, error) {
	ref := rec.Record.Ref()
	if ref.SourceID == "" || ref.DedupKey == "" {
		return false, errors.New("record source id and dedup key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[ref]; exists {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	entry := &recordEntry{stored: cloneRecord(rec)}
	if rec.Categorization != nil {
		entry.history = []crawler.CategorizationResult{*rec.Categorization}
	}
	s.records[ref] = entry
	return true, nil
}

// SaveCategorization appends result to the record's history.
func (s *Store) SaveCategorization(_ context.Context, ref crawler.RecordRef, result crawler.CategorizationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[ref]
	if !ok {
		return crawler.ErrNotFound
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.now()
	}
	entry.history = append(entry.history, result)
	latest := result
	entry.stored.Categorization = &latest
	return nil
}

// CategorizationHistory returns every saved result, oldest first.
func (s *Store) CategorizationHistory(_ context.Context, ref crawler.RecordRef) ([]crawler.CategorizationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[ref]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	return append([]crawler.CategorizationResult(nil), entry.history...), nil
}

// CreateSession stores a new running session.
func (s *Store) CreateSession(_ context.Context, session crawler.ScrapeSession) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	copySession := cloneSession(session)
	s.sessions[session.ID] = &copySession
	return nil
}

// AppendLog appends entries to an open session's run log.
func (s *Store) AppendLog(_ context.Context, sessionID string, entries ...crawler.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return crawler.ErrSessionNotFound
	}
	if session.Closed() {
		return crawler.ErrSessionClosed
	}
	session.Logs = append(session.Logs, entries...)
	return nil
}

// CloseSession writes the final snapshot. The stored run log is kept.
func (s *Store) CloseSession(_ context.Context, final crawler.ScrapeSession) error {
	if !final.Closed() {
		return fmt.Errorf("session %s is still running", final.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[final.ID]
	if !ok {
		return crawler.ErrSessionNotFound
	}
	if session.Closed() {
		return crawler.ErrSessionClosed
	}
	logs := session.Logs
	closed := cloneSession(final)
	closed.Logs = logs
	s.sessions[final.ID] = &closed
	return nil
}

// GetSession returns a copy of the session including its run log.
func (s *Store) GetSession(_ context.Context, sessionID string) (crawler.ScrapeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return crawler.ScrapeSession{}, crawler.ErrSessionNotFound
	}
	return cloneSession(*session), nil
}

// ListSessions returns sessions newest first, without run logs.
func (s *Store) ListSessions(_ context.Context, limit, offset int) ([]crawler.ScrapeSession, error) {
	s.mu.RLock()
	out := make([]crawler.ScrapeSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		c := cloneSession(*session)
		c.Logs = nil
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, offset), nil
}

// ListSources returns the catalog ordered by ID.
func (s *Store) ListSources(_ context.Context, activeOnly bool) ([]crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if activeOnly && !src.Active {
			continue
		}
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSource returns one source or crawler.ErrNotFound.
func (s *Store) GetSource(_ context.Context, sourceID string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return crawler.Source{}, crawler.ErrNotFound
	}
	return cloneSource(src), nil
}

// UpsertSource inserts a source or updates its configuration, keeping run stats.
func (s *Store) UpsertSource(_ context.Context, source crawler.Source) error {
	if source.ID == "" {
		return errors.New("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[source.ID]; ok {
		source.SuccessRate = existing.SuccessRate
		source.TotalRecords = existing.TotalRecords
		source.LastRunAt = existing.LastRunAt
		source.NextRunAt = existing.NextRunAt
	}
	s.sources[source.ID] = cloneSource(source)
	return nil
}

// UpdateSourceStats folds a run outcome into the source.
func (s *Store) UpdateSourceStats(_ context.Context, sourceID string, stats crawler.SourceRunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return crawler.ErrNotFound
	}
	src.ApplyRun(stats)
	s.sources[sourceID] = src
	return nil
}

// Enqueue stores a waiting job.
func (s *Store) Enqueue(_ context.Context, job crawler.WaitingJob) (string, error) {
	if job.ID == "" {
		return "", errors.New("waiting job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("waiting job %s already exists", job.ID)
	}
	now := s.now()
	if job.Status == "" {
		job.Status = crawler.WaitingPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.RecordRefs = append([]crawler.RecordRef(nil), job.RecordRefs...)
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	return job.ID, nil
}

// List returns jobs with the given status (all when empty) in enqueue order.
func (s *Store) List(_ context.Context, status crawler.WaitingJobStatus) ([]crawler.WaitingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []crawler.WaitingJob{}
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if status != "" && job.Status != status {
			continue
		}
		job.RecordRefs = append([]crawler.RecordRef(nil), job.RecordRefs...)
		out = append(out, job)
	}
	return out, nil
}

// UpdateStatus moves a job to status.
func (s *Store) UpdateStatus(_ context.Context, jobID string, status crawler.WaitingJobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	job.Status = status
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneRecord(rec crawler.StoredRecord) crawler.StoredRecord {
	rec.Record.Attachments = append([]crawler.Attachment(nil), rec.Record.Attachments...)
	if rec.Record.Contact != nil {
		c := *rec.Record.Contact
		rec.Record.Contact = &c
	}
	if rec.Validation.Fields != nil {
		fields := make(map[string]crawler.FieldCheck, len(rec.Validation.Fields))
		for k, v := range rec.Validation.Fields {
			fields[k] = v
		}
		rec.Validation.Fields = fields
	}
	if rec.Categorization != nil {
		c := *rec.Categorization
		rec.Categorization = &c
	}
	return rec
}

func cloneSession(s crawler.ScrapeSession) crawler.ScrapeSession {
	s.Sources = append([]crawler.SourceResult(nil), s.Sources...)
	s.Logs = append([]crawler.LogEntry(nil), s.Logs...)
	s.Errors = append([]string(nil), s.Errors...)
	return s
}

func cloneSource(src crawler.Source) crawler.Source {
	src.ListingURLs = append([]string(nil), src.ListingURLs...)
	return src
}
