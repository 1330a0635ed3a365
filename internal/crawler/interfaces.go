package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a listing page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a probe response is a JS shell that needs rendering.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// RecordStore persists extracted records and their categorizations.
type RecordStore interface {
	// FindByNaturalKey returns ErrNotFound when no record matches.
	FindByNaturalKey(ctx context.Context, sourceID, dedupKey string) (StoredRecord, error)
	// Upsert inserts rec unless (source, dedup key) already exists; inserted reports which happened.
	Upsert(ctx context.Context, rec StoredRecord) (inserted bool, err error)
	// SaveCategorization appends result and makes it the record's current categorization.
	SaveCategorization(ctx context.Context, ref RecordRef, result CategorizationResult) error
	// CategorizationHistory returns every result saved for ref, oldest first.
	CategorizationHistory(ctx context.Context, ref RecordRef) ([]CategorizationResult, error)
}

// SessionStore persists scrape sessions and their run logs.
type SessionStore interface {
	CreateSession(ctx context.Context, session ScrapeSession) error
	AppendLog(ctx context.Context, sessionID string, entries ...LogEntry) error
	CloseSession(ctx context.Context, session ScrapeSession) error
	GetSession(ctx context.Context, sessionID string) (ScrapeSession, error)
	ListSessions(ctx context.Context, limit, offset int) ([]ScrapeSession, error)
}

// SourceStore persists the source catalog and per-run feedback.
type SourceStore interface {
	ListSources(ctx context.Context, activeOnly bool) ([]Source, error)
	GetSource(ctx context.Context, sourceID string) (Source, error)
	UpsertSource(ctx context.Context, source Source) error
	UpdateSourceStats(ctx context.Context, sourceID string, stats SourceRunStats) error
}

// WaitingQueue holds LLM work deferred for lack of budget.
type WaitingQueue interface {
	Enqueue(ctx context.Context, job WaitingJob) (string, error)
	List(ctx context.Context, status WaitingJobStatus) ([]WaitingJob, error)
	UpdateStatus(ctx context.Context, jobID string, status WaitingJobStatus) error
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	RecordStore
	SessionStore
	SourceStore
	WaitingQueue
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes session summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LLMProvider performs a single text completion.
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
}

// BudgetChecker reports the current LLM credit balance.
type BudgetChecker interface {
	CheckBalance(ctx context.Context) (CreditStatus, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
