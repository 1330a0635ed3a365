package budget

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// Recategorizer re-runs the LLM pass for stored records.
type Recategorizer interface {
	Recategorize(ctx context.Context, rec crawler.StoredRecord) (crawler.CategorizationResult, bool)
	CanProcessBatch(ctx context.Context, n int) bool
}

// DrainResult summarizes one Process call.
type DrainResult struct {
	Jobs    int `json:"jobs"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Records int `json:"records"`
}

// Drainer re-attempts waiting jobs once the budget allows.
type Drainer struct {
	queue   crawler.WaitingQueue
	records crawler.RecordStore
	cat     Recategorizer
	logger  *zap.Logger
}

// NewDrainer returns a Drainer.
func NewDrainer(queue crawler.WaitingQueue, records crawler.RecordStore, cat Recategorizer, logger *zap.Logger) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{queue: queue, records: records, cat: cat, logger: logger}
}

// Process walks waiting jobs oldest first. It stops at the first job the
// budget cannot cover; that job and later ones stay waiting.
func (d *Drainer) Process(ctx context.Context) (DrainResult, error) {
	var out DrainResult
	jobs, err := d.queue.List(ctx, crawler.WaitingPending)
	if err != nil {
		return out, fmt.Errorf("list waiting jobs: %w", err)
	}
	for i, job := range jobs {
		if !d.cat.CanProcessBatch(ctx, len(job.RecordRefs)) {
			out.Skipped = len(jobs) - i
			d.logger.Info("budget insufficient, leaving jobs waiting", zap.Int("remaining", out.Skipped))
			break
		}
		out.Jobs++
		if err := d.queue.UpdateStatus(ctx, job.ID, crawler.WaitingProcessing); err != nil {
			return out, fmt.Errorf("mark job %s processing: %w", job.ID, err)
		}
		saved, failures, err := d.processJob(ctx, job)
		out.Records += saved
		if err != nil {
			return out, d.requeue(ctx, job.ID, err)
		}
		status := crawler.WaitingDone
		if failures > 0 {
			status = crawler.WaitingFailed
			out.Failed++
		} else {
			out.Done++
		}
		if err := d.queue.UpdateStatus(ctx, job.ID, status); err != nil {
			return out, d.requeue(ctx, job.ID, fmt.Errorf("mark job %s %s: %w", job.ID, status, err))
		}
		d.logger.Info("waiting job processed",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Int("records", saved),
			zap.Int("failures", failures))
	}
	return out, nil
}

// requeue returns a job left in processing to pending so a later Process
// picks it up again. Records already recategorized are simply redone.
func (d *Drainer) requeue(ctx context.Context, jobID string, cause error) error {
	if err := d.queue.UpdateStatus(context.WithoutCancel(ctx), jobID, crawler.WaitingPending); err != nil {
		return errors.Join(cause, fmt.Errorf("reset job %s to pending: %w", jobID, err))
	}
	d.logger.Warn("waiting job returned to pending", zap.String("job_id", jobID), zap.Error(cause))
	return cause
}

func (d *Drainer) processJob(ctx context.Context, job crawler.WaitingJob) (saved, failures int, err error) {
	for _, ref := range job.RecordRefs {
		if err := ctx.Err(); err != nil {
			return saved, failures, err
		}
		rec, err := d.records.FindByNaturalKey(ctx, ref.SourceID, ref.DedupKey)
		if errors.Is(err, crawler.ErrNotFound) {
			failures++
			continue
		}
		if err != nil {
			return saved, failures, fmt.Errorf("load record %s/%s: %w", ref.SourceID, ref.DedupKey, err)
		}
		res, ok := d.cat.Recategorize(ctx, rec)
		if !ok {
			failures++
			continue
		}
		if err := d.records.SaveCategorization(ctx, ref, res); err != nil {
			return saved, failures, fmt.Errorf("save categorization %s/%s: %w", ref.SourceID, ref.DedupKey, err)
		}
		saved++
	}
	return saved, failures, nil
}
