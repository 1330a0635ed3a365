package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

var jobColumns = []string{"id", "type", "count", "reason", "status", "record_refs", "created_at", "updated_at"}

// Enqueue stores a waiting job.
func (s *Store) Enqueue(ctx context.Context, job crawler.WaitingJob) (string, error) {
	if job.ID == "" {
		return "", errors.New("waiting job id is required")
	}
	if job.Status == "" {
		job.Status = crawler.WaitingPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	refs := job.RecordRefs
	if refs == nil {
		refs = []crawler.RecordRef{}
	}
	refsJSON, err := marshal(refs)
	if err != nil {
		return "", err
	}
	if _, err := s.exec(ctx, s.pool, s.sb.
		Insert(s.table("waiting_jobs")).
		Columns(jobColumns...).
		Values(job.ID, job.Type, job.Count, job.Reason, string(job.Status), refsJSON,
			job.CreatedAt.UTC(), job.CreatedAt.UTC())); err != nil {
		return "", fmt.Errorf("enqueue waiting job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// List returns jobs with status (all when empty), oldest first.
func (s *Store) List(ctx context.Context, status crawler.WaitingJobStatus) ([]crawler.WaitingJob, error) {
	q := s.sb.Select(jobColumns...).From(s.table("waiting_jobs")).OrderBy("created_at", "seq")
	if status != "" {
		q = q.Where(sq.Eq{"status": string(status)})
	}
	rows, err := s.query(ctx, s.pool, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []crawler.WaitingJob{}
	for rows.Next() {
		var job crawler.WaitingJob
		var jobStatus string
		var refsJSON []byte
		if err := rows.Scan(&job.ID, &job.Type, &job.Count, &job.Reason, &jobStatus, &refsJSON,
			&job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan waiting job: %w", err)
		}
		job.Status = crawler.WaitingJobStatus(jobStatus)
		job.CreatedAt = job.CreatedAt.UTC()
		job.UpdatedAt = job.UpdatedAt.UTC()
		if err := unmarshal(refsJSON, &job.RecordRefs); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiting jobs: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a job to status.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status crawler.WaitingJobStatus) error {
	tag, err := s.exec(ctx, s.pool, s.sb.
		Update(s.table("waiting_jobs")).
		Set("status", string(status)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": jobID}))
	if err != nil {
		return fmt.Errorf("update waiting job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
