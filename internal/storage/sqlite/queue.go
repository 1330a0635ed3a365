package sqlite

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

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
	if _, err := s.exec(ctx, s.db, s.sb.
		Insert("waiting_jobs").
		Columns("id", "type", "count", "reason", "status", "record_refs_json", "created_at", "updated_at").
		Values(job.ID, job.Type, job.Count, job.Reason, string(job.Status), refsJSON,
			formatTime(job.CreatedAt), formatTime(job.CreatedAt))); err != nil {
		return "", fmt.Errorf("enqueue waiting job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// List returns jobs with status (all when empty), oldest first.
func (s *Store) List(ctx context.Context, status crawler.WaitingJobStatus) ([]crawler.WaitingJob, error) {
	q := s.sb.
		Select("id", "type", "count", "reason", "status", "record_refs_json", "created_at", "updated_at").
		From("waiting_jobs").
		OrderBy("created_at", "seq")
	if status != "" {
		q = q.Where(sq.Eq{"status": string(status)})
	}
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []crawler.WaitingJob{}
	for rows.Next() {
		var job crawler.WaitingJob
		var jobStatus, refsJSON, createdAt, updatedAt string
		if err := rows.Scan(&job.ID, &job.Type, &job.Count, &job.Reason, &jobStatus, &refsJSON,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan waiting job: %w", err)
		}
		job.Status = crawler.WaitingJobStatus(jobStatus)
		if err := unmarshal(refsJSON, &job.RecordRefs); err != nil {
			return nil, err
		}
		if job.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
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
	res, err := s.exec(ctx, s.db, s.sb.
		Update("waiting_jobs").
		Set("status", string(status)).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": jobID}))
	if err != nil {
		return fmt.Errorf("update waiting job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update waiting job %s: %w", jobID, err)
	}
	if n == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
