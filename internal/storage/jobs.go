package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// enqueueJobTx adds a pending job. MaxAttempts defaults to 3 and RunAfter to now.
func enqueueJobTx(ctx context.Context, tx *sql.Tx, job Job, now string) error {
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(timeLayout)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, payload, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return nil
}

// JobLease is how long a claimed job may stay running before another claim
// may take it over. A worker that crashes mid-job leaves it running; once the
// lease lapses the job is reclaimed and the lost run counts as an attempt.
const JobLease = 5 * time.Minute

const errLeaseExpired = "lease expired while running"

// ClaimNextJob marks the oldest runnable job of one of the given types as
// running and returns it. Runnable means pending with run_after reached, or
// running with an expired lease. Returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	nowT := s.now().UTC()
	now := nowT.Format(timeLayout)
	leaseEnd := nowT.Add(JobLease).Format(timeLayout)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status IN ('pending', 'running') AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		for {
			var j Job
			var runAfter, createdAt, updatedAt string
			var lastError sql.NullString
			err := tx.QueryRowContext(ctx, query, args...).Scan(
				&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
				&runAfter, &createdAt, &updatedAt, &lastError,
			)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("selecting next job: %w", err)
			}
			j.LastError = lastError.String

			if j.Status == "running" {
				j.Attempts++
				j.LastError = errLeaseExpired
				if j.Attempts >= j.MaxAttempts {
					if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
						j.Attempts, j.LastError, now, j.ID); err != nil {
						return fmt.Errorf("failing expired job %s: %w", j.ID, err)
					}
					continue
				}
			}

			res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', attempts = ?, last_error = ?, run_after = ?, updated_at = ?
				WHERE id = ? AND status = ? AND run_after = ?`,
				j.Attempts, nullIfEmpty(j.LastError), leaseEnd, now, j.ID, j.Status, runAfter)
			if err != nil {
				return fmt.Errorf("updating job status: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking updated job rows: %w", err)
			}
			if n != 1 {
				return nil
			}

			j.Status = "running"
			if j.RunAfter, err = parseTime(leaseEnd); err != nil {
				return fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
			}
			if j.CreatedAt, err = parseTime(createdAt); err != nil {
				return fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
			}
			if j.UpdatedAt, err = parseTime(now); err != nil {
				return fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
			}
			claimed = &j
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, s.timestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it reaches max_attempts, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		attempts++

		if attempts >= maxAttempts {
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, now.Format(timeLayout), id)
		} else {
			backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
			runAfter := now.Add(backoff)
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, runAfter.Format(timeLayout), now.Format(timeLayout), id)
		}
		return err
	})
}
