package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"retouch/internal/domain"
	"retouch/internal/infra"
	"retouch/internal/sqlinline"
)

// Store is the durable job queue and credit ledger over Postgres.
type Store struct {
	sql infra.SQLExecutor
}

func New(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// NewJob carries everything needed to enqueue one edit job.
type NewJob struct {
	UserID      string
	BatchID     string
	Model       string
	Variant     string
	Input       domain.Input
	Instruction string
	Params      domain.OutputParams
	Estimate    int
	Country     string
}

// Enqueue atomically debits the credit estimate and inserts a pending job.
// Returns domain.ErrInsufficientCredits when the balance cannot cover the
// estimate; in that case nothing is written.
func (s *Store) Enqueue(ctx context.Context, job NewJob) (string, int64, error) {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return "", 0, fmt.Errorf("marshal input: %w", err)
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return "", 0, fmt.Errorf("marshal params: %w", err)
	}

	row := s.sql.QueryRow(ctx, sqlinline.QEnqueueEditJob,
		job.UserID, job.BatchID, job.Model, job.Variant,
		inputJSON, job.Instruction, paramsJSON, job.Estimate, job.Country)

	var jobID string
	var remaining int64
	if err := row.Scan(&jobID, &remaining); err != nil {
		if infra.IsNoRows(err) {
			return "", 0, domain.ErrInsufficientCredits
		}
		return "", 0, &domain.PersistenceError{Op: "enqueue job", Err: err}
	}
	return jobID, remaining, nil
}

// ClaimBatch atomically claims up to limit pending jobs oldest first and
// flips them to processing. Concurrent workers never claim the same row.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QClaimJobBatch, limit)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "claim batch", Err: err}
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanClaimedJob(rows.Scan)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "scan claimed job", Err: err}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "claim batch", Err: err}
	}
	return jobs, nil
}

// ClaimByID claims one specific job for reprocessing regardless of queue
// order. Only pending and terminal non-completed jobs are claimable.
func (s *Store) ClaimByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QClaimJobByID, jobID)
	job, err := scanClaimedJob(row.Scan)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.PersistenceError{Op: "claim job", Err: err}
	}
	return &job, nil
}

func scanClaimedJob(scan func(dest ...any) error) (domain.Job, error) {
	var job domain.Job
	var paramsJSON []byte
	if err := scan(&job.ID, &job.UserID, &job.BatchID, &job.Model, &job.Variant,
		&job.InputJSON, &job.Instruction, &paramsJSON, &job.Charged, &job.RetryCount,
		&job.Country); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatusProcessing
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return domain.Job{}, err
		}
	}
	return job, nil
}

// MarkCompleted settles a job with its result payload.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, result *domain.Result, retries int) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QMarkJobCompleted, jobID, resultJSON, retries); err != nil {
		return &domain.PersistenceError{Op: "complete job", Err: err}
	}
	return nil
}

// MarkFailed settles a job with its terminal error.
func (s *Store) MarkFailed(ctx context.Context, jobID string, retries int, code domain.ErrorCode, message string) error {
	if _, err := s.sql.Exec(ctx, sqlinline.QMarkJobFailed, jobID, retries, string(code), message); err != nil {
		return &domain.PersistenceError{Op: "fail job", Err: err}
	}
	return nil
}

// JobForUser loads one job scoped to its owner.
func (s *Store) JobForUser(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectJobForUser, jobID, userID)

	var job domain.Job
	var paramsJSON []byte
	var startedAt, completedAt *time.Time
	err := row.Scan(&job.ID, &job.UserID, &job.BatchID, &job.Model, &job.Variant,
		&job.Status, &job.InputJSON, &job.Instruction, &paramsJSON, &job.RetryCount,
		&job.ErrorCode, &job.ErrorMessage, &job.ResultJSON,
		&startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.PersistenceError{Op: "load job", Err: err}
	}
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return nil, &domain.PersistenceError{Op: "decode job params", Err: err}
		}
	}
	return &job, nil
}

// StaleJob is one processing job timed out by the sweep.
type StaleJob struct {
	ID      string
	UserID  string
	Variant string
	Charged int
}

// SweepStale times out processing jobs older than the budget and returns
// them so the caller can issue refunds.
func (s *Store) SweepStale(ctx context.Context, budget time.Duration) ([]StaleJob, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QSweepStaleJobs, int(budget.Seconds()))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "sweep stale jobs", Err: err}
	}
	defer rows.Close()

	var stale []StaleJob
	for rows.Next() {
		var j StaleJob
		if err := rows.Scan(&j.ID, &j.UserID, &j.Variant, &j.Charged); err != nil {
			return nil, &domain.PersistenceError{Op: "scan stale job", Err: err}
		}
		stale = append(stale, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "sweep stale jobs", Err: err}
	}
	return stale, nil
}

// RefundJobCredits returns a job's outstanding charge to its owner, zeroing
// the charge in the same statement so a reprocessed job is never refunded
// twice. A job with nothing outstanding refunds zero.
func (s *Store) RefundJobCredits(ctx context.Context, jobID string) (int, int64, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QRefundJobCredits, jobID)
	var refunded int
	var balance int64
	if err := row.Scan(&refunded, &balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, 0, nil
		}
		return 0, 0, &domain.PersistenceError{Op: "refund job credits", Err: err}
	}
	return refunded, balance, nil
}

// CreditBalance reads the user's current balance.
func (s *Store) CreditBalance(ctx context.Context, userID string) (int64, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectCreditBalance, userID)
	var balance int64
	if err := row.Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, &domain.PersistenceError{Op: "read credit balance", Err: err}
	}
	return balance, nil
}

// UserLocale reads the user's preferred locale, empty when unset.
func (s *Store) UserLocale(ctx context.Context, userID string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectUserLocale, userID)
	var locale string
	if err := row.Scan(&locale); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return locale, nil
}

// UsageEvent is one analytics row describing a finished attempt.
type UsageEvent struct {
	UserID     string
	JobID      string
	EventType  string
	Success    bool
	LatencyMS  int
	Properties map[string]any
}

// InsertUsageEvent records an analytics event. Callers treat failures as
// best-effort and only log them.
func (s *Store) InsertUsageEvent(ctx context.Context, ev UsageEvent) error {
	props := ev.Properties
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QInsertUsageEvent,
		ev.UserID, ev.JobID, ev.EventType, ev.Success, ev.LatencyMS, raw)
	return err
}
