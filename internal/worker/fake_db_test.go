package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"retouch/internal/domain"
	"retouch/internal/sqlinline"
)

// fakeDB is an in-memory stand-in for the SQL runner, keyed on the inline
// query constants the store executes.
type fakeDB struct {
	mu       sync.Mutex
	users    map[string]*testUser
	jobs     map[string]*testJob
	jobOrder []string
	jobSeq   int
	usage    []usageRow
}

type testUser struct {
	Credits int64
	Key     string
	Locale  string
}

type testJob struct {
	ID           string
	UserID       string
	BatchID      string
	Model        string
	Variant      string
	Status       string
	InputJSON    []byte
	Instruction  string
	ParamsJSON   []byte
	Charged      int
	RetryCount   int
	Country      string
	ErrorCode    string
	ErrorMessage string
	ResultJSON   []byte
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type usageRow struct {
	UserID     string
	JobID      string
	EventType  string
	Success    bool
	Properties []byte
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users: make(map[string]*testUser),
		jobs:  make(map[string]*testJob),
	}
}

func (f *fakeDB) addUser(id string, credits int64) *testUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &testUser{Credits: credits}
	f.users[id] = u
	return u
}

func (f *fakeDB) addJob(j *testJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		f.jobSeq++
		j.ID = fmt.Sprintf("job-%d", f.jobSeq)
	}
	if j.Status == "" {
		j.Status = "pending"
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	f.jobs[j.ID] = j
	f.jobOrder = append(f.jobOrder, j.ID)
}

func (f *fakeDB) getJob(id string) testJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeDB) balance(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID].Credits
}

func (f *fakeDB) usageEvents() []usageRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]usageRow, len(f.usage))
	copy(out, f.usage)
	return out
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QMarkJobCompleted:
		jobID, _ := args[0].(string)
		job, ok := f.jobs[jobID]
		if !ok {
			return pgconn.CommandTag{}, fmt.Errorf("job not found: %s", jobID)
		}
		job.Status = "completed"
		job.ResultJSON = append([]byte(nil), args[1].([]byte)...)
		job.RetryCount, _ = args[2].(int)
		job.ErrorCode, job.ErrorMessage = "", ""
		now := time.Now()
		job.CompletedAt = &now
		job.UpdatedAt = now
		return pgconn.CommandTag{}, nil
	case sqlinline.QMarkJobFailed:
		jobID, _ := args[0].(string)
		job, ok := f.jobs[jobID]
		if !ok {
			return pgconn.CommandTag{}, fmt.Errorf("job not found: %s", jobID)
		}
		job.Status = "failed"
		job.RetryCount, _ = args[1].(int)
		job.ErrorCode, _ = args[2].(string)
		job.ErrorMessage, _ = args[3].(string)
		now := time.Now()
		job.CompletedAt = &now
		job.UpdatedAt = now
		return pgconn.CommandTag{}, nil
	case sqlinline.QInsertUsageEvent:
		row := usageRow{}
		row.UserID, _ = args[0].(string)
		row.JobID, _ = args[1].(string)
		row.EventType, _ = args[2].(string)
		row.Success, _ = args[3].(bool)
		if props, ok := args[5].([]byte); ok {
			row.Properties = append([]byte(nil), props...)
		}
		f.usage = append(f.usage, row)
		return pgconn.CommandTag{}, nil
	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec query: %s", query)
	}
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QEnqueueEditJob:
		userID, _ := args[0].(string)
		estimate, _ := args[7].(int)
		user, ok := f.users[userID]
		if !ok || user.Credits < int64(estimate) {
			return errRow{pgx.ErrNoRows}
		}
		user.Credits -= int64(estimate)
		f.jobSeq++
		job := &testJob{
			ID:          fmt.Sprintf("job-%d", f.jobSeq),
			UserID:      userID,
			Status:      "pending",
			Charged:     estimate,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
			InputJSON:   append([]byte(nil), args[4].([]byte)...),
			ParamsJSON:  append([]byte(nil), args[6].([]byte)...),
			Instruction: args[5].(string),
		}
		job.BatchID, _ = args[1].(string)
		job.Model, _ = args[2].(string)
		job.Variant, _ = args[3].(string)
		job.Country, _ = args[8].(string)
		f.jobs[job.ID] = job
		f.jobOrder = append(f.jobOrder, job.ID)
		return valueRow{vals: []any{job.ID, user.Credits}}
	case sqlinline.QClaimJobByID:
		jobID, _ := args[0].(string)
		job, ok := f.jobs[jobID]
		if !ok || (job.Status != "pending" && job.Status != "failed" && job.Status != "timeout") {
			return errRow{pgx.ErrNoRows}
		}
		f.markProcessing(job)
		return valueRow{vals: claimedValues(job)}
	case sqlinline.QRefundJobCredits:
		jobID, _ := args[0].(string)
		job, ok := f.jobs[jobID]
		if !ok || job.Charged <= 0 {
			return errRow{pgx.ErrNoRows}
		}
		user, ok := f.users[job.UserID]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		refunded := job.Charged
		job.Charged = 0
		user.Credits += int64(refunded)
		return valueRow{vals: []any{refunded, user.Credits}}
	case sqlinline.QSelectCreditBalance:
		userID, _ := args[0].(string)
		user, ok := f.users[userID]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return valueRow{vals: []any{user.Credits}}
	case sqlinline.QSelectUserProviderKey:
		userID, _ := args[0].(string)
		user, ok := f.users[userID]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return valueRow{vals: []any{user.Key}}
	case sqlinline.QSelectUserLocale:
		userID, _ := args[0].(string)
		user, ok := f.users[userID]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return valueRow{vals: []any{user.Locale}}
	case sqlinline.QSelectJobForUser:
		jobID, _ := args[0].(string)
		userID, _ := args[1].(string)
		job, ok := f.jobs[jobID]
		if !ok || job.UserID != userID {
			return errRow{pgx.ErrNoRows}
		}
		return valueRow{vals: []any{
			job.ID, job.UserID, job.BatchID, job.Model, job.Variant, job.Status,
			job.InputJSON, job.Instruction, job.ParamsJSON, job.RetryCount,
			job.ErrorCode, job.ErrorMessage, job.ResultJSON,
			job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt,
		}}
	default:
		return errRow{fmt.Errorf("unexpected query: %s", query)}
	}
}

func (f *fakeDB) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QClaimJobBatch:
		limit, _ := args[0].(int)
		var rows [][]any
		for _, id := range f.jobOrder {
			if len(rows) >= limit {
				break
			}
			job := f.jobs[id]
			if job.Status != "pending" {
				continue
			}
			f.markProcessing(job)
			rows = append(rows, claimedValues(job))
		}
		return &valueRows{rows: rows}, nil
	case sqlinline.QSweepStaleJobs:
		budgetSec, _ := args[0].(int)
		cutoff := time.Now().Add(-time.Duration(budgetSec) * time.Second)
		var rows [][]any
		for _, id := range f.jobOrder {
			job := f.jobs[id]
			if job.Status != "processing" || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
				continue
			}
			job.Status = "timeout"
			job.ErrorCode = "unexpected_error"
			job.ErrorMessage = "job exceeded its processing budget"
			now := time.Now()
			job.CompletedAt = &now
			rows = append(rows, []any{job.ID, job.UserID, job.Variant, job.Charged})
		}
		return &valueRows{rows: rows}, nil
	default:
		return nil, fmt.Errorf("unexpected query: %s", query)
	}
}

func (f *fakeDB) markProcessing(job *testJob) {
	job.Status = "processing"
	now := time.Now()
	job.StartedAt = &now
	job.UpdatedAt = now
}

func claimedValues(job *testJob) []any {
	return []any{
		job.ID, job.UserID, job.BatchID, job.Model, job.Variant,
		append([]byte(nil), job.InputJSON...), job.Instruction,
		append([]byte(nil), job.ParamsJSON...), job.Charged, job.RetryCount,
		job.Country,
	}
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type valueRow struct{ vals []any }

func (r valueRow) Scan(dest ...any) error { return assignAll(dest, r.vals) }

type valueRows struct {
	rows [][]any
	idx  int
}

func (r *valueRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *valueRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return pgx.ErrNoRows
	}
	return assignAll(dest, r.rows[r.idx-1])
}

func (r *valueRows) Err() error                                   { return nil }
func (r *valueRows) Close()                                       {}
func (r *valueRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *valueRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *valueRows) Values() ([]any, error)                       { return nil, nil }
func (r *valueRows) RawValues() [][]byte                          { return nil }
func (r *valueRows) Conn() *pgx.Conn                              { return nil }

func assignAll(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan arity mismatch: %d dest, %d values", len(dest), len(vals))
	}
	for i := range dest {
		if err := assignValue(dest[i], vals[i]); err != nil {
			return fmt.Errorf("dest[%d]: %w", i, err)
		}
	}
	return nil
}

func assignValue(dest, val any) error {
	switch d := dest.(type) {
	case *string:
		switch v := val.(type) {
		case string:
			*d = v
		case domain.JobStatus:
			*d = string(v)
		default:
			return fmt.Errorf("cannot assign %T to *string", val)
		}
	case *domain.JobStatus:
		switch v := val.(type) {
		case domain.JobStatus:
			*d = v
		case string:
			*d = domain.JobStatus(v)
		default:
			return fmt.Errorf("cannot assign %T to *JobStatus", val)
		}
	case *[]byte:
		b, _ := val.([]byte)
		*d = append([]byte(nil), b...)
	case *int:
		switch v := val.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return fmt.Errorf("cannot assign %T to *int", val)
		}
	case *int64:
		switch v := val.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		default:
			return fmt.Errorf("cannot assign %T to *int64", val)
		}
	case *bool:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("cannot assign %T to *bool", val)
		}
		*d = v
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("cannot assign %T to *time.Time", val)
		}
		*d = v
	case **time.Time:
		v, _ := val.(*time.Time)
		*d = v
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
