package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"retouch/internal/domain"
	"retouch/internal/gateway"
	"retouch/internal/sqlinline"
)

// fakeRunner backs the store with in-memory state for handler tests.
type fakeRunner struct {
	mu     sync.Mutex
	users  map[string]int64
	jobs   map[string]*jobRow
	jobSeq int
}

type jobRow struct {
	ID           string
	UserID       string
	BatchID      string
	Model        string
	Variant      string
	Status       string
	InputJSON    []byte
	Instruction  string
	ParamsJSON   []byte
	RetryCount   int
	ErrorCode    string
	ErrorMessage string
	ResultJSON   []byte
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{users: make(map[string]int64), jobs: make(map[string]*jobRow)}
}

func (f *fakeRunner) addUser(id string, credits int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = credits
}

func (f *fakeRunner) job(id string) *jobRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeRunner) complete(id string, result domain.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = "completed"
	raw, _ := json.Marshal(result)
	j.ResultJSON = raw
	now := time.Now()
	j.CompletedAt = &now
}

func (f *fakeRunner) fail(id, code, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = "failed"
	j.ErrorCode = code
	j.ErrorMessage = message
	now := time.Now()
	j.CompletedAt = &now
}

func (f *fakeRunner) Exec(_ context.Context, query string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec query: %s", query)
}

func (f *fakeRunner) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query: %s", query)
}

func (f *fakeRunner) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QEnqueueEditJob:
		userID, _ := args[0].(string)
		estimate, _ := args[7].(int)
		credits, ok := f.users[userID]
		if !ok || credits < int64(estimate) {
			return scanErr{pgx.ErrNoRows}
		}
		f.users[userID] = credits - int64(estimate)
		f.jobSeq++
		row := &jobRow{
			ID:          fmt.Sprintf("job-%d", f.jobSeq),
			UserID:      userID,
			Status:      "pending",
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
			InputJSON:   append([]byte(nil), args[4].([]byte)...),
			Instruction: args[5].(string),
			ParamsJSON:  append([]byte(nil), args[6].([]byte)...),
		}
		row.BatchID, _ = args[1].(string)
		row.Model, _ = args[2].(string)
		row.Variant, _ = args[3].(string)
		f.jobs[row.ID] = row
		remaining := f.users[userID]
		return scanFunc(func(dest ...any) error {
			*(dest[0].(*string)) = row.ID
			*(dest[1].(*int64)) = remaining
			return nil
		})
	case sqlinline.QSelectJobForUser:
		jobID, _ := args[0].(string)
		userID, _ := args[1].(string)
		j, ok := f.jobs[jobID]
		if !ok || j.UserID != userID {
			return scanErr{pgx.ErrNoRows}
		}
		row := *j
		return scanFunc(func(dest ...any) error {
			*(dest[0].(*string)) = row.ID
			*(dest[1].(*string)) = row.UserID
			*(dest[2].(*string)) = row.BatchID
			*(dest[3].(*string)) = row.Model
			*(dest[4].(*string)) = row.Variant
			*(dest[5].(*domain.JobStatus)) = domain.JobStatus(row.Status)
			*(dest[6].(*[]byte)) = append([]byte(nil), row.InputJSON...)
			*(dest[7].(*string)) = row.Instruction
			*(dest[8].(*[]byte)) = append([]byte(nil), row.ParamsJSON...)
			*(dest[9].(*int)) = row.RetryCount
			*(dest[10].(*string)) = row.ErrorCode
			*(dest[11].(*string)) = row.ErrorMessage
			*(dest[12].(*[]byte)) = append([]byte(nil), row.ResultJSON...)
			*(dest[13].(**time.Time)) = row.StartedAt
			*(dest[14].(**time.Time)) = row.CompletedAt
			*(dest[15].(*time.Time)) = row.CreatedAt
			*(dest[16].(*time.Time)) = row.UpdatedAt
			return nil
		})
	default:
		return scanErr{fmt.Errorf("unexpected query: %s", query)}
	}
}

type scanErr struct{ err error }

func (s scanErr) Scan(dest ...any) error { return s.err }

type scanFunc func(dest ...any) error

func (s scanFunc) Scan(dest ...any) error { return s(dest...) }

type stubGateway struct {
	invoke func(ctx context.Context, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error)
}

func (s stubGateway) Invoke(ctx context.Context, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
	return s.invoke(ctx, userID, route, req)
}

func authedRequest(method, target string, userID string, payload any) *http.Request {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)
	return req
}

func newUserID() string { return uuid.NewString() }
