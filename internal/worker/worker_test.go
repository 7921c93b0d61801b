package worker_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"retouch/internal/domain"
	"retouch/internal/gateway"
	"retouch/internal/infra"
	"retouch/internal/retry"
	"retouch/internal/store"
	"retouch/internal/worker"
)

type stubInvoker struct {
	calls  atomic.Int32
	invoke func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error)
}

func (s *stubInvoker) Invoke(ctx context.Context, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
	call := int(s.calls.Add(1))
	return s.invoke(call, userID, route, req)
}

func fastOptions() worker.Options {
	return worker.Options{
		BatchSize:   5,
		JobBudget:   time.Minute,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Policy: retry.Policy{
			BaseDelay:             time.Millisecond,
			ServerErrorFloor:      time.Millisecond,
			RateLimitFloor:        time.Millisecond,
			MaxJitter:             time.Millisecond,
			MaxValidationAttempts: 2,
		},
	}
}

func newWorker(t *testing.T, db *fakeDB, invoker gateway.Invoker) (*worker.Worker, *store.Store) {
	t.Helper()
	st := store.New(db)
	logger := infra.NewLogger("test")
	return worker.New(st, invoker, st, logger, fastOptions()), st
}

func combineInput() domain.Input {
	return domain.Input{
		Kind: domain.InputKindCombine,
		Parts: []domain.Input{
			{Kind: domain.InputKindImage, Image: &domain.ImageRef{URL: "https://example.com/a.png"}},
			{Kind: domain.InputKindImage, Image: &domain.ImageRef{URL: "https://example.com/b.png"}},
		},
	}
}

func TestRunPassCompletesCombineJob(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		if len(req.Inputs) != 2 {
			t.Fatalf("inputs = %d, want 2", len(req.Inputs))
		}
		if route.Variant != gateway.VariantBroker || route.Model != "image-edit" {
			t.Fatalf("route = %+v", route)
		}
		return &domain.Result{
			Images: []string{"data:image/png;base64,aGVsbG8="},
			Usage:  domain.Usage{InputTokens: 10, OutputTokens: 4},
		}, nil
	}}
	w, st := newWorker(t, db, invoker)

	jobID, remaining, err := st.Enqueue(context.Background(), store.NewJob{
		UserID:      "user-1",
		Model:       "image-edit",
		Variant:     string(gateway.VariantBroker),
		Input:       combineInput(),
		Instruction: "merge the two products into one scene",
		Estimate:    5,
		Country:     "ID",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("remaining after charge = %d, want 5", remaining)
	}

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	job := db.getJob(jobID)
	if job.Status != "completed" {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if !strings.Contains(string(job.ResultJSON), "data:image/png") {
		t.Fatalf("result json = %s", job.ResultJSON)
	}
	if db.balance("user-1") != 5 {
		t.Fatalf("balance = %d, success must not refund", db.balance("user-1"))
	}
	events := db.usageEvents()
	if len(events) != 1 || !events[0].Success {
		t.Fatalf("usage events = %+v", events)
	}
	props := string(events[0].Properties)
	for _, want := range []string{`"input_tokens":10`, `"output_tokens":4`, `"refund":"none"`, `"country":"ID"`} {
		if !strings.Contains(props, want) {
			t.Fatalf("usage properties missing %s: %s", want, props)
		}
	}
}

func TestRunPassRetriesRateLimitThenRefundsOnFailure(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return nil, &domain.ProviderError{Code: domain.CodeRateLimited, HTTPStatus: 429, Message: "slow down"}
	}}
	w, st := newWorker(t, db, invoker)

	jobID, _, err := st.Enqueue(context.Background(), store.NewJob{
		UserID:      "user-1",
		Model:       "image-edit",
		Variant:     string(gateway.VariantBroker),
		Input:       domain.Input{Kind: domain.InputKindPrompt, Prompt: "draw a cat"},
		Instruction: "draw a cat",
		Estimate:    5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if got := invoker.calls.Load(); got != 3 {
		t.Fatalf("provider calls = %d, want 3", got)
	}
	job := db.getJob(jobID)
	if job.Status != "failed" {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ErrorCode != string(domain.CodeRateLimited) {
		t.Fatalf("error code = %s, want rate_limited", job.ErrorCode)
	}
	if job.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", job.RetryCount)
	}
	if strings.Contains(job.ErrorMessage, "slow down") {
		t.Fatalf("raw provider detail leaked into user message: %q", job.ErrorMessage)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance = %d, terminal failure must refund exactly once", db.balance("user-1"))
	}
	events := db.usageEvents()
	if len(events) != 1 || !strings.Contains(string(events[0].Properties), `"refund":"issued"`) {
		t.Fatalf("usage events = %+v", events)
	}
}

func TestRunPassZeroImagesCompletesWithWarningAndRefunds(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return &domain.Result{Content: "I cannot edit this image"}, nil
	}}
	w, st := newWorker(t, db, invoker)

	jobID, _, err := st.Enqueue(context.Background(), store.NewJob{
		UserID:      "user-1",
		Model:       "image-edit",
		Variant:     string(gateway.VariantBroker),
		Input:       domain.Input{Kind: domain.InputKindImage, Image: &domain.ImageRef{URL: "https://example.com/a.png"}},
		Instruction: "remove the background",
		Estimate:    5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	// Zero-image outcomes retry up to the validation limit, then settle as
	// completed with a warning instead of failing.
	if got := invoker.calls.Load(); got != 3 {
		t.Fatalf("provider calls = %d, want 3", got)
	}
	job := db.getJob(jobID)
	if job.Status != "completed" {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if !strings.Contains(string(job.ResultJSON), "warning") {
		t.Fatalf("result json lacks warning: %s", job.ResultJSON)
	}
	if !strings.Contains(string(job.ResultJSON), "I cannot edit this image") {
		t.Fatalf("provider text dropped: %s", job.ResultJSON)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance = %d, empty result must refund", db.balance("user-1"))
	}
}

func TestRunPassSkipsRefundForBYOVariant(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return nil, &domain.ProviderError{Code: domain.CodeProviderClient, HTTPStatus: 400, Message: "bad request"}
	}}
	w, st := newWorker(t, db, invoker)

	jobID, _, err := st.Enqueue(context.Background(), store.NewJob{
		UserID:      "user-1",
		Model:       "byo/modelX",
		Variant:     string(gateway.VariantBYO),
		Input:       domain.Input{Kind: domain.InputKindPrompt, Prompt: "x"},
		Instruction: "x",
		Estimate:    5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	if db.getJob(jobID).Status != "failed" {
		t.Fatalf("status = %s, want failed", db.getJob(jobID).Status)
	}
	if db.balance("user-1") != 5 {
		t.Fatalf("balance = %d, byo failure must not refund", db.balance("user-1"))
	}
}

func TestRunPassClientErrorFailsWithoutRetry(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return nil, &domain.ProviderError{Code: domain.CodeProviderClient, HTTPStatus: 400, Message: "unsupported image"}
	}}
	w, st := newWorker(t, db, invoker)

	if _, _, err := st.Enqueue(context.Background(), store.NewJob{
		UserID:      "user-1",
		Model:       "image-edit",
		Variant:     string(gateway.VariantBroker),
		Input:       domain.Input{Kind: domain.InputKindPrompt, Prompt: "x"},
		Instruction: "x",
		Estimate:    5,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if got := invoker.calls.Load(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
}

func TestRunPassSweepsStaleJobs(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 5)

	started := time.Now().Add(-2 * time.Hour)
	db.addJob(&testJob{
		ID:        "stale-1",
		UserID:    "user-1",
		Model:     "image-edit",
		Variant:   string(gateway.VariantBroker),
		Status:    "processing",
		InputJSON: mustJSON(domain.Input{Kind: domain.InputKindPrompt, Prompt: "x"}),
		Charged:   5,
		StartedAt: &started,
	})

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		t.Fatal("stale job must not be re-invoked by the sweep")
		return nil, nil
	}}
	w, _ := newWorker(t, db, invoker)

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	job := db.getJob("stale-1")
	if job.Status != "timeout" {
		t.Fatalf("status = %s, want timeout", job.Status)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance = %d, timeout must refund", db.balance("user-1"))
	}
}

func TestProcessByIDReprocessesFailedJob(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	db.addJob(&testJob{
		ID:          "job-retry",
		UserID:      "user-1",
		Model:       "image-edit",
		Variant:     string(gateway.VariantBroker),
		Status:      "failed",
		InputJSON:   mustJSON(domain.Input{Kind: domain.InputKindPrompt, Prompt: "second chance"}),
		Instruction: "second chance",
		ErrorCode:   string(domain.CodeProviderServer),
	})

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return &domain.Result{Images: []string{"data:image/png;base64,aGk="}}, nil
	}}
	w, _ := newWorker(t, db, invoker)

	if err := w.ProcessByID(context.Background(), "job-retry"); err != nil {
		t.Fatalf("process by id: %v", err)
	}
	if got := db.getJob("job-retry").Status; got != "completed" {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestReprocessFailedJobRefundsOnlyOnce(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 10)

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return nil, &domain.ProviderError{Code: domain.CodeProviderClient, HTTPStatus: 400, Message: "unsupported image"}
	}}
	w, st := newWorker(t, db, invoker)

	jobID, _, err := st.Enqueue(context.Background(), store.NewJob{
		UserID:      "user-1",
		Model:       "image-edit",
		Variant:     string(gateway.VariantBroker),
		Input:       domain.Input{Kind: domain.InputKindPrompt, Prompt: "x"},
		Instruction: "x",
		Estimate:    5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance after first failure = %d, want 10", db.balance("user-1"))
	}

	// Reprocess the failed job. It fails again, but the charge was already
	// compensated, so the balance must not grow.
	if err := w.ProcessByID(context.Background(), jobID); err != nil {
		t.Fatalf("process by id: %v", err)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance after reprocess = %d, want 10 (no second refund)", db.balance("user-1"))
	}
	if got := db.getJob(jobID).Charged; got != 0 {
		t.Fatalf("outstanding charge = %d, want 0 after compensation", got)
	}
}

func TestSweptJobNotRefundedAgainOnReprocess(t *testing.T) {
	db := newFakeDB()
	db.addUser("user-1", 5)

	started := time.Now().Add(-2 * time.Hour)
	db.addJob(&testJob{
		ID:        "stale-1",
		UserID:    "user-1",
		Model:     "image-edit",
		Variant:   string(gateway.VariantBroker),
		Status:    "processing",
		InputJSON: mustJSON(domain.Input{Kind: domain.InputKindPrompt, Prompt: "x"}),
		Charged:   5,
		StartedAt: &started,
	})

	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return nil, &domain.ProviderError{Code: domain.CodeProviderClient, HTTPStatus: 400, Message: "bad"}
	}}
	w, _ := newWorker(t, db, invoker)

	if err := w.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance after sweep = %d, want 10", db.balance("user-1"))
	}

	if err := w.ProcessByID(context.Background(), "stale-1"); err != nil {
		t.Fatalf("process by id: %v", err)
	}
	if db.balance("user-1") != 10 {
		t.Fatalf("balance after reprocess = %d, timeout refund must not repeat", db.balance("user-1"))
	}
}

func TestProcessByIDUnknownJob(t *testing.T) {
	db := newFakeDB()
	invoker := &stubInvoker{invoke: func(call int, userID string, route gateway.Route, req gateway.Request) (*domain.Result, error) {
		return nil, nil
	}}
	w, _ := newWorker(t, db, invoker)

	if err := w.ProcessByID(context.Background(), "nope"); err != domain.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
