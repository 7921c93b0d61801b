package worker

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"retouch/internal/domain"
	"retouch/internal/gateway"
	"retouch/internal/infra"
	"retouch/internal/retry"
	"retouch/internal/store"
)

const usageEventEditJob = "edit_job"

// Refund outcomes recorded on the per-job usage event.
const (
	refundIssued     = "issued"
	refundNone       = "none"
	refundSkippedBYO = "skipped_byo"
	refundFailed     = "failed"
)

// LocaleSource resolves the locale used for humanized error messages.
type LocaleSource interface {
	UserLocale(ctx context.Context, userID string) (string, error)
}

// Options tunes one worker instance.
type Options struct {
	BatchSize   int
	JobBudget   time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	Schedule    string
	Policy      retry.Policy
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.JobBudget <= 0 {
		o.JobBudget = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Schedule == "" {
		o.Schedule = "@every 5s"
	}
	return o
}

// Worker drains the durable queue: it claims batches of pending jobs,
// executes them sequentially against the provider gateway, and settles each
// with its result or terminal error. Credits charged at enqueue are refunded
// on any unsuccessful outcome except the bring-your-own variant, where the
// platform spent nothing.
type Worker struct {
	store   *store.Store
	invoker gateway.Invoker
	locales LocaleSource
	logger  infra.Logger
	opts    Options
}

func New(st *store.Store, invoker gateway.Invoker, locales LocaleSource, logger infra.Logger, opts Options) *Worker {
	return &Worker{
		store:   st,
		invoker: invoker,
		locales: locales,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// Run schedules RunPass on the configured cron expression and blocks until
// ctx is cancelled. Passes never overlap; the scheduler skips a tick while
// the previous pass is still running.
func (w *Worker) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(w.opts.Schedule, func() {
		if err := w.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error().Err(err).Msg("worker: pass failed")
		}
	})
	if err != nil {
		return err
	}
	w.logger.Info().Str("schedule", w.opts.Schedule).Msg("worker: started")
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// RunPass performs one full sweep-claim-process cycle.
func (w *Worker) RunPass(ctx context.Context) error {
	if err := w.sweepStale(ctx); err != nil {
		w.logger.Error().Err(err).Msg("worker: stale sweep failed")
	}

	jobs, err := w.store.ClaimBatch(ctx, w.opts.BatchSize)
	if err != nil {
		return err
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.processJob(ctx, &jobs[i])
	}
	return nil
}

// ProcessByID claims and runs one specific job, ignoring queue order. Used
// by the targeted reprocessing mode.
func (w *Worker) ProcessByID(ctx context.Context, jobID string) error {
	job, err := w.store.ClaimByID(ctx, jobID)
	if err != nil {
		return err
	}
	w.processJob(ctx, job)
	return nil
}

func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	start := time.Now()
	logger := w.logger.With().Str("job_id", job.ID).Str("model", job.Model).Logger()
	logger.Info().Int("charged", job.Charged).Msg("worker: picked job")

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobBudget)
	defer cancel()

	input, err := job.Input()
	if err != nil {
		w.settleFailed(ctx, job, &domain.ValidationError{Message: "stored input payload is not decodable"}, start)
		return
	}

	route := gateway.ResolveRoute(job.Model)
	req := gateway.Request{
		Instruction: job.Instruction,
		Inputs:      input.Images(),
		Params:      job.Params,
		RequestID:   job.ID,
	}
	if input.Kind == domain.InputKindPrompt && input.Prompt != "" {
		req.Instruction = input.Prompt
	}

	attempts := 0
	var lastEmpty *domain.Result
	result, err := retry.Do(jobCtx, w.opts.Policy, w.opts.MaxAttempts, w.opts.BaseDelay,
		func(res *domain.Result) error {
			if res == nil || len(res.Images) == 0 {
				lastEmpty = res
				return &domain.NoUsableResultError{Message: "provider returned no images"}
			}
			return nil
		},
		func(ctx context.Context) (*domain.Result, error) {
			attempts++
			return w.invoker.Invoke(ctx, job.UserID, route, req)
		})

	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	job.RetryCount += retries

	switch {
	case err == nil:
		w.settleCompleted(ctx, job, result, start, refundNone)
	case domain.CodeOf(err) == domain.CodeNoUsableResult && lastEmpty != nil:
		// The provider answered but produced nothing usable. Surface what it
		// said, flag the gap, and give the credits back.
		lastEmpty.Warning = "no image was produced for this request"
		outcome := w.refund(ctx, job, "no usable result")
		w.settleCompleted(ctx, job, lastEmpty, start, outcome)
	default:
		w.settleFailed(ctx, job, err, start)
	}
}

func (w *Worker) settleCompleted(ctx context.Context, job *domain.Job, result *domain.Result, start time.Time, refundOutcome string) {
	logger := w.logger.With().Str("job_id", job.ID).Logger()
	if err := w.store.MarkCompleted(ctx, job.ID, result, job.RetryCount); err != nil {
		logger.Error().Err(err).Msg("worker: persist result failed")
		return
	}
	logger.Info().
		Int("images", len(result.Images)).
		Int("retries", job.RetryCount).
		Dur("elapsed", time.Since(start)).
		Msg("worker: job completed")
	w.recordUsage(ctx, job, true, time.Since(start), "", &result.Usage, refundOutcome)
}

func (w *Worker) settleFailed(ctx context.Context, job *domain.Job, cause error, start time.Time) {
	logger := w.logger.With().Str("job_id", job.ID).Logger()
	code, message := domain.Humanize(cause, w.localeFor(ctx, job.UserID))

	if err := w.store.MarkFailed(ctx, job.ID, job.RetryCount, code, message); err != nil {
		logger.Error().Err(err).Msg("worker: persist failure failed")
		return
	}
	logger.Error().Err(cause).Str("error_code", string(code)).Msg("worker: job failed")
	outcome := w.refund(ctx, job, string(code))
	w.recordUsage(ctx, job, false, time.Since(start), string(code), nil, outcome)
}

// refund returns a job's outstanding charge, best effort, and reports what
// happened for the usage event. Bring-your-own jobs are skipped because the
// user's own provider quota was spent, not platform credits. The store zeroes
// the charge together with the refund, so settling the same job again (after
// targeted reprocessing or a stale sweep) refunds nothing.
func (w *Worker) refund(ctx context.Context, job *domain.Job, reason string) string {
	if gateway.Variant(job.Variant) == gateway.VariantBYO {
		return refundSkippedBYO
	}
	refunded, _, err := w.store.RefundJobCredits(ctx, job.ID)
	if err != nil {
		w.logger.Error().Err(err).
			Str("job_id", job.ID).
			Msg("worker: refund failed")
		return refundFailed
	}
	if refunded == 0 {
		return refundNone
	}
	w.logger.Info().
		Str("job_id", job.ID).
		Int("credits", refunded).
		Str("reason", reason).
		Msg("worker: credits refunded")
	return refundIssued
}

func (w *Worker) recordUsage(ctx context.Context, job *domain.Job, success bool, elapsed time.Duration, code string, usage *domain.Usage, refundOutcome string) {
	props := map[string]any{"model": job.Model, "variant": job.Variant, "refund": refundOutcome}
	if code != "" {
		props["error_code"] = code
	}
	if usage != nil {
		props["input_tokens"] = usage.InputTokens
		props["output_tokens"] = usage.OutputTokens
	}
	if job.Country != "" {
		props["country"] = job.Country
	}
	err := w.store.InsertUsageEvent(ctx, store.UsageEvent{
		UserID:     job.UserID,
		JobID:      job.ID,
		EventType:  usageEventEditJob,
		Success:    success,
		LatencyMS:  int(elapsed.Milliseconds()),
		Properties: props,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("worker: usage event insert failed")
	}
}

func (w *Worker) localeFor(ctx context.Context, userID string) string {
	if w.locales == nil {
		return ""
	}
	locale, err := w.locales.UserLocale(ctx, userID)
	if err != nil {
		w.logger.Warn().Err(err).Str("user_id", userID).Msg("worker: locale lookup failed")
		return ""
	}
	return locale
}

func (w *Worker) sweepStale(ctx context.Context) error {
	stale, err := w.store.SweepStale(ctx, w.opts.JobBudget)
	if err != nil {
		return err
	}
	for _, j := range stale {
		w.logger.Warn().Str("job_id", j.ID).Int("charged", j.Charged).Msg("worker: job timed out")
		w.refund(ctx, &domain.Job{ID: j.ID, UserID: j.UserID, Variant: j.Variant}, "timeout")
	}
	return nil
}
