package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"retouch/internal/domain"
	"retouch/internal/gateway"
	"retouch/internal/middleware"
	"retouch/internal/poll"
	"retouch/internal/store"
)

const defaultModel = "image-edit"

// pollHintSeconds is the retry-after hint returned while a job is still in
// flight.
const pollHintSeconds = 2

// waitPollAttempts bounds how long a wait=1 enqueue blocks before degrading
// to the async response.
const waitPollAttempts = 25

type enqueueJobRequest struct {
	Model       string              `json:"model"`
	BatchID     string              `json:"batch_id" validate:"max=128"`
	Instruction string              `json:"instruction" validate:"max=4000"`
	Input       domain.Input        `json:"input"`
	Params      domain.OutputParams `json:"params"`
}

type enqueueJobResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	TokensRemaining int64  `json:"tokens_remaining"`
}

// JobsEnqueue charges the credit estimate and queues one edit job for the
// background worker. The charge and the insert are a single statement, so a
// rejected request never leaves a dangling debit.
func (a *App) JobsEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid payload")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), err.Error())
		return
	}
	if err := req.Input.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), err.Error())
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}
	route := gateway.ResolveRoute(req.Model)

	jobID, remaining, err := a.Store.Enqueue(r.Context(), store.NewJob{
		UserID:      userID,
		BatchID:     req.BatchID,
		Model:       req.Model,
		Variant:     string(route.Variant),
		Input:       req.Input,
		Instruction: req.Instruction,
		Params:      req.Params,
		Estimate:    a.Config.JobCreditEstimate,
		Country:     middleware.CountryFromContext(r.Context()),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			locale := middleware.LocaleFromContext(r.Context())
			code, message := domain.Humanize(err, locale)
			a.error(w, http.StatusPaymentRequired, string(code), message)
			return
		}
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: enqueue failed")
		a.error(w, http.StatusInternalServerError, string(domain.CodeOf(err)), "failed to queue job")
		return
	}

	// wait=1 turns the enqueue into a blocking call: the handler polls the
	// durable queue until the worker settles the job, then answers with the
	// full status payload.
	if r.URL.Query().Get("wait") == "1" {
		p := poll.New(func(ctx context.Context, id string) (*domain.Job, error) {
			return a.Store.JobForUser(ctx, id, userID)
		})
		p.MaxAttempts = waitPollAttempts
		job, err := p.Wait(r.Context(), jobID)
		if err == nil {
			a.writeJobStatus(w, job)
			return
		}
		if !errors.Is(err, poll.ErrTimeout) {
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: wait for job failed")
			a.error(w, http.StatusInternalServerError, string(domain.CodeOf(err)), "failed to wait for job")
			return
		}
		// Budget spent; degrade to the async contract.
	}

	a.json(w, http.StatusAccepted, enqueueJobResponse{
		JobID:           jobID,
		Status:          string(domain.JobStatusPending),
		TokensRemaining: remaining,
	})
}

// JobStatus reports where a job is in its lifecycle. Terminal jobs carry the
// result or the humanized error; in-flight ones carry a poll hint.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), "job_id required")
		return
	}

	job, err := a.Store.JobForUser(r.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("handlers: job lookup failed")
		a.error(w, http.StatusInternalServerError, string(domain.CodeOf(err)), "failed to load job")
		return
	}
	a.writeJobStatus(w, job)
}

func (a *App) writeJobStatus(w http.ResponseWriter, job *domain.Job) {
	payload := map[string]any{
		"job_id":      job.ID,
		"status":      string(job.Status),
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
		"elapsed":     jobElapsed(job).Seconds(),
	}
	switch {
	case job.Status == domain.JobStatusCompleted:
		result, err := job.Result()
		if err != nil {
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("handlers: stored result undecodable")
			a.error(w, http.StatusInternalServerError, string(domain.CodePersistence), "failed to decode result")
			return
		}
		if result != nil {
			payload["images"] = result.Images
			if result.Content != "" {
				payload["content"] = result.Content
			}
			if result.Warning != "" {
				payload["warning"] = result.Warning
			}
			payload["usage"] = result.Usage
		}
	case job.Status.Terminal():
		payload["error_code"] = job.ErrorCode
		payload["error"] = job.ErrorMessage
	default:
		payload["retry_after"] = pollHintSeconds
	}
	a.json(w, http.StatusOK, payload)
}

func jobElapsed(job *domain.Job) time.Duration {
	end := time.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}
