package poll

import (
	"context"
	"errors"
	"time"

	"retouch/internal/domain"
)

// ErrTimeout is returned when the attempt budget is spent before the job
// settles.
var ErrTimeout = errors.New("poll: job did not settle within the attempt budget")

// FetchFunc loads the current state of a job.
type FetchFunc func(ctx context.Context, jobID string) (*domain.Job, error)

// Poller waits for a job to reach a terminal status by fetching it on a
// fixed interval. Fetch failures that cannot improve on retry stop the wait
// early; transient failures just consume an attempt.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Fetch       FetchFunc
}

func New(fetch FetchFunc) Poller {
	return Poller{
		Interval:    2 * time.Second,
		MaxAttempts: 150,
		Fetch:       fetch,
	}
}

// Wait blocks until the job settles, the attempt budget runs out, or ctx is
// cancelled. The first fetch happens immediately.
func (p Poller) Wait(ctx context.Context, jobID string) (*domain.Job, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 150
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		job, err := p.Fetch(ctx, jobID)
		switch {
		case err == nil:
			if job.Status.Terminal() {
				return job, nil
			}
		case !transient(err):
			return nil, err
		}

		if attempt >= maxAttempts {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// transient reports whether a fetch failure is worth another attempt. Missing
// jobs and rejected requests never become visible by waiting.
func transient(err error) bool {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnauthorized) {
		return false
	}
	switch domain.CodeOf(err) {
	case domain.CodeValidation, domain.CodeInsufficientCredits:
		return false
	}
	return true
}
