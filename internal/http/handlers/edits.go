package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"retouch/internal/dispatch"
	"retouch/internal/domain"
	"retouch/internal/gateway"
	"retouch/internal/middleware"
	"retouch/internal/retry"
)

const maxSyncEditItems = 10

type editItemRequest struct {
	Input       domain.Input        `json:"input"`
	Instruction string              `json:"instruction" validate:"max=4000"`
	Params      domain.OutputParams `json:"params"`
}

type editsRequest struct {
	Model string            `json:"model"`
	Items []editItemRequest `json:"items" validate:"min=1"`
}

type editItemResponse struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	Images    []string      `json:"images,omitempty"`
	Content   string        `json:"content,omitempty"`
	Warning   string        `json:"warning,omitempty"`
	Usage     *domain.Usage `json:"usage,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Retries   int           `json:"retries"`
}

// EditsSync runs a small batch of edits in-process and answers when every
// item has settled. Concurrency and stagger are tuned to the batch size so a
// burst of items does not hammer the provider all at once.
func (a *App) EditsSync(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req editsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), "invalid payload")
		return
	}
	if err := a.Validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation), err.Error())
		return
	}
	if len(req.Items) > maxSyncEditItems {
		a.error(w, http.StatusBadRequest, string(domain.CodeValidation),
			fmt.Sprintf("at most %d items per request", maxSyncEditItems))
		return
	}
	for i, item := range req.Items {
		if err := item.Input.Validate(); err != nil {
			a.error(w, http.StatusBadRequest, string(domain.CodeValidation),
				fmt.Sprintf("item %d: %v", i, err))
			return
		}
	}
	if req.Model == "" {
		req.Model = defaultModel
	}
	route := gateway.ResolveRoute(req.Model)
	locale := middleware.LocaleFromContext(r.Context())
	requestID := middleware.RequestIDFromContext(r.Context())

	// Operator knobs only tighten the batch-size suggestion: concurrency is
	// capped, stagger is floored.
	tuning := dispatch.SuggestTuning(len(req.Items))
	if c := a.Config.DispatchConcurrency; c > 0 && c < tuning.Concurrency {
		tuning.Concurrency = c
	}
	if s := a.Config.DispatchStagger; s > tuning.Stagger {
		tuning.Stagger = s
	}

	policy := retry.DefaultPolicy()
	d := dispatch.New(tuning,
		func(ctx context.Context, item dispatch.Item) (dispatch.Item, error) {
			res, err := retry.Do(ctx, policy, 2, 0, nil,
				func(ctx context.Context) (*domain.Result, error) {
					return a.Gateway.Invoke(ctx, userID, route, gateway.Request{
						Instruction: item.Instruction,
						Inputs:      item.Input.Images(),
						Params:      item.Params,
						RequestID:   requestID + "/" + item.ID,
					})
				})
			if err != nil {
				return item, err
			}
			item.Result = res
			return item, nil
		})

	items := make([]dispatch.Item, 0, len(req.Items))
	for i, item := range req.Items {
		instruction := item.Instruction
		if instruction == "" && item.Input.Kind == domain.InputKindPrompt {
			instruction = item.Input.Prompt
		}
		items = append(items, dispatch.Item{
			ID:          fmt.Sprintf("item-%d", i),
			Model:       req.Model,
			Input:       item.Input,
			Instruction: instruction,
			Params:      item.Params,
		})
	}
	d.AddItems(items)
	d.Start(r.Context())
	d.Wait()

	settled := d.Items()
	out := make([]editItemResponse, 0, len(settled))
	for _, it := range settled {
		entry := editItemResponse{ID: it.ID, Status: string(it.Status), Retries: it.Retries}
		if it.Result != nil {
			entry.Images = it.Result.Images
			entry.Content = it.Result.Content
			entry.Warning = it.Result.Warning
			usage := it.Result.Usage
			entry.Usage = &usage
		}
		if it.Err != nil {
			code, message := domain.Humanize(it.Err, locale)
			entry.ErrorCode = string(code)
			entry.Error = message
		}
		out = append(out, entry)
	}
	a.json(w, http.StatusOK, map[string]any{"items": out})
}
