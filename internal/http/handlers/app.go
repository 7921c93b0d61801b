package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"retouch/internal/gateway"
	"retouch/internal/infra"
	"retouch/internal/middleware"
	"retouch/internal/store"
)

// App bundles the dependencies shared by all HTTP handlers.
type App struct {
	Config   *infra.Config
	Logger   infra.Logger
	Store    *store.Store
	Gateway  gateway.Invoker
	Validate *validator.Validate
}

func NewApp(cfg *infra.Config, logger infra.Logger, st *store.Store, gw gateway.Invoker) *App {
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Gateway:  gw,
		Validate: validator.New(),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error_code": errCode, "error": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
