// Package handlers serves the render, caption and health endpoints.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"subburn/internal/orchestrator"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/pkg/middleware"
)

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Health       HealthDeps
	Log          *logger.Logger
}

type Handler struct {
	orch   *orchestrator.Orchestrator
	health HealthDeps
	log    *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		orch:   d.Orchestrator,
		health: d.Health,
		log:    log.WithComponent("http"),
	}
}

// Wrap renders errors returned by fn as the JSON error envelope.
func (h *Handler) Wrap(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
	return middleware.WrapHandler(h.log, fn)
}

func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return "", errors.ValidationField(name, name+" is required")
	}
	return v, nil
}
