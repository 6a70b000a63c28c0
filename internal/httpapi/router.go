// Package httpapi assembles the HTTP surface of the render service.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subburn/internal/httpapi/handlers"
	"subburn/internal/httpkit"
	"subburn/internal/orchestrator"
	"subburn/internal/pkg/logger"
	"subburn/internal/pkg/middleware"
)

// APIPrefix is the alternate mount point every route is also served under.
const APIPrefix = "/api"

type Deps struct {
	Orchestrator   *orchestrator.Orchestrator
	Health         handlers.HealthDeps
	CORSOrigins    []string
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	httpLog := log.WithComponent("http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(httpLog))
	r.Use(middleware.Recovery(httpLog))

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Content-Disposition", "Location"},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(handlers.Deps{
		Orchestrator: d.Orchestrator,
		Health:       d.Health,
		Log:          log,
	})

	routes := func(r chi.Router) {
		// ---- HEALTH ----
		r.Get("/health", h.Health)
		r.Get("/health/ready", h.Ready)

		// ---- DOWNLOAD ---- streams are not bounded by the request timeout
		r.Get("/render/{id}/download", h.Wrap(h.Download))

		r.Group(func(r chi.Router) {
			if d.RequestTimeout > 0 {
				r.Use(middleware.Timeout(d.RequestTimeout))
			}

			// ---- RENDER ----
			r.Post("/render", h.Wrap(h.PostRender))
			r.Get("/render/jobs", h.Wrap(h.ListJobs))
			r.Get("/render/stats", h.Wrap(h.Stats))
			r.Get("/render/{id}/status", h.Wrap(h.GetStatus))
			r.Get("/render/artifacts/{lessonId}/{targetLanguage}", h.Wrap(h.ExistingArtifact))
			r.Delete("/render/{id}", h.Wrap(h.DeleteJob))

			// ---- CAPTIONS ----
			r.Get("/captions/{lessonId}/languages", h.Wrap(h.GetLanguages))
			r.Get("/captions/{lessonId}/original", h.Wrap(h.GetOriginal))
			r.Get("/captions/{lessonId}/{targetLanguage}", h.Wrap(h.GetCaptions))
		})
	}

	routes(r)
	r.Route(APIPrefix, routes)

	return r
}
