package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"subburn/internal/blobstore"
	"subburn/internal/captions"
	"subburn/internal/config"
	"subburn/internal/docstore"
	"subburn/internal/httpapi"
	"subburn/internal/httpapi/handlers"
	"subburn/internal/jobs"
	"subburn/internal/orchestrator"
	"subburn/internal/pkg/logger"
	"subburn/internal/pkg/shutdown"
	"subburn/internal/worker"
	"subburn/internal/worker/processor"
	"subburn/internal/worker/renderer"
)

const serviceName = "subburn"

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		AddSource:   cfg.Log.Source,
	})

	log.Info("starting subburn",
		"port", cfg.Server.Port,
		"blob_backend", cfg.Blob.Backend,
		"registry_backend", cfg.Registry.Backend,
		"renderer_mode", cfg.Renderer.Mode,
	)

	ctx := context.Background()

	// Initialize shutdown manager
	shutdownMgr := shutdown.NewManager(log, cfg.Server.ShutdownTimeout)

	// Connect to the document store; failure leaves the service up but degraded.
	store := docstore.New(docstore.Config{
		URI:         cfg.Mongo.URI,
		Database:    cfg.Mongo.Database,
		Attempts:    cfg.Mongo.ConnectAttempts,
		RetryBase:   cfg.Mongo.RetryBase,
		PingTimeout: cfg.Mongo.PingTimeout,
	}, log)
	if err := store.Connect(ctx); err != nil {
		log.Warn("serving in degraded mode; caption and gridfs routes will answer 503")
	}
	shutdownMgr.Register("docstore", store.Close)

	// Job registry
	reg, err := jobs.NewRegistry(ctx, cfg.Registry, log)
	if err != nil {
		log.LogFatal("failed to initialize job registry", err)
	}
	shutdownMgr.Register("registry", func(ctx context.Context) error {
		return reg.Close()
	})
	if reg.Backend() != "memory" {
		n, err := jobs.FailInterrupted(ctx, reg, log)
		if err != nil {
			log.LogFatal("failed to recover interrupted jobs", err)
		}
		if n > 0 {
			log.Warn("failed jobs interrupted by a previous run", "count", n)
		}
	}

	// Blob store
	blobs, err := blobstore.New(ctx, cfg.Blob, store, log)
	if err != nil {
		log.LogFatal("failed to initialize blob store", err)
	}
	log.Info("blob store initialized", "backend", blobs.Backend())

	// Renderer
	rend, err := renderer.New(cfg.Renderer, log)
	if err != nil {
		log.LogFatal("failed to initialize renderer", err)
	}
	log.Info("renderer initialized", "mode", rend.Name())

	lookup := captions.NewLookup(captions.NewMongoStore(store), log)

	proc := processor.New(processor.Deps{
		Registry:  reg,
		Captions:  lookup,
		Renderer:  rend,
		Blobs:     blobs,
		OutputDir: cfg.Render.OutputDir,
		Codec:     cfg.Render.Codec,
		CRF:       cfg.Render.CRF,
		Log:       log,
	})

	dispatcher := worker.NewDispatcher(worker.Deps{
		Processor:     proc,
		MaxConcurrent: cfg.Render.MaxConcurrent,
		Log:           log,
	})
	shutdownMgr.Register("dispatcher", dispatcher.Shutdown)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:           reg,
		Captions:           lookup,
		Blobs:              blobs,
		Scheduler:          dispatcher,
		DefaultComposition: cfg.Render.DefaultComposition,
		DefaultFPS:         cfg.Render.DefaultFPS,
		Log:                log,
	})

	// Create HTTP router
	router := httpapi.NewRouter(httpapi.Deps{
		Orchestrator: orch,
		Health: handlers.HealthDeps{
			Service:    serviceName,
			StoreReady: store.Ping,
			Checks: []handlers.Check{
				{Name: "docstore", Probe: store.Ping},
				{Name: "registry", Probe: reg.Ping, Info: handlers.Static(map[string]any{"backend": reg.Backend()})},
				{Name: "blobstore", Info: handlers.Static(map[string]any{"backend": blobs.Backend()})},
				{Name: "dispatcher", Info: func() map[string]any {
					return map[string]any{"in_flight": dispatcher.InFlight(), "waiting": dispatcher.Waiting()}
				}},
			},
		},
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Log:            log,
	})

	// Create HTTP server; no write timeout so artifact downloads can stream.
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Register server shutdown
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	// Start server in goroutine
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	// Wait for shutdown signal
	shutdownMgr.Wait()
}
