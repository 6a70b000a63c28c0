// Package processor runs the execute phase of a render job: fetch captions,
// render, upload, and record the outcome in the registry.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"subburn/internal/captions"
	"subburn/internal/jobs"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/ports"
	"subburn/internal/worker/renderer"
)

// CaptionSource resolves the caption track a job burns into its video.
type CaptionSource interface {
	Track(ctx context.Context, lessonID, language string) (*captions.Track, error)
}

type Deps struct {
	Registry  jobs.Registry
	Captions  CaptionSource
	Renderer  renderer.Renderer
	Blobs     ports.BlobStore
	OutputDir string
	Codec     string
	CRF       int
	Log       *logger.Logger
}

type Processor struct {
	registry jobs.Registry
	captions CaptionSource
	log      *logger.Logger

	rendererAdapter *RendererAdapter
	outputHandler   *OutputHandler
	cleanup         *Cleanup
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	return &Processor{
		registry:        d.Registry,
		captions:        d.Captions,
		log:             log,
		rendererAdapter: NewRendererAdapter(d.Renderer, d.Registry, d.OutputDir, d.Codec, d.CRF, log),
		outputHandler:   NewOutputHandler(d.Blobs),
		cleanup:         NewCleanup(d.Registry, log),
	}
}

// ProcessJob drives one job to a terminal state. It never panics; a returned
// error has already been written into the job record, or the job is gone.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) (err error) {
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := p.log.FromContext(ctx)
	phase := "start"

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pipeline panic recovered",
				"phase", phase,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			err = p.failJob(ctx, jobID, errors.Newf(errors.CodeInternal, "internal error during %s", phase))
		}
	}()

	// 1. queued -> rendering
	job, err := p.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
		return j.StartRendering()
	})
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("job record deleted before pipeline start")
			return err
		}
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.start", "failed to start rendering"))
	}
	p.logTransition(log, job)

	// 2. captions
	phase = "captions"
	track, err := p.captions.Track(ctx, job.LessonID, job.TargetLanguage)
	if err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.captions", "failed to fetch captions"))
	}
	log.Debug("captions fetched", "count", len(track.Cues), "duration_ms", track.DurationMs)

	outputPath, err := p.rendererAdapter.Prepare(job)
	if err != nil {
		return p.failJob(ctx, jobID, err)
	}

	job, err = p.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
		j.DurationMs = track.DurationMs
		j.CaptionCount = len(track.Cues)
		j.OutputPath = outputPath
		return nil
	})
	if err != nil {
		return p.abandonOrFail(ctx, log, jobID, errors.Wrap(err, "processor.captions", "failed to record captions"))
	}

	// Every exit from here on removes the local output.
	outputs := []string{outputPath}
	defer func() {
		p.cleanup.CleanupJob(ctx, jobID, outputs...)
	}()

	// 3. render
	phase = "render"
	start := time.Now()
	log.Info("starting render",
		"composition_id", job.CompositionID,
		"fps", job.FPS,
		"captions", len(track.Cues),
		"output_path", outputPath,
	)
	rendered, err := p.rendererAdapter.Render(ctx, job, track, outputPath)
	if err != nil {
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.render", "render failed"))
	}
	if rendered != outputPath {
		outputs = append(outputs, rendered)
	}
	log.Info("render completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"output_path", rendered,
	)

	// 4. rendering -> uploading
	phase = "upload"
	job, err = p.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
		return j.StartUploading()
	})
	if err != nil {
		return p.abandonOrFail(ctx, log, jobID, errors.Wrap(err, "processor.upload", "failed to start upload"))
	}
	p.logTransition(log, job)

	// 5. upload
	info, err := p.outputHandler.Upload(ctx, job, rendered)
	if err != nil {
		return p.failJob(ctx, jobID, err)
	}
	log.Info("artifact uploaded", "artifact_id", info.ID, "size", info.Length, "backend", p.outputHandler.Backend())

	// 6. uploading -> completed
	phase = "complete"
	job, err = p.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
		return j.Complete(info.ID)
	})
	if err != nil {
		if errors.IsNotFound(err) {
			log.Warn("job record deleted during upload; artifact kept", "artifact_id", info.ID)
			return err
		}
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.complete", "failed to complete job"))
	}
	p.logTransition(log, job)
	return nil
}

// abandonOrFail stops quietly when the record was deleted mid-pipeline.
func (p *Processor) abandonOrFail(ctx context.Context, log *logger.Logger, jobID string, cause error) error {
	if errors.IsNotFound(cause) {
		log.Info("job record deleted; abandoning pipeline")
		return cause
	}
	return p.failJob(ctx, jobID, cause)
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(logger.ContextWithJobID(ctx, jobID))

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()

		var se *errors.Error
		if errors.As(cause, &se) {
			log.WithError(cause).Error("job failed",
				"code", string(errors.GetCode(cause)),
				"op", se.Op,
			)
		} else {
			log.WithError(cause).Error("job failed")
		}
	}

	job, err := p.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
		if j.IsTerminal() {
			return nil
		}
		return j.Fail(msg)
	})
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("job record deleted before failure could be recorded")
			return cause
		}
		log.WithError(err).Error("failed to record job failure; job left non-terminal",
			"anomaly", "orphaned_job",
			"cause", msg,
		)
		return cause
	}
	p.logTransition(log, job)
	return cause
}

func (p *Processor) logTransition(log *logger.Logger, job jobs.RenderJob) {
	log.Info("job status changed", "status", string(job.Status), "progress", job.Progress)
}
