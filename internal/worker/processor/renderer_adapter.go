package processor

import (
	"context"
	"math"
	"os"

	"subburn/internal/captions"
	"subburn/internal/jobs"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/worker/renderer"
)

// RendererAdapter turns a job and its caption track into a renderer call and
// feeds renderer progress back into the registry.
type RendererAdapter struct {
	renderer  renderer.Renderer
	registry  jobs.Registry
	outputDir string
	codec     string
	crf       int
	log       *logger.Logger
}

func NewRendererAdapter(r renderer.Renderer, reg jobs.Registry, outputDir, codec string, crf int, log *logger.Logger) *RendererAdapter {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	return &RendererAdapter{
		renderer:  r,
		registry:  reg,
		outputDir: outputDir,
		codec:     codec,
		crf:       crf,
		log:       log,
	}
}

// Prepare creates the output directory and returns the job's output path.
func (ra *RendererAdapter) Prepare(job jobs.RenderJob) (string, error) {
	if err := os.MkdirAll(ra.outputDir, 0o755); err != nil {
		return "", errors.Storage(err, "processor.prepare", "create output directory")
	}
	return OutputPath(ra.outputDir, job), nil
}

// Render blocks until the renderer finishes and returns the produced file.
func (ra *RendererAdapter) Render(ctx context.Context, job jobs.RenderJob, track *captions.Track, outputPath string) (string, error) {
	req := renderer.Job{
		JobID:         job.ID,
		CompositionID: job.CompositionID,
		VideoURL:      job.VideoURL,
		Captions:      track.Cues,
		DurationMs:    track.DurationMs,
		FPS:           job.FPS,
		Codec:         ra.codec,
		CRF:           ra.crf,
		OutputPath:    outputPath,
	}

	path, err := ra.renderer.Render(ctx, req, ra.progressFunc(ctx, job.ID))
	if err != nil {
		return "", err
	}
	if path == "" {
		path = outputPath
	}
	if !WithinDir(ra.outputDir, path) {
		return "", errors.New(errors.CodeRenderEngine, "renderer returned a path outside the output directory: "+path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", errors.Storage(err, "processor.render", "rendered output missing")
	}
	return path, nil
}

// progressFunc maps a render fraction onto the rendering band of the job's
// progress. Only whole-percent increases reach the registry.
func (ra *RendererAdapter) progressFunc(ctx context.Context, jobID string) renderer.ProgressFunc {
	last := jobs.ProgressRenderStart
	return func(fraction float64) {
		p := RenderProgress(fraction)
		if p <= last {
			return
		}
		last = p
		if _, err := ra.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
			j.SetProgress(p)
			return nil
		}); err != nil {
			ra.log.Debug("progress update dropped", "job_id", jobID, "progress", p, "error", err.Error())
		}
	}
}

// RenderProgress maps a fraction in [0, 1] to the 10..90 rendering band.
func RenderProgress(fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	span := jobs.ProgressRenderEnd - jobs.ProgressRenderStart
	return jobs.ProgressRenderStart + int(math.Round(fraction*float64(span)))
}
