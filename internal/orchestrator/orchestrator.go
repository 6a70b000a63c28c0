// Package orchestrator is the accept phase of rendering and the query and
// download surface over jobs and artifacts.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"

	"subburn/internal/captions"
	"subburn/internal/jobs"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
	"subburn/internal/ports"
	"subburn/internal/worker/processor"
)

const (
	DefaultComposition = "VideoWithCaptions"
	DefaultFPS         = 30
	MaxFPS             = 120
)

// CaptionReader is the caption lookup the orchestrator checks and serves.
type CaptionReader interface {
	Exists(ctx context.Context, lessonID, language string) (bool, error)
	Track(ctx context.Context, lessonID, language string) (*captions.Track, error)
	AvailableLanguages(ctx context.Context, lessonID string) ([]string, error)
	OriginalTranscript(ctx context.Context, lessonID string) ([]captions.Cue, error)
}

// Scheduler starts the execute phase of an accepted job without blocking.
type Scheduler interface {
	Dispatch(ctx context.Context, jobID string) error
}

type Deps struct {
	Registry  jobs.Registry
	Captions  CaptionReader
	Blobs     ports.BlobStore
	Scheduler Scheduler

	DefaultComposition string
	DefaultFPS         int

	Log *logger.Logger
}

type Orchestrator struct {
	registry  jobs.Registry
	captions  CaptionReader
	blobs     ports.BlobStore
	scheduler Scheduler

	defaultComposition string
	defaultFPS         int

	log *logger.Logger
}

func New(d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	comp := d.DefaultComposition
	if comp == "" {
		comp = DefaultComposition
	}
	fps := d.DefaultFPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Orchestrator{
		registry:           d.Registry,
		captions:           d.Captions,
		blobs:              d.Blobs,
		scheduler:          d.Scheduler,
		defaultComposition: comp,
		defaultFPS:         fps,
		log:                log.WithComponent("orchestrator"),
	}
}

// SubmitRequest is a request to burn a lesson's captions into a video.
type SubmitRequest struct {
	LessonID       string `json:"lessonId"`
	TargetLanguage string `json:"targetLanguage"`
	VideoURL       string `json:"videoUrl"`
	CompositionID  string `json:"compositionId,omitempty"`
	FPS            int    `json:"fps,omitempty"`
}

func (r *SubmitRequest) normalize() {
	r.LessonID = strings.TrimSpace(r.LessonID)
	r.TargetLanguage = strings.TrimSpace(r.TargetLanguage)
	r.VideoURL = strings.TrimSpace(r.VideoURL)
	r.CompositionID = strings.TrimSpace(r.CompositionID)
}

func (r SubmitRequest) validate() error {
	var missing []string
	if r.LessonID == "" {
		missing = append(missing, "lessonId")
	}
	if r.TargetLanguage == "" {
		missing = append(missing, "targetLanguage")
	}
	if r.VideoURL == "" {
		missing = append(missing, "videoUrl")
	}
	if len(missing) > 0 {
		return errors.Validation("missing required fields: "+strings.Join(missing, ", ")).
			WithField("fields", missing)
	}
	if r.FPS < 0 || r.FPS > MaxFPS {
		return errors.ValidationField("fps", fmt.Sprintf("fps must be between 1 and %d", MaxFPS))
	}
	return nil
}

// Submit validates req, checks captions exist, records a queued job and
// schedules its pipeline. It returns before the pipeline is known to start.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (jobs.RenderJob, error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return jobs.RenderJob{}, err
	}
	log := o.log.FromContext(ctx)

	ok, err := o.captions.Exists(ctx, req.LessonID, req.TargetLanguage)
	if err != nil {
		return jobs.RenderJob{}, errors.Wrap(err, "orchestrator.submit", "caption lookup failed")
	}
	if !ok {
		return jobs.RenderJob{}, errors.NotFound("captions", req.LessonID+"/"+req.TargetLanguage).
			WithField("lessonId", req.LessonID).
			WithField("targetLanguage", req.TargetLanguage)
	}

	if req.CompositionID == "" {
		req.CompositionID = o.defaultComposition
	}
	if req.FPS == 0 {
		req.FPS = o.defaultFPS
	}

	job, err := o.registry.Create(ctx, jobs.CreateParams{
		LessonID:       req.LessonID,
		TargetLanguage: req.TargetLanguage,
		VideoURL:       req.VideoURL,
		CompositionID:  req.CompositionID,
		FPS:            req.FPS,
	})
	if err != nil {
		return jobs.RenderJob{}, errors.Wrap(err, "orchestrator.submit", "failed to create job")
	}

	if err := o.scheduler.Dispatch(ctx, job.ID); err != nil {
		if _, ferr := o.registry.Mutate(ctx, job.ID, func(j *jobs.RenderJob) error {
			return j.Fail("job could not be scheduled: " + err.Error())
		}); ferr != nil {
			log.Error("failed to record unscheduled job", "job_id", job.ID, "error", ferr.Error())
		}
		return jobs.RenderJob{}, errors.Wrap(err, "orchestrator.submit", "failed to schedule job")
	}

	log.Info("render job accepted",
		"job_id", job.ID,
		"lesson_id", job.LessonID,
		"target_language", job.TargetLanguage,
		"composition_id", job.CompositionID,
	)
	return job, nil
}

func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (jobs.RenderJob, error) {
	return o.registry.Get(ctx, jobID)
}

func (o *Orchestrator) ListJobs(ctx context.Context) ([]jobs.RenderJob, error) {
	return o.registry.ListAll(ctx)
}

func (o *Orchestrator) Stats(ctx context.Context) (jobs.Stats, error) {
	list, err := o.registry.ListAll(ctx)
	if err != nil {
		return jobs.Stats{}, err
	}
	return jobs.CountByStatus(list), nil
}

// Download is an open artifact stream and what the response needs to describe it.
type Download struct {
	Info ports.BlobInfo
	Body io.ReadCloser
}

func (d *Download) ContentType() string {
	if d.Info.ContentType != "" {
		return d.Info.ContentType
	}
	return ports.DefaultContentType
}

// Filename is the attachment name offered to the client.
func (d *Download) Filename() string {
	if d.Info.Filename == "" {
		return "rendered_" + processor.SanitizeFilename(d.Info.ID) + ".mp4"
	}
	return processor.SanitizeFilename(d.Info.Filename)
}

// DownloadArtifact resolves metadata first so an unknown id is NOT_FOUND
// before any stream is opened. The caller closes Body.
func (o *Orchestrator) DownloadArtifact(ctx context.Context, artifactID string) (*Download, error) {
	info, err := o.blobs.Metadata(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	body, err := o.blobs.Open(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return &Download{Info: info, Body: body}, nil
}

// ExistingArtifact returns the latest artifact rendered for the pair.
func (o *Orchestrator) ExistingArtifact(ctx context.Context, lessonID, language string) (ports.BlobInfo, error) {
	return o.blobs.FindByLesson(ctx, lessonID, language)
}

type CleanupOptions struct {
	// PurgeArtifact also deletes the job's persisted artifact.
	PurgeArtifact bool
}

type CleanupResult struct {
	JobID          string `json:"jobId"`
	Deleted        bool   `json:"deleted"`
	ArtifactPurged bool   `json:"artifactPurged"`
}

// CleanupJob deletes the job record. A running pipeline is not interrupted and
// keeps ownership of its output file; a leftover file of a finished job is
// removed here. The artifact survives unless opts.PurgeArtifact is set.
func (o *Orchestrator) CleanupJob(ctx context.Context, jobID string, opts CleanupOptions) (CleanupResult, error) {
	log := o.log.FromContext(ctx).WithJobID(jobID)

	job, err := o.registry.Get(ctx, jobID)
	if err != nil {
		return CleanupResult{}, err
	}

	existed, err := o.registry.Delete(ctx, jobID)
	if err != nil {
		return CleanupResult{}, err
	}
	if !existed {
		return CleanupResult{}, errors.NotFound("job", jobID)
	}
	res := CleanupResult{JobID: jobID, Deleted: true}

	if job.IsTerminal() && job.OutputPath != "" {
		processor.RemoveOutput(log, job.OutputPath)
	}

	if opts.PurgeArtifact && job.ArtifactID != "" {
		if err := o.blobs.Delete(ctx, job.ArtifactID); err != nil && !errors.IsNotFound(err) {
			return res, errors.Wrap(err, "orchestrator.cleanup", "job deleted but artifact purge failed")
		}
		res.ArtifactPurged = true
	}

	log.Info("job cleaned up",
		"status", string(job.Status),
		"artifact_purged", res.ArtifactPurged,
	)
	return res, nil
}

func (o *Orchestrator) Captions(ctx context.Context, lessonID, language string) (*captions.Track, error) {
	return o.captions.Track(ctx, lessonID, language)
}

func (o *Orchestrator) Languages(ctx context.Context, lessonID string) ([]string, error) {
	return o.captions.AvailableLanguages(ctx, lessonID)
}

func (o *Orchestrator) OriginalTranscript(ctx context.Context, lessonID string) ([]captions.Cue, error) {
	return o.captions.OriginalTranscript(ctx, lessonID)
}
