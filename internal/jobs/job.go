// Package jobs holds the render job model, its state machine and the registries
// that store it.
package jobs

import (
	"fmt"
	"time"
	"unicode/utf8"

	"subburn/internal/pkg/errors"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRendering Status = "rendering"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress watermarks of the pipeline.
const (
	ProgressRenderStart = 10
	ProgressRenderEnd   = 90
	ProgressUploading   = 95
	ProgressDone        = 100
)

// MaxErrorLen bounds the error text kept on a failed job.
const MaxErrorLen = 2000

// transitions lists the allowed edges. queued -> failed is only taken when a
// pipeline cannot start or a durable registry recovers an interrupted job.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRendering, StatusFailed},
	StatusRendering: {StatusUploading, StatusFailed},
	StatusUploading: {StatusCompleted, StatusFailed},
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRendering, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RenderJob is one tracked request to burn captions into a lesson video.
type RenderJob struct {
	ID             string `json:"id"`
	LessonID       string `json:"lessonId"`
	TargetLanguage string `json:"targetLanguage"`
	VideoURL       string `json:"videoUrl"`
	CompositionID  string `json:"compositionId"`
	FPS            int    `json:"fps"`

	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	ArtifactID string `json:"artifactId,omitempty"`
	Error      string `json:"error,omitempty"`

	DurationMs   int64 `json:"durationMs,omitempty"`
	CaptionCount int   `json:"captionCount,omitempty"`

	// OutputPath is the live temporary render output, cleared once removed.
	OutputPath string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateParams are the immutable request parameters of a job.
type CreateParams struct {
	LessonID       string
	TargetLanguage string
	VideoURL       string
	CompositionID  string
	FPS            int
}

func newJob(id string, p CreateParams, now time.Time) RenderJob {
	now = now.UTC()
	return RenderJob{
		ID:             id,
		LessonID:       p.LessonID,
		TargetLanguage: p.TargetLanguage,
		VideoURL:       p.VideoURL,
		CompositionID:  p.CompositionID,
		FPS:            p.FPS,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (j *RenderJob) IsTerminal() bool { return j.Status.IsTerminal() }

// Transition moves the job along one edge of the state machine.
func (j *RenderJob) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return errors.FailedPrecondition(fmt.Sprintf("invalid status transition %s -> %s", j.Status, to)).
			WithField("job_id", j.ID).
			WithField("from", string(j.Status)).
			WithField("to", string(to))
	}
	j.Status = to
	return nil
}

// SetProgress raises progress; lower values and terminal jobs are ignored.
func (j *RenderJob) SetProgress(p int) {
	if j.IsTerminal() {
		return
	}
	if p > ProgressDone {
		p = ProgressDone
	}
	if p > j.Progress {
		j.Progress = p
	}
}

func (j *RenderJob) StartRendering() error {
	if err := j.Transition(StatusRendering); err != nil {
		return err
	}
	j.SetProgress(ProgressRenderStart)
	return nil
}

func (j *RenderJob) StartUploading() error {
	if err := j.Transition(StatusUploading); err != nil {
		return err
	}
	j.SetProgress(ProgressUploading)
	return nil
}

// Complete records the artifact and pins progress to 100.
func (j *RenderJob) Complete(artifactID string) error {
	if artifactID == "" {
		return errors.FailedPrecondition("completed job requires an artifact id").WithField("job_id", j.ID)
	}
	if err := j.Transition(StatusCompleted); err != nil {
		return err
	}
	j.ArtifactID = artifactID
	j.Error = ""
	j.Progress = ProgressDone
	return nil
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Fail records msg, truncated to MaxErrorLen.
func (j *RenderJob) Fail(msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	msg = truncateRunes(msg, MaxErrorLen)
	j.Error = msg
	j.ArtifactID = ""
	return nil
}

// touch stamps UpdatedAt, never earlier than CreatedAt or the previous stamp.
func (j *RenderJob) touch(now time.Time) {
	now = now.UTC()
	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	if now.Before(j.CreatedAt) {
		now = j.CreatedAt
	}
	j.UpdatedAt = now
}

// Stats counts jobs per status.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Rendering int `json:"rendering"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func CountByStatus(list []RenderJob) Stats {
	st := Stats{Total: len(list)}
	for _, j := range list {
		switch j.Status {
		case StatusQueued:
			st.Queued++
		case StatusRendering:
			st.Rendering++
		case StatusUploading:
			st.Uploading++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}
