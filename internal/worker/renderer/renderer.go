// Package renderer invokes the external composition-to-video renderer.
package renderer

import (
	"context"

	contracts "subburn/internal/contracts/renderer/v1"
	"subburn/internal/captions"
)

// Job is everything the renderer needs for one output file.
type Job struct {
	JobID         string
	CompositionID string
	VideoURL      string
	Captions      []captions.Cue
	DurationMs    int64
	FPS           int
	Codec         string
	CRF           int
	OutputPath    string
}

// ProgressFunc receives render progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Renderer produces a local video file and returns its path. Failures are
// RENDER_ENGINE_ERROR coded and keep the engine's own message.
type Renderer interface {
	Name() string
	Render(ctx context.Context, job Job, onProgress ProgressFunc) (string, error)
}

func (j Job) request() contracts.RenderRequest {
	return contracts.RenderRequest{
		JobID:         j.JobID,
		CompositionID: j.CompositionID,
		VideoURL:      j.VideoURL,
		Captions:      toContractCaptions(j.Captions),
		DurationMs:    j.DurationMs,
		FPS:           j.FPS,
		Codec:         j.Codec,
		CRF:           j.CRF,
		OutputPath:    j.OutputPath,
	}
}

func (j Job) props() contracts.InputProps {
	return contracts.InputProps{
		VideoURL:   j.VideoURL,
		Captions:   toContractCaptions(j.Captions),
		DurationMs: j.DurationMs,
	}
}

func toContractCaptions(cues []captions.Cue) []contracts.Caption {
	out := make([]contracts.Caption, len(cues))
	for i, c := range cues {
		out[i] = contracts.Caption{StartMs: c.StartMs, EndMs: c.EndMs, Text: c.Text}
	}
	return out
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func report(fn ProgressFunc, f float64) {
	if fn != nil {
		fn(clampFraction(f))
	}
}
