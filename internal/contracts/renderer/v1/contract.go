// Package v1 is the wire contract of the external renderer service.
//
// The client POSTs a RenderRequest to {base}/render. The renderer answers
// either with a single JSON RenderResult, or with application/x-ndjson where
// each line is an Event: progress lines first, then one line carrying
// outputPath or error.
package v1

const (
	Path = "/render"

	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"
)

type Caption struct {
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	Text    string `json:"text"`
}

type RenderRequest struct {
	JobID         string    `json:"jobId"`
	CompositionID string    `json:"compositionId"`
	VideoURL      string    `json:"videoUrl"`
	Captions      []Caption `json:"captions"`
	DurationMs    int64     `json:"durationMs"`
	FPS           int       `json:"fps"`
	Codec         string    `json:"codec,omitempty"`
	CRF           int       `json:"crf,omitempty"`
	// OutputPath is where the renderer must write the file.
	OutputPath string `json:"outputPath"`
}

// InputProps are the composition props handed to the renderer.
type InputProps struct {
	VideoURL   string    `json:"videoUrl"`
	Captions   []Caption `json:"captions"`
	DurationMs int64     `json:"durationMs"`
}

type RenderResult struct {
	OutputPath string `json:"outputPath"`
}

// Event is one NDJSON line. Progress is a fraction in [0, 1].
type Event struct {
	Progress   *float64 `json:"progress,omitempty"`
	OutputPath string   `json:"outputPath,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// FrameCount converts a duration to a whole number of frames, at least one.
func FrameCount(durationMs int64, fps int) int64 {
	if fps <= 0 || durationMs <= 0 {
		return 1
	}
	n := (durationMs*int64(fps) + 999) / 1000
	if n < 1 {
		return 1
	}
	return n
}
