// Package captions resolves translated caption tracks for a lesson.
package captions

import (
	"context"
	"math"
	"sort"

	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

// Cue is one timed caption entry.
type Cue struct {
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	Text    string `json:"text"`
}

// Track is a caption list together with its timeline length.
type Track struct {
	LessonID       string `json:"lessonId"`
	TargetLanguage string `json:"targetLanguage"`
	Cues           []Cue  `json:"captions"`
	DurationMs     int64  `json:"durationMs"`
}

// Segment mirrors a stored subtitle segment.
type Segment struct {
	Index          int     `bson:"Index"`
	StartSeconds   float64 `bson:"StartSeconds"`
	EndSeconds     float64 `bson:"EndSeconds"`
	OriginalText   string  `bson:"OriginalText"`
	TranslatedText string  `bson:"TranslatedText"`
}

// Document is a stored subtitle or transcript document.
type Document struct {
	LessonID       string    `bson:"LessonId"`
	TargetLanguage string    `bson:"TargetLanguage,omitempty"`
	Segments       []Segment `bson:"Segments"`
}

// Store reads subtitle documents. Find methods return (nil, nil) when nothing matches.
type Store interface {
	FindSubtitles(ctx context.Context, lessonID, language string) (*Document, error)
	CountSubtitles(ctx context.Context, lessonID, language string) (int64, error)
	Languages(ctx context.Context, lessonID string) ([]string, error)
	FindTranscript(ctx context.Context, lessonID string) (*Document, error)
}

type Lookup struct {
	store Store
	log   *logger.Logger
}

func NewLookup(store Store, log *logger.Logger) *Lookup {
	return &Lookup{store: store, log: log.WithComponent("captions")}
}

// Exists reports whether a non-empty track exists for the pair.
func (l *Lookup) Exists(ctx context.Context, lessonID, language string) (bool, error) {
	n, err := l.store.CountSubtitles(ctx, lessonID, language)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Track fetches cues and duration in one read.
func (l *Lookup) Track(ctx context.Context, lessonID, language string) (*Track, error) {
	doc, err := l.store.FindSubtitles(ctx, lessonID, language)
	if err != nil {
		return nil, err
	}
	if doc == nil || len(doc.Segments) == 0 {
		l.log.Warn("no captions found", "lesson_id", lessonID, "language", language)
		return nil, notFound(lessonID, language)
	}

	cues := toCues(doc.Segments, func(s Segment) string { return s.TranslatedText })
	return &Track{
		LessonID:       lessonID,
		TargetLanguage: language,
		Cues:           cues,
		DurationMs:     cues[len(cues)-1].EndMs,
	}, nil
}

func (l *Lookup) GetCaptions(ctx context.Context, lessonID, language string) ([]Cue, error) {
	t, err := l.Track(ctx, lessonID, language)
	if err != nil {
		return nil, err
	}
	return t.Cues, nil
}

// GetDuration returns the end of the last cue in milliseconds.
func (l *Lookup) GetDuration(ctx context.Context, lessonID, language string) (int64, error) {
	t, err := l.Track(ctx, lessonID, language)
	if err != nil {
		return 0, err
	}
	return t.DurationMs, nil
}

// AvailableLanguages lists the translated languages of a lesson, sorted.
func (l *Lookup) AvailableLanguages(ctx context.Context, lessonID string) ([]string, error) {
	langs, err := l.store.Languages(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(langs))
	out := make([]string, 0, len(langs))
	for _, lang := range langs {
		if lang == "" {
			continue
		}
		if _, ok := seen[lang]; ok {
			continue
		}
		seen[lang] = struct{}{}
		out = append(out, lang)
	}
	sort.Strings(out)
	return out, nil
}

// OriginalTranscript returns the source-language transcript of a lesson.
func (l *Lookup) OriginalTranscript(ctx context.Context, lessonID string) ([]Cue, error) {
	doc, err := l.store.FindTranscript(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if doc == nil || len(doc.Segments) == 0 {
		return nil, errors.NotFound("transcript", lessonID)
	}
	return toCues(doc.Segments, func(s Segment) string {
		if s.OriginalText != "" {
			return s.OriginalText
		}
		return s.TranslatedText
	}), nil
}

func toCues(segs []Segment, text func(Segment) string) []Cue {
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	cues := make([]Cue, len(sorted))
	for i, s := range sorted {
		cues[i] = Cue{
			StartMs: secondsToMs(s.StartSeconds),
			EndMs:   secondsToMs(s.EndSeconds),
			Text:    text(s),
		}
	}
	return cues
}

func secondsToMs(sec float64) int64 {
	return int64(math.Round(sec * 1000))
}

func notFound(lessonID, language string) *errors.Error {
	return errors.NotFound("captions", lessonID+"/"+language).
		WithField("lessonId", lessonID).
		WithField("targetLanguage", language)
}
