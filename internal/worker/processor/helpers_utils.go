package processor

import (
	"fmt"
	"path/filepath"
	"strings"

	"subburn/internal/jobs"
)

// OutputPath is where the renderer writes a job's video.
func OutputPath(dir string, job jobs.RenderJob) string {
	name := fmt.Sprintf("%s_%s_%s.mp4",
		SanitizeFilename(job.LessonID),
		SanitizeFilename(job.TargetLanguage),
		SanitizeFilename(job.ID),
	)
	return filepath.Join(dir, name)
}

// ArtifactFilename is the display name of an uploaded artifact.
func ArtifactFilename(lessonID, language string) string {
	return fmt.Sprintf("rendered_%s_%s.mp4", SanitizeFilename(lessonID), SanitizeFilename(language))
}

// SanitizeFilename keeps a caller-supplied value usable as one path segment.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "\"", "")
	if s == "" {
		return "input"
	}
	return s
}

// WithinDir reports whether path names an entry inside dir.
func WithinDir(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
