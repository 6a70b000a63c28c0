package ports

import (
	"context"
	"io"
	"os"
	"time"

	"subburn/internal/pkg/errors"
)

const (
	// ArtifactSource tags every blob this service writes.
	ArtifactSource = "subburn"

	DefaultContentType = "video/mp4"

	MetaLessonID       = "lessonId"
	MetaTargetLanguage = "targetLanguage"
	MetaJobID          = "jobId"
	MetaRenderedAt     = "renderedAt"
	MetaSource         = "source"
	MetaContentType    = "contentType"
)

type UploadInput struct {
	// LocalPath is read but never removed by the store.
	LocalPath   string
	Filename    string
	ContentType string
	Metadata    map[string]string
}

// BlobInfo describes a stored artifact.
type BlobInfo struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	Length      int64             `json:"length"`
	ContentType string            `json:"contentType"`
	UploadedAt  time.Time         `json:"uploadedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// BlobStore persists rendered artifacts. Implementations: gridfs, localfs, gdrive.
// Unknown or malformed ids resolve to NOT_FOUND.
type BlobStore interface {
	Backend() string

	Upload(ctx context.Context, in UploadInput) (BlobInfo, error)
	Metadata(ctx context.Context, id string) (BlobInfo, error)
	// Open returns a lazy stream; closing it early is allowed.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error

	// FindByLesson returns the latest artifact rendered for the pair.
	FindByLesson(ctx context.Context, lessonID, targetLanguage string) (BlobInfo, error)
}

// StampMetadata copies meta and adds the fields every artifact carries.
func StampMetadata(meta map[string]string, contentType string, now time.Time) map[string]string {
	out := make(map[string]string, len(meta)+3)
	for k, v := range meta {
		out[k] = v
	}
	out[MetaRenderedAt] = now.UTC().Format(time.RFC3339Nano)
	out[MetaSource] = ArtifactSource
	out[MetaContentType] = contentType
	return out
}

// OpenSource opens the local file of an upload and resolves its content type.
func OpenSource(in UploadInput, op string) (*os.File, int64, string, error) {
	if in.Filename == "" {
		return nil, 0, "", errors.ValidationField("filename", "filename is required")
	}

	f, err := os.Open(in.LocalPath)
	if err != nil {
		return nil, 0, "", errors.Storage(err, op, "open render output")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", errors.Storage(err, op, "stat render output")
	}

	ct := in.ContentType
	if ct == "" {
		ct = DefaultContentType
	}
	return f, st.Size(), ct, nil
}
