package processor

import (
	"context"

	"subburn/internal/jobs"
	"subburn/internal/pkg/errors"
	"subburn/internal/ports"
)

// OutputHandler persists a rendered file as an artifact.
type OutputHandler struct {
	blobs ports.BlobStore
}

func NewOutputHandler(blobs ports.BlobStore) *OutputHandler {
	return &OutputHandler{blobs: blobs}
}

func (oh *OutputHandler) Backend() string {
	return oh.blobs.Backend()
}

// Upload stores localPath under a display name derived from the lesson and
// language, tagged with the job's identity.
func (oh *OutputHandler) Upload(ctx context.Context, job jobs.RenderJob, localPath string) (ports.BlobInfo, error) {
	info, err := oh.blobs.Upload(ctx, ports.UploadInput{
		LocalPath:   localPath,
		Filename:    ArtifactFilename(job.LessonID, job.TargetLanguage),
		ContentType: ports.DefaultContentType,
		Metadata: map[string]string{
			ports.MetaLessonID:       job.LessonID,
			ports.MetaTargetLanguage: job.TargetLanguage,
			ports.MetaJobID:          job.ID,
		},
	})
	if err != nil {
		return ports.BlobInfo{}, errors.Storage(err, "processor.upload", "failed to upload rendered video")
	}
	if info.ID == "" {
		return ports.BlobInfo{}, errors.New(errors.CodeStorage, "blob store returned an empty artifact id")
	}
	return info, nil
}
