package processor

import (
	"context"
	"os"

	"subburn/internal/jobs"
	"subburn/internal/pkg/logger"
)

// Cleanup removes a job's local render output. Failures are logged and never
// change the job's outcome.
type Cleanup struct {
	registry jobs.Registry
	log      *logger.Logger
}

func NewCleanup(reg jobs.Registry, log *logger.Logger) *Cleanup {
	return &Cleanup{registry: reg, log: log}
}

// CleanupJob deletes paths and clears the job's recorded output path.
func (c *Cleanup) CleanupJob(ctx context.Context, jobID string, paths ...string) {
	log := c.log.FromContext(logger.ContextWithJobID(ctx, jobID))

	for _, path := range paths {
		RemoveOutput(log, path)
	}

	_, err := c.registry.Mutate(ctx, jobID, func(j *jobs.RenderJob) error {
		j.OutputPath = ""
		return nil
	})
	if err != nil {
		log.Debug("could not clear output path", "error", err.Error())
	}
}

// RemoveOutput deletes one render output and logs the outcome. It reports
// whether the file is gone.
func RemoveOutput(log *logger.Logger, path string) bool {
	if path == "" {
		return true
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		log.Debug("removed render output", "path", path)
		return true
	case os.IsNotExist(err):
		return true
	default:
		log.Warn("failed to remove render output", "path", path, "error", err.Error())
		return false
	}
}
