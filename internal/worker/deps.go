package worker

import (
	"context"

	"subburn/internal/pkg/logger"
)

// JobProcessor runs one job's execute phase to a terminal state.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

type Deps struct {
	Processor JobProcessor
	// MaxConcurrent caps pipelines in flight; zero or less means unbounded.
	MaxConcurrent int
	Log           *logger.Logger
}
