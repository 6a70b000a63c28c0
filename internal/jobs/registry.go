package jobs

import (
	"context"
	"sort"
)

// Registry stores render jobs keyed by id.
//
// Mutate is atomic per id: fn sees the latest committed state, and readers
// observe either the state before fn or the state after it. If fn returns an
// error nothing is written and the error is returned.
type Registry interface {
	Backend() string

	Create(ctx context.Context, p CreateParams) (RenderJob, error)
	Get(ctx context.Context, id string) (RenderJob, error)
	Mutate(ctx context.Context, id string, fn func(*RenderJob) error) (RenderJob, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListAll(ctx context.Context) ([]RenderJob, error)

	Ping(ctx context.Context) error
	Close() error
}

// sortJobs orders by creation time, then id.
func sortJobs(list []RenderJob) {
	sort.Slice(list, func(i, k int) bool {
		if list[i].CreatedAt.Equal(list[k].CreatedAt) {
			return list[i].ID < list[k].ID
		}
		return list[i].CreatedAt.Before(list[k].CreatedAt)
	})
}
