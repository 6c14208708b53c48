package tasks

import "context"

// Store persists the full task set. Saves are last-writer-wins: the snapshot
// always reflects the scheduler's current table, not a log of mutations.
type Store interface {
	SaveAll(ctx context.Context, tasks []Task) error
	Load(ctx context.Context) ([]Task, error)
	Close() error
}
