package storage

import (
	"context"
	"errors"
	"time"

	"pacebot/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the dispatcher and the app layer.
type Store interface {
	// SaveTask upserts the task together with its embedded progress.
	SaveTask(ctx context.Context, t *model.Task) error
	// LoadTasks returns tasks in creation order, filtered by status when
	// statuses are given.
	LoadTasks(ctx context.Context, statuses ...model.Status) ([]*model.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// AppendAction adds an executed action to the audit trail.
	AppendAction(ctx context.Context, rec model.ActionRecord) error
	// ListActions returns up to limit most recent actions of a task, oldest
	// first. limit <= 0 returns all of them.
	ListActions(ctx context.Context, taskID string, limit int) ([]model.ActionRecord, error)

	SaveAccount(ctx context.Context, a model.Account) error
	LoadAccounts(ctx context.Context) ([]model.Account, error)
	SaveProxy(ctx context.Context, p model.Proxy) error
	LoadProxies(ctx context.Context) ([]model.Proxy, error)

	Close() error
}

func statusFilter(statuses []model.Status) func(model.Status) bool {
	if len(statuses) == 0 {
		return func(model.Status) bool { return true }
	}
	set := make(map[model.Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(s model.Status) bool {
		_, ok := set[s]
		return ok
	}
}
