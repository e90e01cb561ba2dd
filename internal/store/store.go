package store

import (
	"context"

	"github.com/me/dammer/internal/orchestrator"
	"github.com/me/dammer/pkg/model"
)

// Store persists orchestration runs and the outcome of every unit in them.
type Store interface {
	orchestrator.Recorder

	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
