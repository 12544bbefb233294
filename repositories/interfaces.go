package repositories

import (
	"context"

	"github.com/upb/dispatch-core/models"
)

// AuditRepository persists audit trail entries.
type AuditRepository interface {
	// Insert stores a single audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// Recent returns the most recent entries, newest first
	Recent(ctx context.Context, limit int) ([]*models.AuditLog, error)
}

// fanout writes every entry to all underlying repositories and reads
// from the first.
type fanout struct {
	repos []AuditRepository
}

// Fanout composes repositories so entries land in each of them. Recent
// is served by the first repository; inserts that fail in one sink do
// not stop the others, the first error is returned.
func Fanout(repos ...AuditRepository) AuditRepository {
	if len(repos) == 1 {
		return repos[0]
	}
	return &fanout{repos: repos}
}

func (f *fanout) Insert(ctx context.Context, log *models.AuditLog) error {
	var firstErr error
	for _, repo := range f.repos {
		if err := repo.Insert(ctx, log); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanout) Recent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	if len(f.repos) == 0 {
		return nil, nil
	}
	return f.repos[0].Recent(ctx, limit)
}
