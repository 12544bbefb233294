package memory

import (
	"context"
	"sync"

	"github.com/upb/dispatch-core/models"
	"github.com/upb/dispatch-core/repositories"
)

const defaultRingSize = 10000

// AuditRepository keeps the most recent audit entries in a fixed-size
// ring. Oldest entries are overwritten once the ring is full.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*models.AuditLog
	next    int
	full    bool
}

// NewAuditRepository creates a ring holding up to size entries.
func NewAuditRepository(size int) repositories.AuditRepository {
	if size <= 0 {
		size = defaultRingSize
	}
	return &AuditRepository{
		entries: make([]*models.AuditLog, size),
	}
}

// Insert stores a single audit log entry
func (r *AuditRepository) Insert(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = log
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	return nil
}

// Recent returns the most recent entries, newest first
func (r *AuditRepository) Recent(_ context.Context, limit int) ([]*models.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]*models.AuditLog, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out, nil
}
