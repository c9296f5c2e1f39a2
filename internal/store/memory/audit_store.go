package memory

import (
	"context"
	"sync"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	clocked
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(detail))
	for k, v := range detail {
		cp[k] = v
	}
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    cp,
		CreatedAt: s.now(),
	})
	return nil
}

// List returns entries newest first, filtered by opts.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	return paginate(out, opts), nil
}

// Events returns the event names in insertion order.
func (s *AuditStore) Events() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}

var _ domain.AuditStore = (*AuditStore)(nil)
