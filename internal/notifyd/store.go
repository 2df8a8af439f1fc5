package notifyd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/paras0369/callcore/internal/notify"
)

var ErrNotFound = errors.New("notification not found")

// Store persists pending incoming-call notifications.
type Store interface {
	Insert(ctx context.Context, n notify.Notification) error
	PendingFor(ctx context.Context, calleeID string, notBefore time.Time) ([]notify.Notification, error)
	Delete(ctx context.Context, notificationID string) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// MemoryStore keeps notifications in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]notify.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]notify.Notification)}
}

func (s *MemoryStore) Insert(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[n.NotificationID] = n
	return nil
}

func (s *MemoryStore) PendingFor(_ context.Context, calleeID string, notBefore time.Time) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.items {
		if n.CalleeID != calleeID {
			continue
		}
		if n.CreatedAt.Before(notBefore) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[notificationID]; !ok {
		return ErrNotFound
	}
	delete(s.items, notificationID)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, n := range s.items {
		if n.CreatedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
