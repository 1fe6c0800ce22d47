package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu         sync.Mutex
	closed     bool
	byPhone    map[string]ChatBinding
	byChat     map[int64]string
	deliveries []DeliveryRecord
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{byPhone: map[string]ChatBinding{}, byChat: map[int64]string{}}
}

func (s *memoryStore) FindBinding(ctx context.Context, phone string) (ChatBinding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ChatBinding{}, false, ErrClosed
	}
	b, ok := s.byPhone[phone]
	return b, ok, nil
}

func (s *memoryStore) FindBindingByChat(ctx context.Context, chatID int64) (ChatBinding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ChatBinding{}, false, ErrClosed
	}
	phone, ok := s.byChat[chatID]
	if !ok {
		return ChatBinding{}, false, nil
	}
	return s.byPhone[phone], true, nil
}

func (s *memoryStore) CreateBindingIfAbsent(ctx context.Context, b ChatBinding) (ChatBinding, bool, error) {
	if err := validBinding(b); err != nil {
		return ChatBinding{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ChatBinding{}, false, ErrClosed
	}
	if cur, ok := s.byPhone[b.Phone]; ok {
		return cur, false, nil
	}
	if b.RegisteredAt.IsZero() {
		b.RegisteredAt = time.Now().UTC()
	}
	s.byPhone[b.Phone] = b
	s.byChat[b.ChatID] = b.Phone
	return b, true, nil
}

func (s *memoryStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	s.deliveries = append(s.deliveries, r)
	return nil
}

func (s *memoryStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	kept := s.deliveries[:0]
	for _, r := range s.deliveries {
		if !r.At.Before(before) {
			kept = append(kept, r)
		}
	}
	n := int64(len(s.deliveries) - len(kept))
	s.deliveries = kept
	return n, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
