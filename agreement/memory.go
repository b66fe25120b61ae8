package agreement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps agreements in process memory. It backs the development
// driver and the engine tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Agreement
	byCode map[string]string
	opts   storeOptions
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Agreement),
		byCode: make(map[string]string),
		opts:   applyOptions(opts),
	}
}

func (s *MemoryStore) Create(_ context.Context, a Agreement) (string, error) {
	if err := Validate(a); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[a.ID]; ok {
		return "", fmt.Errorf("%w: id %s", ErrDuplicate, a.ID)
	}
	code := strings.ToUpper(a.Code)
	if _, ok := s.byCode[code]; ok {
		return "", fmt.Errorf("%w: code %s", ErrDuplicate, a.Code)
	}

	rec := a.Clone()
	rec.Version = 1
	s.byID[rec.ID] = rec
	s.byCode[code] = rec.ID
	return rec.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByCode(ctx context.Context, code string) (Agreement, error) {
	s.mu.RLock()
	id, ok := s.byCode[strings.ToUpper(code)]
	s.mu.RUnlock()
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutation) (Agreement, error) {
	return updateWithRetry(ctx, s.opts.maxAttempts, id, s.Get, s.swap, mutate)
}

func (s *MemoryStore) swap(_ context.Context, prev, next Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[prev.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != prev.Version {
		return errStaleVersion
	}
	s.byID[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) ListByParticipant(_ context.Context, identityID string, filter ListFilter) ([]Agreement, int, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	matched := make([]Agreement, 0, 8)
	for _, rec := range s.byID {
		if _, ok := rec.Participant(identityID); !ok {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.ItemType != "" && rec.Subject.ItemType != filter.ItemType {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Dates.Created.Equal(matched[j].Dates.Created) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Dates.Created.After(matched[j].Dates.Created)
	})

	total := len(matched)
	start := filter.offset()
	if start >= total {
		return []Agreement{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Agreement, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	out := make([]Agreement, 0, 8)
	for _, rec := range s.byID {
		if !rec.Status.Signable() || !rec.PastDeadline(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Dates.ExpiresAt.Before(*out[j].Dates.ExpiresAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
