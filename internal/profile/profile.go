// Package profile stores marketplace user profiles. The ledger consults it
// for a caller's role on every privileged operation.
package profile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agrobid/auction-ledger/internal/model"
)

// ErrNotFound is returned when a user has no profile.
var ErrNotFound = errors.New("profile: not found")

// Store is the profile persistence interface.
type Store interface {
	// Get returns the profile for userID.
	Get(ctx context.Context, userID string) (*model.Profile, error)

	// Upsert creates or updates p. CreatedAt and Verified are kept from an
	// existing profile; UpdatedAt is taken from p.
	Upsert(ctx context.Context, p *model.Profile) (*model.Profile, error)

	// List returns every profile, oldest first.
	List(ctx context.Context) ([]model.Profile, error)

	// Counts returns profile totals by role.
	Counts(ctx context.Context) (model.UserCounts, error)

	// Names maps each known user in ids to its display name. Unknown IDs
	// are left out.
	Names(ctx context.Context, ids []string) (map[string]string, error)
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*model.Profile
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*model.Profile)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*model.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *p
	if cur, ok := s.profiles[p.UserID]; ok {
		next.CreatedAt = cur.CreatedAt
		next.Verified = cur.Verified
	} else {
		next.CreatedAt = p.UpdatedAt
	}
	s.profiles[p.UserID] = &next
	cp := next
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) Counts(ctx context.Context) (model.UserCounts, error) {
	if err := ctx.Err(); err != nil {
		return model.UserCounts{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c model.UserCounts
	for _, p := range s.profiles {
		c.Add(p.Role, 1)
	}
	return c, nil
}

func (s *MemoryStore) Names(ctx context.Context, ids []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out[id] = p.Name
		}
	}
	return out, nil
}
