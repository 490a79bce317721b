// Package user implements the actor registry. Actors are registered
// the first time they touch the platform and their display name is
// refreshed on every interaction, so trade records always resolve to
// a current profile.
package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("user: not found")
	ErrInvalidID = errors.New("user: invalid actor id")
)

// User is a registered actor.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Admin       bool      `json:"admin"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Store persists users.
type Store interface {
	// Upsert inserts the user or, if it exists, refreshes display
	// name and last-seen.
	Upsert(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	List(ctx context.Context, limit int) ([]*User, error)
	Count(ctx context.Context) (int, error)
}

// Service implements registry business logic.
type Service struct {
	store   Store
	isAdmin func(id string) bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a user registry service.
func NewService(store Store) *Service {
	return &Service{
		store:   store,
		isAdmin: func(string) bool { return false },
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithAdminSet injects the admin-capability predicate.
func (s *Service) WithAdminSet(isAdmin func(id string) bool) *Service {
	if isAdmin != nil {
		s.isAdmin = isAdmin
	}
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// Touch registers the actor on first sight and refreshes the profile
// on every later one. A blank display name keeps the stored one.
func (s *Service) Touch(ctx context.Context, id, displayName string) (*User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidID
	}

	now := s.now()
	existing, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u := &User{
		ID:          id,
		DisplayName: strings.TrimSpace(displayName),
		Admin:       s.isAdmin(id),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if existing != nil {
		u.CreatedAt = existing.CreatedAt
		if u.DisplayName == "" {
			u.DisplayName = existing.DisplayName
		}
	} else {
		s.logger.Info("registered new actor", "actor_id", id)
	}

	if err := s.store.Upsert(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns a registered user.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// List returns registered users, most recently seen first.
func (s *Service) List(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}

// Count returns the number of registered users.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}
