package session

import (
	"context"
	"time"
)

// Store is the persistence surface the service needs.
type Store interface {
	Insert(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	UpdateStatus(ctx context.Context, s Session) error
	IncrementParticipants(ctx context.Context, id string) error
	ListByTutor(ctx context.Context, tutorID string, limit int) ([]Session, error)
}

// Service coordinates session lifecycle.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a service backed by a store. now may be nil for wall clock.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Create validates and persists a new scheduled session.
func (s *Service) Create(ctx context.Context, sess Session) (Session, error) {
	sess.Status = StatusScheduled
	if err := Validate(sess); err != nil {
		return Session{}, err
	}
	return s.store.Insert(ctx, sess)
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.store.Get(ctx, id)
}

// ListByTutor returns a tutor's sessions.
func (s *Service) ListByTutor(ctx context.Context, tutorID string, limit int) ([]Session, error) {
	return s.store.ListByTutor(ctx, tutorID, limit)
}

// ChangeStatus applies a status transition. The second return value tells the
// caller whether attendance finalization must run (the session just completed).
func (s *Service) ChangeStatus(ctx context.Context, id string, to Status) (Session, bool, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	if err := ApplyTransition(&sess, to, s.now().UTC()); err != nil {
		return Session{}, false, err
	}
	if err := s.store.UpdateStatus(ctx, sess); err != nil {
		return Session{}, false, err
	}
	return sess, to == StatusCompleted, nil
}
