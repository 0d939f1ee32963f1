package poll

import (
	"context"
	"log"
	"time"

	"liveclass/internal/attendance"
	"liveclass/internal/session"
)

// Store is the persistence surface the poll service needs.
type Store interface {
	Insert(ctx context.Context, p Poll) (Poll, error)
	GetByIndex(ctx context.Context, sessionID string, index int) (Poll, error)
	List(ctx context.Context, sessionID string) ([]Poll, error)
	// InsertResponse appends a response; ErrDuplicateResponse when the
	// participant already answered. The check and append are atomic.
	InsertResponse(ctx context.Context, resp Response) error
	SetActive(ctx context.Context, pollID string, active bool) error
}

// SessionSource supplies the class session collaborator.
type SessionSource interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// Tracker is the slice of the attendance service polls delegate to.
type Tracker interface {
	RecordEvent(ctx context.Context, sessionID, participantID string, typ attendance.EventType, metadata map[string]string) (attendance.Record, error)
}

// Service manages in-session polls.
type Service struct {
	store    Store
	sessions SessionSource
	tracker  Tracker
	now      func() time.Time
}

// NewService creates a poll service. now may be nil for wall clock.
func NewService(store Store, sessions SessionSource, tracker Tracker, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, sessions: sessions, tracker: tracker, now: now}
}

// Create validates and opens a new poll. The tutor-only check happens at the
// policy layer; this enforces shape and the session's poll setting.
func (s *Service) Create(ctx context.Context, sessionID, question string, options []string) (Poll, error) {
	if err := Validate(question, options); err != nil {
		return Poll{}, err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Poll{}, err
	}
	if !sess.Settings.EnablePolls {
		return Poll{}, ErrPollsDisabled
	}
	return s.store.Insert(ctx, Poll{
		SessionID: sessionID,
		Question:  question,
		Options:   options,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	})
}

// Respond records a participant's answer, enforcing one response per
// participant, and bumps their polls-participated counter.
func (s *Service) Respond(ctx context.Context, sessionID string, index int, participantID string, answer int) (Poll, error) {
	p, err := s.store.GetByIndex(ctx, sessionID, index)
	if err != nil {
		return Poll{}, err
	}
	if !p.IsActive {
		return Poll{}, ErrPollClosed
	}
	if answer < 0 || answer >= len(p.Options) {
		return Poll{}, ErrInvalidAnswer
	}
	resp := Response{
		PollID:        p.ID,
		ParticipantID: participantID,
		Answer:        answer,
		At:            s.now().UTC(),
	}
	if err := s.store.InsertResponse(ctx, resp); err != nil {
		return Poll{}, err
	}
	p.Responses = append(p.Responses, resp)
	// The response is durably accepted at this point. The counter bump is
	// derived bookkeeping: failing it must not reject the answer, or a retry
	// would be stuck behind the duplicate-response check forever.
	if _, err := s.tracker.RecordEvent(ctx, sessionID, participantID, attendance.EventPollResponse,
		map[string]string{"poll_id": p.ID}); err != nil {
		log.Printf("poll counter bump for %s on poll %s failed: %v", participantID, p.ID, err)
	}
	return p, nil
}

// Close deactivates a poll; further responses are rejected.
func (s *Service) Close(ctx context.Context, sessionID string, index int) (Poll, error) {
	p, err := s.store.GetByIndex(ctx, sessionID, index)
	if err != nil {
		return Poll{}, err
	}
	if p.IsActive {
		if err := s.store.SetActive(ctx, p.ID, false); err != nil {
			return Poll{}, err
		}
		p.IsActive = false
	}
	return p, nil
}

// List returns a session's polls in creation order.
func (s *Service) List(ctx context.Context, sessionID string) ([]Poll, error) {
	return s.store.List(ctx, sessionID)
}
