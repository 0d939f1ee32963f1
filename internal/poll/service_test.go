package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"liveclass/internal/attendance"
	"liveclass/internal/session"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	polls     []Poll
	responses map[string]map[string]Response // pollID -> participantID
}

func newMemStore() *memStore {
	return &memStore{responses: make(map[string]map[string]Response)}
}

func (m *memStore) Insert(_ context.Context, p Poll) (Poll, error) {
	p.Index = len(m.polls)
	if p.ID == "" {
		p.ID = "poll-" + string(rune('a'+p.Index))
	}
	m.polls = append(m.polls, p)
	return p, nil
}

func (m *memStore) GetByIndex(_ context.Context, sessionID string, index int) (Poll, error) {
	for _, p := range m.polls {
		if p.SessionID == sessionID && p.Index == index {
			for _, resp := range m.responses[p.ID] {
				p.Responses = append(p.Responses, resp)
			}
			return p, nil
		}
	}
	return Poll{}, ErrPollNotFound
}

func (m *memStore) List(_ context.Context, sessionID string) ([]Poll, error) {
	var res []Poll
	for _, p := range m.polls {
		if p.SessionID == sessionID {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m *memStore) InsertResponse(_ context.Context, resp Response) error {
	byParticipant, ok := m.responses[resp.PollID]
	if !ok {
		byParticipant = make(map[string]Response)
		m.responses[resp.PollID] = byParticipant
	}
	if _, exists := byParticipant[resp.ParticipantID]; exists {
		return ErrDuplicateResponse
	}
	byParticipant[resp.ParticipantID] = resp
	return nil
}

func (m *memStore) SetActive(_ context.Context, pollID string, active bool) error {
	for i := range m.polls {
		if m.polls[i].ID == pollID {
			m.polls[i].IsActive = active
			return nil
		}
	}
	return ErrPollNotFound
}

type memSessions struct {
	sess session.Session
}

func (m *memSessions) Get(_ context.Context, id string) (session.Session, error) {
	if id != m.sess.ID {
		return session.Session{}, session.ErrNotFound
	}
	return m.sess, nil
}

// memTracker records delegated interaction events.
type memTracker struct {
	events []attendance.EventType
	err    error
}

func (m *memTracker) RecordEvent(_ context.Context, _, _ string, typ attendance.EventType, _ map[string]string) (attendance.Record, error) {
	if m.err != nil {
		return attendance.Record{}, m.err
	}
	m.events = append(m.events, typ)
	return attendance.Record{}, nil
}

func fixture(t *testing.T) (*Service, *memStore, *memSessions, *memTracker) {
	t.Helper()
	sessions := &memSessions{sess: session.Session{
		ID:             "sess-1",
		TutorID:        "tut-1",
		Status:         session.StatusLive,
		ScheduledStart: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC),
		Settings:       session.Settings{AttendanceThreshold: 80, AllowLateJoin: true, EnablePolls: true},
	}}
	store := newMemStore()
	tracker := &memTracker{}
	svc := NewService(store, sessions, tracker, func() time.Time {
		return time.Date(2025, 3, 10, 10, 15, 0, 0, time.UTC)
	})
	return svc, store, sessions, tracker
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := fixture(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "sess-1", "", []string{"A", "B"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty question: got %v", err)
	}
	if _, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A"}); !errors.Is(err, ErrValidation) {
		t.Errorf("one option: got %v", err)
	}
	if _, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A", "B", "C", "D", "E", "F", "G"}); !errors.Is(err, ErrValidation) {
		t.Errorf("seven options: got %v", err)
	}
	p, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A", "B"})
	if err != nil {
		t.Fatalf("valid poll: %v", err)
	}
	if !p.IsActive || p.Index != 0 {
		t.Errorf("new poll: %+v", p)
	}
}

func TestCreateRejectsWhenPollsDisabled(t *testing.T) {
	svc, _, sessions, _ := fixture(t)
	sessions.sess.Settings.EnablePolls = false

	if _, err := svc.Create(context.Background(), "sess-1", "Pick one", []string{"A", "B"}); !errors.Is(err, ErrPollsDisabled) {
		t.Fatalf("expected ErrPollsDisabled, got %v", err)
	}
}

func TestRespond(t *testing.T) {
	svc, _, _, tracker := fixture(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A", "B"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	p, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 1)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(p.Responses) != 1 {
		t.Errorf("responses: got %d", len(p.Responses))
	}
	if len(tracker.events) != 1 || tracker.events[0] != attendance.EventPollResponse {
		t.Errorf("delegated events: %v", tracker.events)
	}
}

func TestRespondErrors(t *testing.T) {
	svc, store, _, tracker := fixture(t)
	ctx := context.Background()

	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 0); !errors.Is(err, ErrPollNotFound) {
		t.Errorf("missing poll: got %v", err)
	}

	if _, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A", "B"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Answer index out of range for a two-option poll.
	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 2); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("answer 2 of [A B]: got %v", err)
	}
	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", -1); !errors.Is(err, ErrInvalidAnswer) {
		t.Errorf("negative answer: got %v", err)
	}

	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 0); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 1); !errors.Is(err, ErrDuplicateResponse) {
		t.Errorf("second response: got %v", err)
	}
	if len(store.responses["poll-a"]) != 1 {
		t.Errorf("duplicate mutated responses: %d", len(store.responses["poll-a"]))
	}
	if len(tracker.events) != 1 {
		t.Errorf("duplicate delegated a counter bump: %v", tracker.events)
	}
}

func TestRespondSurvivesCounterFailure(t *testing.T) {
	svc, store, _, tracker := fixture(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A", "B"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The participant never joined, so the counter delegation fails. The
	// accepted response must still stand rather than stranding the caller
	// behind the duplicate check on retry.
	tracker.err = attendance.ErrRecordNotFound
	p, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 0)
	if err != nil {
		t.Fatalf("respond with failing counter: %v", err)
	}
	if len(p.Responses) != 1 {
		t.Errorf("responses: got %d, want 1", len(p.Responses))
	}
	if len(store.responses["poll-a"]) != 1 {
		t.Errorf("stored responses: got %d, want 1", len(store.responses["poll-a"]))
	}
	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 1); !errors.Is(err, ErrDuplicateResponse) {
		t.Errorf("retry after accepted response: got %v, want ErrDuplicateResponse", err)
	}
}

func TestRespondAfterClose(t *testing.T) {
	svc, _, _, _ := fixture(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "sess-1", "Pick one", []string{"A", "B"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := svc.Close(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.IsActive {
		t.Fatal("poll should be inactive after close")
	}
	if _, err := svc.Respond(ctx, "sess-1", 0, "stu-1", 0); !errors.Is(err, ErrPollClosed) {
		t.Fatalf("respond after close: got %v", err)
	}

	// Closing again is a no-op.
	if _, err := svc.Close(ctx, "sess-1", 0); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
