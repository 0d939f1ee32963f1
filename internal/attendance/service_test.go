package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"liveclass/internal/session"
)

// memStore is an in-memory Store for deterministic service tests.
type memStore struct {
	records map[string]Record // key sessionID + "|" + participantID
	events  []Event
	issues  []Issue
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func key(sessionID, participantID string) string { return sessionID + "|" + participantID }

func (m *memStore) Get(_ context.Context, sessionID, participantID string) (Record, error) {
	rec, ok := m.records[key(sessionID, participantID)]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *memStore) CreateIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	k := key(rec.SessionID, rec.ParticipantID)
	if existing, ok := m.records[k]; ok {
		return existing, false, nil
	}
	m.records[k] = rec
	return rec, true, nil
}

func (m *memStore) Update(_ context.Context, rec Record) error {
	k := key(rec.SessionID, rec.ParticipantID)
	if _, ok := m.records[k]; !ok {
		return ErrRecordNotFound
	}
	m.records[k] = rec
	return nil
}

func (m *memStore) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	var res []Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (m *memStore) ListOpen(_ context.Context, sessionID string) ([]Record, error) {
	var res []Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID && rec.LeftAt == nil {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (m *memStore) AppendEvent(_ context.Context, ev Event) error {
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) AppendIssue(_ context.Context, is Issue) error {
	is.ID = int64(len(m.issues) + 1)
	m.issues = append(m.issues, is)
	return nil
}

func (m *memStore) eventsOfType(typ EventType) []Event {
	var res []Event
	for _, ev := range m.events {
		if ev.Type == typ {
			res = append(res, ev)
		}
	}
	return res
}

// memSessions is an in-memory SessionSource.
type memSessions struct {
	sessions map[string]session.Session
}

func (m *memSessions) Get(_ context.Context, id string) (session.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (m *memSessions) IncrementParticipants(_ context.Context, id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	s.TotalParticipants++
	m.sessions[id] = s
	return nil
}

// fixture builds a tracker over a live 10:00-11:00 session with an 80%
// threshold, plus a settable clock.
func fixture(t *testing.T) (*Service, *memStore, *memSessions, *time.Time) {
	t.Helper()
	start := ts(10, 0)
	sessions := &memSessions{sessions: map[string]session.Session{
		"sess-1": {
			ID:             "sess-1",
			Title:          "Algebra II",
			TutorID:        "tut-1",
			ScheduledStart: start,
			ScheduledEnd:   ts(11, 0),
			Status:         session.StatusLive,
			ActualStart:    &start,
			Settings:       session.Settings{AttendanceThreshold: 80, AllowLateJoin: true, EnablePolls: true},
		},
	}}
	store := newMemStore()
	now := ts(10, 0)
	svc := NewService(store, sessions, func() time.Time { return now })
	return svc, store, sessions, &now
}

func TestJoinCreatesSingleRecord(t *testing.T) {
	svc, store, sessions, _ := fixture(t)
	ctx := context.Background()

	rec, err := svc.Join(ctx, "sess-1", "stu-1", map[string]string{"device_id": "laptop"})
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected record id")
	}
	if sessions.sessions["sess-1"].TotalParticipants != 1 {
		t.Errorf("expected 1 participant, got %d", sessions.sessions["sess-1"].TotalParticipants)
	}

	// Duplicate join is a no-op beyond the timestamp refresh.
	rec2, err := svc.Join(ctx, "sess-1", "stu-1", nil)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if rec2.ID != rec.ID {
		t.Errorf("expected same record, got %s and %s", rec.ID, rec2.ID)
	}
	if len(store.records) != 1 {
		t.Errorf("expected 1 record, got %d", len(store.records))
	}
	if sessions.sessions["sess-1"].TotalParticipants != 1 {
		t.Errorf("participant counter must only count distinct joiners")
	}
	if got := len(store.eventsOfType(EventJoin)); got != 2 {
		t.Errorf("expected 2 join events, got %d", got)
	}
}

func TestJoinRejectsClosedSession(t *testing.T) {
	svc, _, sessions, _ := fixture(t)
	ctx := context.Background()

	for _, status := range []session.Status{session.StatusCompleted, session.StatusCancelled} {
		s := sessions.sessions["sess-1"]
		s.Status = status
		sessions.sessions["sess-1"] = s
		if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("status %s: expected ErrSessionClosed, got %v", status, err)
		}
	}
}

func TestJoinRejectsLateJoinWhenDisallowed(t *testing.T) {
	svc, _, sessions, now := fixture(t)
	ctx := context.Background()

	s := sessions.sessions["sess-1"]
	s.Settings.AllowLateJoin = false
	sessions.sessions["sess-1"] = s

	*now = ts(10, 5)
	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); !errors.Is(err, ErrLateJoinNotAllowed) {
		t.Fatalf("expected ErrLateJoinNotAllowed, got %v", err)
	}

	// On the dot is not late.
	*now = ts(10, 0)
	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join at scheduled start: %v", err)
	}
}

func TestLeaveComputesDurationAndStatus(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	*now = ts(10, 55)
	rec, err := svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if rec.TotalDurationMinutes != 55 {
		t.Errorf("duration: got %d, want 55", rec.TotalDurationMinutes)
	}
	if rec.AttendancePercentage < 91.6 || rec.AttendancePercentage > 91.7 {
		t.Errorf("percentage: got %.2f, want ~91.67", rec.AttendancePercentage)
	}
	if rec.Status != StatusPresent {
		t.Errorf("status: got %s, want present", rec.Status)
	}
	if !rec.Decision.MarkedPresent || rec.Decision.MarkedBy != MarkedBySystem {
		t.Errorf("decision: got %+v", rec.Decision)
	}
}

func TestLeaveBelowThreshold(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	*now = ts(10, 40)
	rec, err := svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if rec.TotalDurationMinutes != 40 {
		t.Errorf("duration: got %d, want 40", rec.TotalDurationMinutes)
	}
	if rec.Status != StatusLeftEarly {
		t.Errorf("status: got %s, want left_early", rec.Status)
	}
	if rec.Decision.MarkedPresent {
		t.Error("left_early must not be marked present")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	*now = ts(10, 30)
	first, err := svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}

	*now = ts(10, 45)
	second, err := svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("repeat leave: %v", err)
	}
	if second.TotalDurationMinutes != first.TotalDurationMinutes {
		t.Errorf("retry accrued time: %d then %d", first.TotalDurationMinutes, second.TotalDurationMinutes)
	}
}

func TestRejoinAccumulatesAcrossCycles(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	*now = ts(10, 20)
	if _, err := svc.Leave(ctx, "sess-1", "stu-1"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	*now = ts(10, 30)
	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	*now = ts(10, 50)
	rec, err := svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if rec.TotalDurationMinutes != 40 {
		t.Errorf("duration across cycles: got %d, want 40", rec.TotalDurationMinutes)
	}
}

func TestLeaveClampsClockSkew(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	*now = ts(10, 30)
	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Clock goes backwards: delta clamps to zero, flag raised, no error.
	*now = ts(10, 10)
	rec, err := svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("leave with skew: %v", err)
	}
	if rec.TotalDurationMinutes != 0 {
		t.Errorf("skew duration: got %d, want 0", rec.TotalDurationMinutes)
	}
	if !rec.Flags.SuspiciousActivity {
		t.Error("skew must raise the suspicious activity flag")
	}
	if rec.Status != StatusAbsent {
		t.Errorf("zero duration should classify absent, got %s", rec.Status)
	}
}

func TestFinalizeSessionClosesOpenRecords(t *testing.T) {
	svc, store, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join stu-1: %v", err)
	}
	if _, err := svc.Join(ctx, "sess-1", "stu-2", nil); err != nil {
		t.Fatalf("join stu-2: %v", err)
	}
	*now = ts(10, 30)
	if _, err := svc.Leave(ctx, "sess-1", "stu-2"); err != nil {
		t.Fatalf("leave stu-2: %v", err)
	}

	*now = ts(11, 0)
	n, err := svc.FinalizeSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record finalized, got %d", n)
	}

	rec, err := store.Get(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("get stu-1: %v", err)
	}
	if rec.LeftAt == nil {
		t.Fatal("implicit leave should set leftAt")
	}
	if rec.TotalDurationMinutes != 60 {
		t.Errorf("implicit leave duration: got %d, want 60", rec.TotalDurationMinutes)
	}
	if rec.Status != StatusPresent {
		t.Errorf("status: got %s, want present", rec.Status)
	}

	// Second finalize finds nothing open and changes nothing.
	implicitBefore := len(store.eventsOfType(EventLeave))
	n, err = svc.FinalizeSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if n != 0 {
		t.Errorf("second finalize touched %d records", n)
	}
	if got := len(store.eventsOfType(EventLeave)); got != implicitBefore {
		t.Errorf("second finalize appended leave events: %d -> %d", implicitBefore, got)
	}
	again, _ := store.Get(ctx, "sess-1", "stu-1")
	if again.TotalDurationMinutes != 60 {
		t.Errorf("second finalize changed duration to %d", again.TotalDurationMinutes)
	}
}

func TestOverrideIsSticky(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	*now = ts(10, 10)
	rec, err := svc.Override(ctx, "sess-1", "stu-1", true, "network outage on campus", "tut-1")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if !rec.Decision.MarkedPresent || rec.Decision.MarkedBy != MarkedByTutor {
		t.Fatalf("decision after override: %+v", rec.Decision)
	}
	if rec.Decision.OverriddenBy == nil || *rec.Decision.OverriddenBy != "tut-1" {
		t.Fatalf("missing overriddenBy: %+v", rec.Decision)
	}

	// Later automatic paths must not touch the decision.
	*now = ts(10, 12)
	rec, err = svc.Leave(ctx, "sess-1", "stu-1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if rec.Decision.MarkedBy != MarkedByTutor || !rec.Decision.MarkedPresent {
		t.Errorf("leave overwrote the override: %+v", rec.Decision)
	}

	*now = ts(11, 0)
	if _, err := svc.FinalizeSession(ctx, "sess-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	final, _ := svc.records.Get(ctx, "sess-1", "stu-1")
	if final.Decision.MarkedBy != MarkedByTutor || !final.Decision.MarkedPresent {
		t.Errorf("finalize overwrote the override: %+v", final.Decision)
	}
}

func TestOverrideRequiresReason(t *testing.T) {
	svc, _, _, _ := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.Override(ctx, "sess-1", "stu-1", true, "", "tut-1"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestRecordEventCounters(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := svc.RecordEvent(ctx, "sess-1", "stu-1", EventMessage, nil); err != nil {
		t.Fatalf("message: %v", err)
	}
	if _, err := svc.RecordEvent(ctx, "sess-1", "stu-1", EventHandRaise, nil); err != nil {
		t.Fatalf("hand raise: %v", err)
	}
	rec, err := svc.RecordEvent(ctx, "sess-1", "stu-1", EventPollResponse, nil)
	if err != nil {
		t.Fatalf("poll response: %v", err)
	}
	if rec.Metrics.MessagesSent != 1 || rec.Metrics.HandsRaised != 1 || rec.Metrics.PollsParticipated != 1 {
		t.Errorf("counters: %+v", rec.Metrics)
	}

	// Camera toggle folds minutes on the off event.
	if _, err := svc.RecordEvent(ctx, "sess-1", "stu-1", EventCameraOn, nil); err != nil {
		t.Fatalf("camera on: %v", err)
	}
	*now = ts(10, 12)
	rec, err = svc.RecordEvent(ctx, "sess-1", "stu-1", EventCameraOff, nil)
	if err != nil {
		t.Fatalf("camera off: %v", err)
	}
	if rec.Metrics.CameraOnMinutes != 12 {
		t.Errorf("camera minutes: got %d, want 12", rec.Metrics.CameraOnMinutes)
	}

	if _, err := svc.RecordEvent(ctx, "sess-1", "stu-1", "keyboard_smash", nil); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("unknown event type: got %v", err)
	}
}

func TestRecordEventRejectsLifecycleTypes(t *testing.T) {
	svc, store, _, _ := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	before := len(store.events)

	// Join and leave are written by the lifecycle paths only. Accepting them
	// here would let a participant forge presence churn into the event log.
	if _, err := svc.RecordEvent(ctx, "sess-1", "stu-1", EventJoin, nil); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("join via RecordEvent: got %v, want ErrInvalidEventType", err)
	}
	if _, err := svc.RecordEvent(ctx, "sess-1", "stu-1", EventLeave, nil); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("leave via RecordEvent: got %v, want ErrInvalidEventType", err)
	}
	if len(store.events) != before {
		t.Errorf("event log grew: got %d, want %d", len(store.events), before)
	}
}

func TestReportIssueValidatesType(t *testing.T) {
	svc, store, _, _ := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.ReportIssue(ctx, "sess-1", "stu-1", IssueConnectionLost, nil, false); err != nil {
		t.Fatalf("report issue: %v", err)
	}
	if len(store.issues) != 1 {
		t.Errorf("expected 1 issue, got %d", len(store.issues))
	}
	if _, err := svc.ReportIssue(ctx, "sess-1", "stu-1", "gremlins", nil, false); !errors.Is(err, ErrInvalidIssueType) {
		t.Errorf("unknown issue type: got %v", err)
	}
}

func TestSessionReportAggregates(t *testing.T) {
	svc, _, _, now := fixture(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, "sess-1", "stu-1", nil); err != nil {
		t.Fatalf("join stu-1: %v", err)
	}
	if _, err := svc.Join(ctx, "sess-1", "stu-2", nil); err != nil {
		t.Fatalf("join stu-2: %v", err)
	}
	*now = ts(10, 30)
	if _, err := svc.Leave(ctx, "sess-1", "stu-1"); err != nil {
		t.Fatalf("leave stu-1: %v", err)
	}
	*now = ts(11, 0)
	if _, err := svc.FinalizeSession(ctx, "sess-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rep, err := svc.SessionReport(ctx, "sess-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.TotalParticipants != 2 {
		t.Errorf("total participants: got %d", rep.TotalParticipants)
	}
	if rep.PresentCount != 1 {
		t.Errorf("present count: got %d, want 1 (only stu-2 hit the threshold)", rep.PresentCount)
	}
	if rep.AverageDuration != 45 {
		t.Errorf("average duration: got %.1f, want 45", rep.AverageDuration)
	}
}
