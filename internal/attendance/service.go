package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"liveclass/internal/session"
)

// Store is the persistence surface the tracker needs. The Postgres
// implementation lives in repo.go; tests use an in-memory fake.
type Store interface {
	// Get returns the record for a (session, participant) pair or
	// ErrRecordNotFound.
	Get(ctx context.Context, sessionID, participantID string) (Record, error)
	// CreateIfAbsent inserts rec unless a record for the pair already exists.
	// It returns the stored record and whether this call created it, so
	// concurrent first-joins collapse to a single row.
	CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	Update(ctx context.Context, rec Record) error
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	// ListOpen returns records still lacking a leave timestamp.
	ListOpen(ctx context.Context, sessionID string) ([]Record, error)
	AppendEvent(ctx context.Context, ev Event) error
	AppendIssue(ctx context.Context, is Issue) error
}

// SessionSource supplies the class session collaborator.
type SessionSource interface {
	Get(ctx context.Context, id string) (session.Session, error)
	IncrementParticipants(ctx context.Context, id string) error
}

// Service owns the attendance record lifecycle for live-class sessions.
type Service struct {
	records  Store
	sessions SessionSource
	now      func() time.Time
}

// NewService creates a tracker. now may be nil for wall clock.
func NewService(records Store, sessions SessionSource, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{records: records, sessions: sessions, now: now}
}

// Join records a participant entering a session, creating the attendance
// record on first join. Rejoining refreshes JoinedAt and clears LeftAt;
// accrued duration only ever grows on leave or finalize.
func (s *Service) Join(ctx context.Context, sessionID, participantID string, device map[string]string) (Record, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if !sess.Open() {
		return Record{}, ErrSessionClosed
	}
	now := s.now().UTC()
	if now.After(sess.ScheduledStart) && !sess.Settings.AllowLateJoin {
		return Record{}, ErrLateJoinNotAllowed
	}

	rec, err := s.records.Get(ctx, sessionID, participantID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = Record{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			ParticipantID: participantID,
			JoinedAt:      now,
			Status:        initialStatus(sess, now),
			DeviceInfo:    device,
		}
		stored, created, err := s.records.CreateIfAbsent(ctx, rec)
		if err != nil {
			return Record{}, err
		}
		rec = stored
		if created {
			if err := s.sessions.IncrementParticipants(ctx, sessionID); err != nil {
				log.Printf("increment participants for session %s failed: %v", sessionID, err)
			}
		}
	case err != nil:
		return Record{}, err
	default:
		rec.JoinedAt = now
		rec.LeftAt = nil
		if len(device) > 0 {
			rec.DeviceInfo = device
		}
		if err := s.records.Update(ctx, rec); err != nil {
			return Record{}, err
		}
	}

	if err := s.records.AppendEvent(ctx, Event{RecordID: rec.ID, Type: EventJoin, At: now, Metadata: device}); err != nil {
		log.Printf("append join event for record %s failed: %v", rec.ID, err)
	}
	return rec, nil
}

// Leave records a participant exiting, accrues duration, recomputes the
// percentage, and applies the threshold policy unless a tutor override holds.
func (s *Service) Leave(ctx context.Context, sessionID, participantID string) (Record, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	rec, err := s.records.Get(ctx, sessionID, participantID)
	if err != nil {
		return Record{}, err
	}
	if rec.LeftAt != nil {
		// Retry of an already processed leave; nothing more to accrue.
		return rec, nil
	}
	now := s.now().UTC()
	s.closeRecord(&rec, sess, now)
	if err := s.records.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	if err := s.records.AppendEvent(ctx, Event{RecordID: rec.ID, Type: EventLeave, At: now}); err != nil {
		log.Printf("append leave event for record %s failed: %v", rec.ID, err)
	}
	return rec, nil
}

// closeRecord folds the current presence segment into the record and applies
// the threshold policy. Shared by Leave and FinalizeSession.
func (s *Service) closeRecord(rec *Record, sess session.Session, now time.Time) {
	delta, skew := DurationMinutes(rec.JoinedAt, now)
	if skew {
		log.Printf("clock skew on record %s: leave %s before join %s, clamping to 0",
			rec.ID, now.Format(time.RFC3339), rec.JoinedAt.Format(time.RFC3339))
		rec.Flags.SuspiciousActivity = true
	}
	rec.TotalDurationMinutes += delta
	t := now
	rec.LeftAt = &t
	foldToggles(rec, now)
	rec.AttendancePercentage = Percentage(rec.TotalDurationMinutes, WindowMinutes(sess))
	s.applyPolicy(rec, sess, now)
}

// applyPolicy sets status and decision from the threshold policy. A tutor
// override is permanent and wins over any recomputation.
func (s *Service) applyPolicy(rec *Record, sess session.Session, now time.Time) {
	if rec.Decision.Overridden() {
		return
	}
	rec.Status = Classify(rec.AttendancePercentage, sess.Settings.AttendanceThreshold)
	t := now
	rec.Decision = Decision{
		MarkedPresent: rec.Status == StatusPresent,
		MarkedBy:      MarkedBySystem,
		MarkedAt:      &t,
	}
}

// RecordEvent appends an interaction event and bumps its counter.
func (s *Service) RecordEvent(ctx context.Context, sessionID, participantID string, typ EventType, metadata map[string]string) (Record, error) {
	if !validEvents[typ] {
		return Record{}, ErrInvalidEventType
	}
	rec, err := s.records.Get(ctx, sessionID, participantID)
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	applyCounter(&rec, typ, now)
	if err := s.records.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	if err := s.records.AppendEvent(ctx, Event{RecordID: rec.ID, Type: typ, At: now, Metadata: metadata}); err != nil {
		log.Printf("append %s event for record %s failed: %v", typ, rec.ID, err)
	}
	return rec, nil
}

// applyCounter maps one event type onto one participation counter. Camera,
// mic, and screen share are toggles: the on event opens an interval, the off
// event folds its minutes into the counter.
func applyCounter(rec *Record, typ EventType, now time.Time) {
	switch typ {
	case EventMessage:
		rec.Metrics.MessagesSent++
	case EventPollResponse:
		rec.Metrics.PollsParticipated++
	case EventHandRaise:
		rec.Metrics.HandsRaised++
	case EventWhiteboard:
		rec.Metrics.WhiteboardInteractions++
	case EventCameraOn:
		t := now
		rec.CameraOnSince = &t
	case EventCameraOff:
		rec.Metrics.CameraOnMinutes += closeInterval(&rec.CameraOnSince, now)
	case EventMicOn:
		t := now
		rec.MicOnSince = &t
	case EventMicOff:
		rec.Metrics.MicOnMinutes += closeInterval(&rec.MicOnSince, now)
	case EventScreenShareStart:
		t := now
		rec.ScreenOnSince = &t
	case EventScreenShareStop:
		rec.Metrics.ActiveScreenMinutes += closeInterval(&rec.ScreenOnSince, now)
	}
}

// foldToggles closes any open camera/mic/screen intervals at leave time.
func foldToggles(rec *Record, now time.Time) {
	rec.Metrics.CameraOnMinutes += closeInterval(&rec.CameraOnSince, now)
	rec.Metrics.MicOnMinutes += closeInterval(&rec.MicOnSince, now)
	rec.Metrics.ActiveScreenMinutes += closeInterval(&rec.ScreenOnSince, now)
}

func closeInterval(since **time.Time, now time.Time) int {
	if *since == nil {
		return 0
	}
	minutes, _ := DurationMinutes(**since, now)
	*since = nil
	return minutes
}

// ReportIssue appends a technical issue to the record's issue log.
func (s *Service) ReportIssue(ctx context.Context, sessionID, participantID string, typ IssueType, durationSeconds *int, resolved bool) (Record, error) {
	if !validIssues[typ] {
		return Record{}, ErrInvalidIssueType
	}
	rec, err := s.records.Get(ctx, sessionID, participantID)
	if err != nil {
		return Record{}, err
	}
	is := Issue{
		RecordID:        rec.ID,
		Type:            typ,
		At:              s.now().UTC(),
		DurationSeconds: durationSeconds,
		Resolved:        resolved,
	}
	if err := s.records.AppendIssue(ctx, is); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// FinalizeSession treats now as an implicit leave for every record still
// open, so no record is left joined after the session ends. Calling it again
// finds no open records and changes nothing.
func (s *Service) FinalizeSession(ctx context.Context, sessionID string) (int, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	open, err := s.records.ListOpen(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	finalized := 0
	for i := range open {
		rec := open[i]
		s.closeRecord(&rec, sess, now)
		if err := s.records.Update(ctx, rec); err != nil {
			log.Printf("finalize record %s failed: %v", rec.ID, err)
			continue
		}
		if err := s.records.AppendEvent(ctx, Event{
			RecordID: rec.ID, Type: EventLeave, At: now,
			Metadata: map[string]string{"implicit": "true"},
		}); err != nil {
			log.Printf("append implicit leave for record %s failed: %v", rec.ID, err)
		}
		finalized++
	}
	return finalized, nil
}

// Override lets a tutor fix the presence decision. The override is recorded
// with who and why, and no automatic recomputation may change it afterwards.
func (s *Service) Override(ctx context.Context, sessionID, participantID string, markedPresent bool, reason, tutorID string) (Record, error) {
	if reason == "" {
		return Record{}, ErrReasonRequired
	}
	rec, err := s.records.Get(ctx, sessionID, participantID)
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec.Decision = Decision{
		MarkedPresent:  markedPresent,
		MarkedBy:       MarkedByTutor,
		MarkedAt:       &now,
		OverriddenBy:   &tutorID,
		OverrideReason: &reason,
	}
	if markedPresent {
		rec.Status = StatusPresent
	} else {
		rec.Status = StatusAbsent
	}
	if err := s.records.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Report aggregates a session's attendance for the tutor view.
type Report struct {
	Records           []Record `json:"records"`
	TotalParticipants int      `json:"total_participants"`
	PresentCount      int      `json:"present_count"`
	AverageAttendance float64  `json:"average_attendance"`
	AverageDuration   float64  `json:"average_duration"`
}

// SessionReport returns all records plus aggregate stats.
func (s *Service) SessionReport(ctx context.Context, sessionID string) (Report, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	records, err := s.records.ListBySession(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Records: records, TotalParticipants: sess.TotalParticipants}
	if len(records) == 0 {
		return rep, nil
	}
	var pctSum, durSum float64
	for _, rec := range records {
		if rec.Decision.MarkedPresent {
			rep.PresentCount++
		}
		pctSum += rec.AttendancePercentage
		durSum += float64(rec.TotalDurationMinutes)
	}
	rep.AverageAttendance = pctSum / float64(len(records))
	rep.AverageDuration = durSum / float64(len(records))
	return rep, nil
}

// initialStatus gives a provisional status at join time; the threshold policy
// replaces it once duration is known.
func initialStatus(sess session.Session, now time.Time) Status {
	if now.After(sess.ScheduledStart) {
		return StatusLate
	}
	return StatusPresent
}
