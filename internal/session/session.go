package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a class session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Settings holds per-session policy knobs set by the tutor.
type Settings struct {
	AttendanceThreshold float64 `json:"attendance_threshold"`
	AllowLateJoin       bool    `json:"allow_late_join"`
	EnablePolls         bool    `json:"enable_polls"`
}

// Session is one scheduled class instance.
type Session struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	TutorID           string     `json:"tutor_id"`
	ScheduledStart    time.Time  `json:"scheduled_start"`
	ScheduledEnd      time.Time  `json:"scheduled_end"`
	ActualStart       *time.Time `json:"actual_start,omitempty"`
	ActualEnd         *time.Time `json:"actual_end,omitempty"`
	Status            Status     `json:"status"`
	Settings          Settings   `json:"settings"`
	TotalParticipants int        `json:"total_participants"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Open reports whether the session still accepts joins.
func (s Session) Open() bool {
	return s.Status == StatusScheduled || s.Status == StatusLive
}

var (
	ErrNotFound      = errors.New("session not found")
	ErrBadTransition = errors.New("invalid session status transition")
	ErrValidation    = errors.New("invalid session")
)

// transitions lists the legal status changes.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusLive, StatusCancelled},
	StatusLive:      {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyTransition mutates s for the move to the new status, stamping the
// actual start and end so that ActualStart is set exactly when the session
// has been live and ActualEnd exactly when it completed.
func ApplyTransition(s *Session, to Status, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return ErrBadTransition
	}
	switch to {
	case StatusLive:
		t := now
		s.ActualStart = &t
	case StatusCompleted:
		t := now
		s.ActualEnd = &t
	}
	s.Status = to
	return nil
}

// Validate checks a session before it is persisted.
func Validate(s Session) error {
	if s.Title == "" || s.TutorID == "" {
		return ErrValidation
	}
	if !s.ScheduledEnd.After(s.ScheduledStart) {
		return ErrValidation
	}
	if s.Settings.AttendanceThreshold < 0 || s.Settings.AttendanceThreshold > 100 {
		return ErrValidation
	}
	return nil
}
