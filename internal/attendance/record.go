package attendance

import (
	"errors"
	"time"
)

// Status classifies a participant's attendance within one session.
type Status string

const (
	StatusPresent   Status = "present"
	StatusAbsent    Status = "absent"
	StatusLate      Status = "late"
	StatusLeftEarly Status = "left_early"
)

// EventType names an entry in a record's session event log.
type EventType string

const (
	EventJoin             EventType = "join"
	EventLeave            EventType = "leave"
	EventCameraOn         EventType = "camera_on"
	EventCameraOff        EventType = "camera_off"
	EventMicOn            EventType = "mic_on"
	EventMicOff           EventType = "mic_off"
	EventMessage          EventType = "message"
	EventPollResponse     EventType = "poll_response"
	EventHandRaise        EventType = "hand_raise"
	EventScreenShareStart EventType = "screen_share_start"
	EventScreenShareStop  EventType = "screen_share_stop"
	EventWhiteboard       EventType = "whiteboard"
)

// validEvents is the closed set accepted by RecordEvent. Join and leave
// events are appended only by the lifecycle paths, never by callers.
var validEvents = map[EventType]bool{
	EventCameraOn: true, EventCameraOff: true,
	EventMicOn: true, EventMicOff: true,
	EventMessage: true, EventPollResponse: true, EventHandRaise: true,
	EventScreenShareStart: true, EventScreenShareStop: true,
	EventWhiteboard: true,
}

// Event is one entry in the append-only session event log.
type Event struct {
	ID       int64             `json:"id"`
	RecordID string            `json:"record_id"`
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IssueType names a technical issue reported during a session.
type IssueType string

const (
	IssueCameraOff       IssueType = "camera_off"
	IssueMicOff          IssueType = "mic_off"
	IssueConnectionLost  IssueType = "connection_lost"
	IssueLeftTemporarily IssueType = "left_temporarily"
)

var validIssues = map[IssueType]bool{
	IssueCameraOff: true, IssueMicOff: true,
	IssueConnectionLost: true, IssueLeftTemporarily: true,
}

// Issue is one entry in the technical issue log.
type Issue struct {
	ID              int64     `json:"id"`
	RecordID        string    `json:"record_id"`
	Type            IssueType `json:"type"`
	At              time.Time `json:"at"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Resolved        bool      `json:"resolved"`
}

// Metrics holds the monotonically non-decreasing participation counters.
type Metrics struct {
	CameraOnMinutes        int `json:"camera_on_minutes"`
	MicOnMinutes           int `json:"mic_on_minutes"`
	MessagesSent           int `json:"messages_sent"`
	PollsParticipated      int `json:"polls_participated"`
	HandsRaised            int `json:"hands_raised"`
	ActiveScreenMinutes    int `json:"active_screen_minutes"`
	WhiteboardInteractions int `json:"whiteboard_interactions"`
}

// Flags are derived behavior signals, written only by the analyzer.
type Flags struct {
	FrequentDisconnections bool `json:"frequent_disconnections"`
	LongInactivity         bool `json:"long_inactivity"`
	MultipleDeviceLogins   bool `json:"multiple_device_logins"`
	SuspiciousActivity     bool `json:"suspicious_activity"`
}

// Decision markers.
const (
	MarkedBySystem = "system"
	MarkedByTutor  = "tutor"
)

// Decision is the authoritative presence disposition. A tutor decision is
// sticky: automatic recomputation never replaces it.
type Decision struct {
	MarkedPresent  bool       `json:"marked_present"`
	MarkedBy       string     `json:"marked_by,omitempty"`
	MarkedAt       *time.Time `json:"marked_at,omitempty"`
	OverriddenBy   *string    `json:"overridden_by,omitempty"`
	OverrideReason *string    `json:"override_reason,omitempty"`
}

// Overridden reports whether a tutor has taken the decision over.
func (d Decision) Overridden() bool { return d.MarkedBy == MarkedByTutor }

// Record is one participant's attendance state for one session. At most one
// record exists per (participant, session) pair; records are never deleted.
type Record struct {
	ID                   string            `json:"id"`
	SessionID            string            `json:"session_id"`
	ParticipantID        string            `json:"participant_id"`
	JoinedAt             time.Time         `json:"joined_at"`
	LeftAt               *time.Time        `json:"left_at,omitempty"`
	TotalDurationMinutes int               `json:"total_duration_minutes"`
	AttendancePercentage float64           `json:"attendance_percentage"`
	Status               Status            `json:"status"`
	DeviceInfo           map[string]string `json:"device_info,omitempty"`
	Metrics              Metrics           `json:"participation_metrics"`
	Flags                Flags             `json:"behavior_flags"`
	Decision             Decision          `json:"attendance_decision"`

	// Open toggle intervals, folded into the minute counters on the matching
	// off event or at leave/finalize.
	CameraOnSince *time.Time `json:"-"`
	MicOnSince    *time.Time `json:"-"`
	ScreenOnSince *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrSessionClosed      = errors.New("session is closed")
	ErrLateJoinNotAllowed = errors.New("late join not allowed")
	ErrRecordNotFound     = errors.New("attendance record not found")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrInvalidIssueType   = errors.New("invalid issue type")
	ErrReasonRequired     = errors.New("override reason required")
	ErrNotEnrolled        = errors.New("participant not enrolled")
)
