package poll

import (
	"errors"
	"time"
)

// Option count bounds for a poll.
const (
	MinOptions = 2
	MaxOptions = 6
)

// Poll is an ad-hoc in-session multiple-choice question. Polls are addressed
// by their per-session index (creation order) and are never deleted.
type Poll struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Index     int        `json:"index"`
	Question  string     `json:"question"`
	Options   []string   `json:"options"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	Responses []Response `json:"responses,omitempty"`
}

// Response is one participant's answer; at most one per (poll, participant).
type Response struct {
	PollID        string    `json:"poll_id"`
	ParticipantID string    `json:"participant_id"`
	Answer        int       `json:"answer"`
	At            time.Time `json:"at"`
}

var (
	ErrValidation        = errors.New("invalid poll")
	ErrPollsDisabled     = errors.New("polls disabled for this session")
	ErrPollNotFound      = errors.New("poll not found")
	ErrPollClosed        = errors.New("poll is closed")
	ErrInvalidAnswer     = errors.New("answer index out of range")
	ErrDuplicateResponse = errors.New("participant already responded")
)

// Validate checks a poll before it is created.
func Validate(question string, options []string) error {
	if question == "" {
		return ErrValidation
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return ErrValidation
	}
	for _, opt := range options {
		if opt == "" {
			return ErrValidation
		}
	}
	return nil
}
