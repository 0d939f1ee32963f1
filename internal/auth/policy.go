package auth

// Action names an operation subject to a role check.
type Action string

const (
	ActionCreateSession    Action = "session.create"
	ActionChangeStatus     Action = "session.change_status"
	ActionViewAttendance   Action = "attendance.view"
	ActionOverridePresence Action = "attendance.override"
	ActionCreatePoll       Action = "poll.create"
	ActionClosePoll        Action = "poll.close"
)

// tutorOnly lists the actions reserved for tutors. Everything not listed is
// open to any authenticated caller.
var tutorOnly = map[Action]bool{
	ActionCreateSession:    true,
	ActionChangeStatus:     true,
	ActionViewAttendance:   true,
	ActionOverridePresence: true,
	ActionCreatePoll:       true,
	ActionClosePoll:        true,
}

// Allow decides whether the caller may perform action on the resource owned
// by ownerID. Tutors may only touch sessions they own; ownerID is empty for
// actions without an owner (session creation).
func Allow(claims Claims, action Action, ownerID string) bool {
	if !tutorOnly[action] {
		return true
	}
	if claims.Role != RoleTutor {
		return false
	}
	if ownerID == "" {
		return true
	}
	return claims.Subject == ownerID
}
