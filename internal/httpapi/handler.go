package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"liveclass/internal/attendance"
	"liveclass/internal/auth"
	"liveclass/internal/config"
	"liveclass/internal/enrollclient"
	"liveclass/internal/metrics"
	"liveclass/internal/poll"
	"liveclass/internal/queue"
	"liveclass/internal/session"
)

// Handler serves the live-class tracking API.
type Handler struct {
	cfg      config.App
	sessions *session.Service
	tracker  *attendance.Service
	polls    *poll.Service
	enroll   *enrollclient.Client
	queue    queue.Queue
	metrics  *metrics.Set
}

// New creates a handler.
func New(cfg config.App, sessions *session.Service, tracker *attendance.Service, polls *poll.Service,
	enroll *enrollclient.Client, q queue.Queue, m *metrics.Set) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		tracker:  tracker,
		polls:    polls,
		enroll:   enroll,
		queue:    q,
		metrics:  m,
	}
}

// statusFor maps domain errors onto HTTP status codes: malformed input 400,
// missing things 404, state conflicts 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, poll.ErrPollNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrValidation),
		errors.Is(err, poll.ErrValidation),
		errors.Is(err, poll.ErrInvalidAnswer),
		errors.Is(err, attendance.ErrInvalidEventType),
		errors.Is(err, attendance.ErrInvalidIssueType),
		errors.Is(err, attendance.ErrReasonRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBadTransition),
		errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrLateJoinNotAllowed),
		errors.Is(err, poll.ErrPollClosed),
		errors.Is(err, poll.ErrPollsDisabled),
		errors.Is(err, poll.ErrDuplicateResponse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("internal error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// authorize loads the session and runs the policy check for tutor-only
// actions. It writes the error response itself when denied.
func (h *Handler) authorize(c *gin.Context, action auth.Action, sessionID string) (session.Session, auth.Claims, bool) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return session.Session{}, auth.Claims{}, false
	}
	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return session.Session{}, auth.Claims{}, false
	}
	if !auth.Allow(claims, action, sess.TutorID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return session.Session{}, auth.Claims{}, false
	}
	return sess, claims, true
}

// ---------- Auth ----------

// MintToken issues a dev access token for the given subject and role.
func (h *Handler) MintToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Role    string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := auth.Issue(req.Subject, req.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": token.Value,
		"expires_at":   token.ExpiresAt.Unix(),
	})
}

// ---------- Sessions ----------

// CreateSession schedules a new class session. Tutor-only.
func (h *Handler) CreateSession(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok || !auth.Allow(claims, auth.ActionCreateSession, "") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var req struct {
		Title               string    `json:"title" binding:"required"`
		ScheduledStart      time.Time `json:"scheduled_start" binding:"required"`
		ScheduledEnd        time.Time `json:"scheduled_end" binding:"required"`
		AttendanceThreshold *float64  `json:"attendance_threshold"`
		AllowLateJoin       *bool     `json:"allow_late_join"`
		EnablePolls         *bool     `json:"enable_polls"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings := session.Settings{AttendanceThreshold: 75, AllowLateJoin: true, EnablePolls: true}
	if req.AttendanceThreshold != nil {
		settings.AttendanceThreshold = *req.AttendanceThreshold
	}
	if req.AllowLateJoin != nil {
		settings.AllowLateJoin = *req.AllowLateJoin
	}
	if req.EnablePolls != nil {
		settings.EnablePolls = *req.EnablePolls
	}
	sess, err := h.sessions.Create(c.Request.Context(), session.Session{
		Title:          req.Title,
		TutorID:        claims.Subject,
		ScheduledStart: req.ScheduledStart.UTC(),
		ScheduledEnd:   req.ScheduledEnd.UTC(),
		Settings:       settings,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession returns one session.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListSessions returns the caller's sessions (tutors only have any).
func (h *Handler) ListSessions(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	sessions, err := h.sessions.ListByTutor(c.Request.Context(), claims.Subject, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// ChangeStatus applies a session status transition; moving to completed
// finalizes every open attendance record.
func (h *Handler) ChangeStatus(c *gin.Context) {
	sessionID := c.Param("id")
	if _, _, ok := h.authorize(c, auth.ActionChangeStatus, sessionID); !ok {
		return
	}
	var req struct {
		Status session.Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, finalize, err := h.sessions.ChangeStatus(c.Request.Context(), sessionID, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	if finalize {
		n, err := h.tracker.FinalizeSession(c.Request.Context(), sessionID)
		if err != nil {
			fail(c, err)
			return
		}
		h.metrics.FinalizedRecords.Add(float64(n))
		h.publishAnalyzeSession(c.Request.Context(), sessionID)
	}
	c.JSON(http.StatusOK, sess)
}

// ---------- Attendance ----------

// Join checks enrollment and records the participant entering the session.
func (h *Handler) Join(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	sessionID := c.Param("id")
	var req struct {
		DeviceInfo map[string]string `json:"device_info"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	enrolled, err := h.enroll.Check(c.Request.Context(), claims.Subject, sessionID)
	if err != nil {
		log.Printf("enrollment check failed for %s: %v", claims.Subject, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "enrollment check unavailable"})
		return
	}
	if !enrolled {
		c.JSON(http.StatusForbidden, gin.H{"error": "not enrolled"})
		return
	}

	rec, err := h.tracker.Join(c.Request.Context(), sessionID, claims.Subject, req.DeviceInfo)
	if err != nil {
		fail(c, err)
		return
	}
	h.metrics.Joins.Inc()
	c.JSON(http.StatusOK, gin.H{
		"session_id":           sessionID,
		"attendance_record_id": rec.ID,
		"access_info":          gin.H{"joined_at": rec.JoinedAt},
	})
}

// Leave closes the participant's current presence segment.
func (h *Handler) Leave(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	rec, err := h.tracker.Leave(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	h.metrics.Leaves.Inc()
	h.publishAnalyze(c.Request.Context(), rec.ID)
	c.JSON(http.StatusOK, gin.H{
		"duration_minutes":      rec.TotalDurationMinutes,
		"attendance_percentage": rec.AttendancePercentage,
		"status":                rec.Status,
	})
}

// RecordEvent appends an interaction event for the caller.
func (h *Handler) RecordEvent(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Type     attendance.EventType `json:"type" binding:"required"`
		Metadata map[string]string    `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.tracker.RecordEvent(c.Request.Context(), c.Param("id"), claims.Subject, req.Type, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	h.metrics.InteractionEvents.WithLabelValues(string(req.Type)).Inc()
	c.JSON(http.StatusOK, gin.H{"participation_metrics": rec.Metrics})
}

// ReportIssue appends a technical issue for the caller.
func (h *Handler) ReportIssue(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Type            attendance.IssueType `json:"type" binding:"required"`
		DurationSeconds *int                 `json:"duration_seconds"`
		Resolved        bool                 `json:"resolved"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.tracker.ReportIssue(c.Request.Context(), c.Param("id"), claims.Subject, req.Type, req.DurationSeconds, req.Resolved)
	if err != nil {
		fail(c, err)
		return
	}
	h.publishAnalyze(c.Request.Context(), rec.ID)
	c.JSON(http.StatusAccepted, gin.H{"record_id": rec.ID})
}

// Attendance returns all records plus aggregate stats. Tutor-only.
func (h *Handler) Attendance(c *gin.Context) {
	sessionID := c.Param("id")
	if _, _, ok := h.authorize(c, auth.ActionViewAttendance, sessionID); !ok {
		return
	}
	report, err := h.tracker.SessionReport(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Override lets the tutor fix a presence decision.
func (h *Handler) Override(c *gin.Context) {
	sessionID := c.Param("id")
	_, claims, ok := h.authorize(c, auth.ActionOverridePresence, sessionID)
	if !ok {
		return
	}
	var req struct {
		MarkedPresent *bool  `json:"marked_present" binding:"required"`
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.tracker.Override(c.Request.Context(), sessionID, c.Param("participantId"),
		*req.MarkedPresent, req.Reason, claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ---------- Polls ----------

// CreatePoll opens a new poll. Tutor-only, subject to the session setting.
func (h *Handler) CreatePoll(c *gin.Context) {
	sessionID := c.Param("id")
	if _, _, ok := h.authorize(c, auth.ActionCreatePoll, sessionID); !ok {
		return
	}
	var req struct {
		Question string   `json:"question" binding:"required"`
		Options  []string `json:"options" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.polls.Create(c.Request.Context(), sessionID, req.Question, req.Options)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// ListPolls returns a session's polls.
func (h *Handler) ListPolls(c *gin.Context) {
	polls, err := h.polls.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"polls": polls})
}

// RespondPoll records the caller's answer to a poll.
func (h *Handler) RespondPoll(c *gin.Context) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid poll index"})
		return
	}
	var req struct {
		Answer *int `json:"answer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.polls.Respond(c.Request.Context(), c.Param("id"), index, claims.Subject, *req.Answer)
	if err != nil {
		fail(c, err)
		return
	}
	h.metrics.PollResponses.Inc()
	c.JSON(http.StatusOK, gin.H{"poll_id": p.ID, "responses": len(p.Responses)})
}

// ClosePoll deactivates a poll. Tutor-only.
func (h *Handler) ClosePoll(c *gin.Context) {
	sessionID := c.Param("id")
	if _, _, ok := h.authorize(c, auth.ActionClosePoll, sessionID); !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid poll index"})
		return
	}
	p, err := h.polls.Close(c.Request.Context(), sessionID, index)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ---------- Queue fan-out ----------

func (h *Handler) publishAnalyze(ctx context.Context, recordID string) {
	if h.queue == nil {
		return
	}
	if err := h.queue.Publish(ctx, queue.Message{Type: queue.TypeAnalyze, Body: []byte(recordID)}); err != nil {
		log.Printf("queue publish failed for record %s: %v", recordID, err)
	}
}

// publishAnalyzeSession enqueues every record of a finalized session.
func (h *Handler) publishAnalyzeSession(ctx context.Context, sessionID string) {
	report, err := h.tracker.SessionReport(ctx, sessionID)
	if err != nil {
		log.Printf("analyze fan-out for session %s failed: %v", sessionID, err)
		return
	}
	for _, rec := range report.Records {
		h.publishAnalyze(ctx, rec.ID)
	}
}
