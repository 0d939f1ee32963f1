package session

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists class sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, title, tutor_id, scheduled_start, scheduled_end, actual_start, actual_end,
	status, attendance_threshold, allow_late_join, enable_polls, total_participants, created_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Title, &s.TutorID, &s.ScheduledStart, &s.ScheduledEnd,
		&s.ActualStart, &s.ActualEnd, &s.Status, &s.Settings.AttendanceThreshold,
		&s.Settings.AllowLateJoin, &s.Settings.EnablePolls, &s.TotalParticipants, &s.CreatedAt)
	return s, err
}

// Insert writes a new session.
func (r *Repository) Insert(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO class_sessions
			(id, title, tutor_id, scheduled_start, scheduled_end, status,
			 attendance_threshold, allow_late_join, enable_polls)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, s.ID, s.Title, s.TutorID, s.ScheduledStart, s.ScheduledEnd, s.Status,
		s.Settings.AttendanceThreshold, s.Settings.AllowLateJoin, s.Settings.EnablePolls)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns a session by id.
func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// UpdateStatus persists a status transition with its actual timestamps.
func (r *Repository) UpdateStatus(ctx context.Context, s Session) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions
		SET status = $2, actual_start = $3, actual_end = $4
		WHERE id = $1
	`, s.ID, s.Status, s.ActualStart, s.ActualEnd)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// IncrementParticipants bumps the distinct-participant counter.
func (r *Repository) IncrementParticipants(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions SET total_participants = total_participants + 1 WHERE id = $1
	`, id)
	return err
}

// ListByTutor returns a tutor's sessions, newest first.
func (r *Repository) ListByTutor(ctx context.Context, tutorID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM class_sessions
		WHERE tutor_id = $1
		ORDER BY scheduled_start DESC
		LIMIT $2
	`, tutorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
