package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, participant_id, joined_at, left_at,
	total_duration_minutes, attendance_percentage, status, device_info,
	camera_on_minutes, mic_on_minutes, messages_sent, polls_participated,
	hands_raised, active_screen_minutes, whiteboard_interactions,
	frequent_disconnections, long_inactivity, multiple_device_logins, suspicious_activity,
	marked_present, marked_by, marked_at, overridden_by, override_reason,
	camera_on_since, mic_on_since, screen_on_since, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var device []byte
	var markedBy sql.NullString
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.ParticipantID, &rec.JoinedAt, &rec.LeftAt,
		&rec.TotalDurationMinutes, &rec.AttendancePercentage, &rec.Status, &device,
		&rec.Metrics.CameraOnMinutes, &rec.Metrics.MicOnMinutes, &rec.Metrics.MessagesSent,
		&rec.Metrics.PollsParticipated, &rec.Metrics.HandsRaised, &rec.Metrics.ActiveScreenMinutes,
		&rec.Metrics.WhiteboardInteractions,
		&rec.Flags.FrequentDisconnections, &rec.Flags.LongInactivity,
		&rec.Flags.MultipleDeviceLogins, &rec.Flags.SuspiciousActivity,
		&rec.Decision.MarkedPresent, &markedBy, &rec.Decision.MarkedAt,
		&rec.Decision.OverriddenBy, &rec.Decision.OverrideReason,
		&rec.CameraOnSince, &rec.MicOnSince, &rec.ScreenOnSince,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Decision.MarkedBy = markedBy.String
	if len(device) > 0 {
		if err := json.Unmarshal(device, &rec.DeviceInfo); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Get returns the record for a (session, participant) pair.
func (r *Repository) Get(ctx context.Context, sessionID, participantID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND participant_id = $2
	`, sessionID, participantID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// GetByID returns a record by primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE id = $1
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// CreateIfAbsent inserts rec unless the (session, participant) row exists.
// The composite unique key makes concurrent first-joins collapse to one row;
// the loser of the race reads the winner's row back.
func (r *Repository) CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	device, err := json.Marshal(rec.DeviceInfo)
	if err != nil {
		return Record{}, false, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, participant_id, joined_at, status, device_info)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, participant_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.ParticipantID, rec.JoinedAt, rec.Status, device)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := r.Get(ctx, rec.SessionID, rec.ParticipantID)
			return existing, false, getErr
		}
		return Record{}, false, err
	}
	rec.UpdatedAt = rec.CreatedAt
	return rec, true, nil
}

// Update writes a record back. Last writer wins; duration is recomputed from
// joined/left timestamps rather than accumulated across writers, so this is
// safe under the finalize/leave race.
func (r *Repository) Update(ctx context.Context, rec Record) error {
	device, err := json.Marshal(rec.DeviceInfo)
	if err != nil {
		return err
	}
	var markedBy any
	if rec.Decision.MarkedBy != "" {
		markedBy = rec.Decision.MarkedBy
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET
			joined_at = $2, left_at = $3, total_duration_minutes = $4,
			attendance_percentage = $5, status = $6, device_info = $7,
			camera_on_minutes = $8, mic_on_minutes = $9, messages_sent = $10,
			polls_participated = $11, hands_raised = $12, active_screen_minutes = $13,
			whiteboard_interactions = $14,
			frequent_disconnections = $15, long_inactivity = $16,
			multiple_device_logins = $17, suspicious_activity = $18,
			marked_present = $19, marked_by = $20, marked_at = $21,
			overridden_by = $22, override_reason = $23,
			camera_on_since = $24, mic_on_since = $25, screen_on_since = $26,
			updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.JoinedAt, rec.LeftAt, rec.TotalDurationMinutes,
		rec.AttendancePercentage, rec.Status, device,
		rec.Metrics.CameraOnMinutes, rec.Metrics.MicOnMinutes, rec.Metrics.MessagesSent,
		rec.Metrics.PollsParticipated, rec.Metrics.HandsRaised, rec.Metrics.ActiveScreenMinutes,
		rec.Metrics.WhiteboardInteractions,
		rec.Flags.FrequentDisconnections, rec.Flags.LongInactivity,
		rec.Flags.MultipleDeviceLogins, rec.Flags.SuspiciousActivity,
		rec.Decision.MarkedPresent, markedBy, rec.Decision.MarkedAt,
		rec.Decision.OverriddenBy, rec.Decision.OverrideReason,
		rec.CameraOnSince, rec.MicOnSince, rec.ScreenOnSince)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return err
}

// UpdateFlags writes only the analyzer-owned columns.
func (r *Repository) UpdateFlags(ctx context.Context, recordID string, f Flags) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET
			frequent_disconnections = $2, long_inactivity = $3,
			multiple_device_logins = $4, suspicious_activity = $5,
			updated_at = NOW()
		WHERE id = $1
	`, recordID, f.FrequentDisconnections, f.LongInactivity, f.MultipleDeviceLogins, f.SuspiciousActivity)
	return err
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListBySession returns every record of a session in join order.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
}

// ListOpen returns records still lacking a leave timestamp.
func (r *Repository) ListOpen(ctx context.Context, sessionID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND left_at IS NULL
		ORDER BY created_at
	`, sessionID)
}

// AppendEvent writes one entry to the session event log.
func (r *Repository) AppendEvent(ctx context.Context, ev Event) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO session_events (record_id, type, occurred_at, metadata)
		VALUES ($1,$2,$3,$4)
	`, ev.RecordID, ev.Type, ev.At, metadata)
	return err
}

// Events returns a record's event log in order.
func (r *Repository) Events(ctx context.Context, recordID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_id, type, occurred_at, metadata
		FROM session_events
		WHERE record_id = $1
		ORDER BY occurred_at, id
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var ev Event
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Type, &ev.At, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// AppendIssue writes one entry to the technical issue log.
func (r *Repository) AppendIssue(ctx context.Context, is Issue) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO technical_issues (record_id, type, occurred_at, duration_seconds, resolved)
		VALUES ($1,$2,$3,$4,$5)
	`, is.RecordID, is.Type, is.At, is.DurationSeconds, is.Resolved)
	return err
}

// Issues returns a record's issue log in order.
func (r *Repository) Issues(ctx context.Context, recordID string) ([]Issue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_id, type, occurred_at, duration_seconds, resolved
		FROM technical_issues
		WHERE record_id = $1
		ORDER BY occurred_at, id
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Issue
	for rows.Next() {
		var is Issue
		if err := rows.Scan(&is.ID, &is.RecordID, &is.Type, &is.At, &is.DurationSeconds, &is.Resolved); err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}
