package poll

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Repository persists polls in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// insertAttempts bounds the retry loop on the (session_id, idx) key when two
// tutors create polls at the same moment.
const insertAttempts = 3

// Insert appends a poll at the next per-session index.
func (r *Repository) Insert(ctx context.Context, p Poll) (Poll, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	options, err := json.Marshal(p.Options)
	if err != nil {
		return Poll{}, err
	}
	var lastErr error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		row := r.db.QueryRowContext(ctx, `
			INSERT INTO polls (id, session_id, idx, question, options, is_active, created_at)
			VALUES ($1, $2,
				(SELECT COALESCE(MAX(idx) + 1, 0) FROM polls WHERE session_id = $2),
				$3, $4, $5, $6)
			RETURNING idx
		`, p.ID, p.SessionID, p.Question, options, p.IsActive, p.CreatedAt)
		if err := row.Scan(&p.Index); err != nil {
			lastErr = err
			continue
		}
		return p, nil
	}
	return Poll{}, lastErr
}

// GetByIndex returns a poll with its responses.
func (r *Repository) GetByIndex(ctx context.Context, sessionID string, index int) (Poll, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, idx, question, options, is_active, created_at
		FROM polls
		WHERE session_id = $1 AND idx = $2
	`, sessionID, index)
	p, err := scanPoll(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Poll{}, ErrPollNotFound
	}
	if err != nil {
		return Poll{}, err
	}
	p.Responses, err = r.responses(ctx, p.ID)
	return p, err
}

func scanPoll(row interface{ Scan(...any) error }) (Poll, error) {
	var p Poll
	var options []byte
	if err := row.Scan(&p.ID, &p.SessionID, &p.Index, &p.Question, &options, &p.IsActive, &p.CreatedAt); err != nil {
		return Poll{}, err
	}
	if err := json.Unmarshal(options, &p.Options); err != nil {
		return Poll{}, err
	}
	return p, nil
}

// List returns a session's polls with responses, in creation order.
func (r *Repository) List(ctx context.Context, sessionID string) ([]Poll, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, idx, question, options, is_active, created_at
		FROM polls
		WHERE session_id = $1
		ORDER BY idx
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Responses, err = r.responses(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// InsertResponse appends a response. The unique (poll_id, participant_id) key
// makes the duplicate check and the append a single atomic statement.
func (r *Repository) InsertResponse(ctx context.Context, resp Response) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO poll_responses (poll_id, participant_id, answer_idx, responded_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (poll_id, participant_id) DO NOTHING
		RETURNING responded_at
	`, resp.PollID, resp.ParticipantID, resp.Answer, resp.At)
	var at sql.NullTime
	if err := row.Scan(&at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateResponse
		}
		return err
	}
	return nil
}

// SetActive toggles a poll open or closed.
func (r *Repository) SetActive(ctx context.Context, pollID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE polls SET is_active = $2 WHERE id = $1`, pollID, active)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrPollNotFound
	}
	return err
}

func (r *Repository) responses(ctx context.Context, pollID string) ([]Response, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT poll_id, participant_id, answer_idx, responded_at
		FROM poll_responses
		WHERE poll_id = $1
		ORDER BY responded_at
	`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Response
	for rows.Next() {
		var resp Response
		if err := rows.Scan(&resp.PollID, &resp.ParticipantID, &resp.Answer, &resp.At); err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}
