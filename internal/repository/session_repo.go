package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/webui/internal/model"
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 100

const selectColumns = `id, plan_path, command, transport, status, pid, exit_code, signal, recording_path, created_at, updated_at`

// SessionRepository persists session history.
type SessionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

// Create inserts a new history record.
func (r *SessionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		INSERT INTO session_history (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		nullString(rec.PlanPath),
		rec.Command,
		rec.Transport,
		rec.Status,
		rec.PID,
		rec.ExitCode,
		nullString(rec.Signal),
		nullString(rec.RecordingPath),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// UpdateStatus records a status change, typically the exit of the process.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int, signal string) error {
	query := `
		UPDATE session_history
		SET status = ?, exit_code = ?, signal = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, exitCode, nullString(signal), r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return nil
}

// GetByID retrieves a record by session id.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM session_history WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return rec, nil
}

// List returns up to limit records, newest first.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + selectColumns + ` FROM session_history ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var out []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}
	return out, nil
}

// MarkInterrupted closes out records left running by a previous server
// process, which cannot have outlived it. It returns how many were updated.
func (r *SessionRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE session_history SET status = ?, updated_at = ? WHERE status = ?`,
		model.SessionStatusFailed, r.now().UTC(), model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var planPath, signal, recordingPath sql.NullString
	var pid, exitCode sql.NullInt64

	err := s.Scan(
		&rec.ID,
		&planPath,
		&rec.Command,
		&rec.Transport,
		&rec.Status,
		&pid,
		&exitCode,
		&signal,
		&recordingPath,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.PlanPath = planPath.String
	rec.Signal = signal.String
	rec.RecordingPath = recordingPath.String
	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
