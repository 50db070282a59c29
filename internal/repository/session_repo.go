package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fakeos/termbroker/internal/model"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// SessionRepository stores the session lifecycle audit log.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// ListFilter narrows List.
type ListFilter struct {
	// SessionID limits the result to lifetimes of one session id.
	SessionID string

	// Status limits the result to records with this status.
	Status model.SessionStatus

	// Limit caps the number of records. Zero means DefaultListLimit.
	Limit int
}

const selectColumns = `
	SELECT record_id, session_id, mode, command, workdir, env, pid, status,
		exit_code, signal, respawns, created_at, ended_at
	FROM session_records
`

// Create inserts a new record and sets its RecordID.
func (r *SessionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	envJSON, err := rec.EnvToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}
	if rec.Status == "" {
		rec.Status = model.SessionStatusActive
	}

	query := `
		INSERT INTO session_records (session_id, mode, command, workdir, env, pid, status, respawns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Mode,
		rec.Command,
		nullString(rec.Workdir),
		nullString(envJSON),
		rec.PID,
		rec.Status,
		rec.Respawns,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get record id: %w", err)
	}
	rec.RecordID = id
	return nil
}

// MarkEnded closes the record with the way its session ended. A record can
// only be closed once.
func (r *SessionRepository) MarkEnded(ctx context.Context, recordID int64, status model.SessionStatus, exitCode *int, signal string, respawns int, endedAt time.Time) error {
	query := `
		UPDATE session_records
		SET status = ?, exit_code = ?, signal = ?, respawns = ?, ended_at = ?
		WHERE record_id = ? AND ended_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, status, exitCode, nullString(signal), respawns, endedAt.UTC(), recordID)
	if err != nil {
		return fmt.Errorf("failed to update session record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: open record %d", model.ErrSessionNotFound, recordID)
	}
	return nil
}

// CloseStale marks records left open by a previous broker process as
// failed. Sessions never survive a restart, so every open record at startup
// is stale. It returns the number of records closed.
func (r *SessionRepository) CloseStale(ctx context.Context, at time.Time) (int64, error) {
	query := `
		UPDATE session_records
		SET status = ?, ended_at = ?
		WHERE ended_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusFailed, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to close stale records: %w", err)
	}
	return result.RowsAffected()
}

// Prune deletes ended records older than before. Times are stored in UTC,
// so the text comparison orders them correctly.
func (r *SessionRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM session_records WHERE ended_at IS NOT NULL AND ended_at < ?`

	result, err := r.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune session records: %w", err)
	}
	return result.RowsAffected()
}

// GetByID retrieves a record by its record id.
func (r *SessionRepository) GetByID(ctx context.Context, recordID int64) (*model.SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE record_id = ?`, recordID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (r *SessionRepository) List(ctx context.Context, filter ListFilter) ([]*model.SessionRecord, error) {
	query := selectColumns + ` WHERE 1 = 1`
	var args []any
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` ORDER BY created_at DESC, record_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	records := []*model.SessionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var workdir, envJSON, signal sql.NullString
	var exitCode, pid sql.NullInt64
	var endedAt sql.NullTime

	err := row.Scan(
		&rec.RecordID,
		&rec.ID,
		&rec.Mode,
		&rec.Command,
		&workdir,
		&envJSON,
		&pid,
		&rec.Status,
		&exitCode,
		&signal,
		&rec.Respawns,
		&rec.CreatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Workdir = workdir.String
	rec.Signal = signal.String
	if envJSON.Valid {
		if err := rec.EnvFromJSON(envJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
