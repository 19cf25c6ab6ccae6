package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fly-io/deltaota/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store persists pipeline state and pass history
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates if needed) the state database
func NewStore(dbPath string) (*Store, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// single writer; avoids SQLITE_BUSY between the worker and CLI reads
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the pipeline state, filling defaults for missing keys
func (s *Store) Load() (PipelineState, error) {
	state := DefaultState()

	rows, err := s.db.Query(`SELECT key, value FROM pipeline_state`)
	if err != nil {
		slog.Error("database_state_query_failed", "error", err)
		return state, errors.Wrap(err, "failed to query state")
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return state, errors.Wrap(err, "failed to scan row")
		}
		if err := state.set(key, value); err != nil {
			slog.Warn("database_state_value_invalid", "key", key, "value", value, "error", err)
		}
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return state, errors.Wrap(err, "failed to iterate state")
	}
	return state, nil
}

func (s *PipelineState) set(key, value string) error {
	var err error
	switch key {
	case KeyLatestFullName:
		s.LatestFullName = value
	case KeyLatestDeltaName:
		s.LatestDeltaName = value
	case KeyReadyFilename:
		s.ReadyFilename = value
	case KeyDownloadSize:
		s.DownloadSize, err = strconv.ParseInt(value, 10, 64)
	case KeyDeltaSignature:
		s.DeltaSignature, err = strconv.ParseBool(value)
	case KeyInitialFile:
		s.InitialFile = value
	case KeyCurrentFilename:
		s.CurrentFilename = value
	case KeyLastCheck:
		s.LastCheck, err = strconv.ParseInt(value, 10, 64)
	case KeyLastCheckAttempt:
		s.LastCheckAttempt, err = strconv.ParseInt(value, 10, 64)
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return err
}

func (s PipelineState) values() map[string]string {
	return map[string]string{
		KeyLatestFullName:   s.LatestFullName,
		KeyLatestDeltaName:  s.LatestDeltaName,
		KeyReadyFilename:    s.ReadyFilename,
		KeyDownloadSize:     strconv.FormatInt(s.DownloadSize, 10),
		KeyDeltaSignature:   strconv.FormatBool(s.DeltaSignature),
		KeyInitialFile:      s.InitialFile,
		KeyCurrentFilename:  s.CurrentFilename,
		KeyLastCheck:        strconv.FormatInt(s.LastCheck, 10),
		KeyLastCheckAttempt: strconv.FormatInt(s.LastCheckAttempt, 10),
	}
}

// Commit writes every state key in one transaction. Committing the same state
// twice is a no-op.
func (s *Store) Commit(state PipelineState) error {
	slog.Info("database_commit_state", "ready_filename", state.ReadyFilename, "latest_full", state.LatestFullName)

	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("database_begin_failed", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pipeline_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		WHERE value != excluded.value
	`)
	if err != nil {
		slog.Error("database_prepare_failed", "error", err)
		return errors.Wrap(err, "failed to prepare upsert")
	}
	defer stmt.Close()

	for key, value := range state.values() {
		if _, err := stmt.Exec(key, value); err != nil {
			slog.Error("database_upsert_failed", "key", key, "error", err)
			return errors.Wrap(err, "failed to write state")
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("database_commit_failed", "error", err)
		return errors.Wrap(err, "failed to commit state")
	}
	return nil
}

// Reset removes all pipeline state, returning to defaults
func (s *Store) Reset() error {
	slog.Info("database_reset_state")
	if _, err := s.db.Exec(`DELETE FROM pipeline_state`); err != nil {
		slog.Error("database_reset_failed", "error", err)
		return errors.Wrap(err, "failed to reset state")
	}
	return nil
}

// CreatePass inserts a running pass record
func (s *Store) CreatePass(id, mode string) error {
	slog.Info("database_create_pass", "pass_id", id, "mode", mode)

	_, err := s.db.Exec(`INSERT INTO passes (id, mode, state) VALUES (?, ?, ?)`, id, mode, PassRunning)
	if err != nil {
		slog.Error("database_insert_failed", "pass_id", id, "error", err)
		return errors.Wrap(err, "failed to insert pass")
	}
	return nil
}

// FinishPass records the outcome of a pass
func (s *Store) FinishPass(id, state, errorKind, readyFilename string) error {
	slog.Info("database_finish_pass", "pass_id", id, "state", state, "error_kind", errorKind)

	result, err := s.db.Exec(`
		UPDATE passes
		SET state = ?, error_kind = ?, ready_filename = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, state, errorKind, readyFilename, id)
	if err != nil {
		slog.Error("database_update_failed", "pass_id", id, "error", err)
		return errors.Wrap(err, "failed to update pass")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "pass_id", id, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_pass_not_found_for_update", "pass_id", id)
		return fmt.Errorf("pass not found: id=%s", id)
	}
	return nil
}

// ListPasses retrieves the most recent passes, newest first
func (s *Store) ListPasses(limit int) ([]*Pass, error) {
	slog.Info("database_list_passes", "limit", limit)

	rows, err := s.db.Query(`
		SELECT id, mode, state, error_kind, ready_filename, started_at, finished_at
		FROM passes ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list passes")
	}
	defer rows.Close()

	var passes []*Pass
	for rows.Next() {
		var p Pass
		var errorKind, readyFilename, finishedAt sql.NullString

		if err := rows.Scan(&p.ID, &p.Mode, &p.State, &errorKind, &readyFilename, &p.StartedAt, &finishedAt); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}

		p.ErrorKind = errorKind.String
		p.ReadyFilename = readyFilename.String
		p.FinishedAt = finishedAt.String
		passes = append(passes, &p)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "failed to iterate passes")
	}
	return passes, nil
}

// ConsecutiveFailures counts failed passes since the last pass that ended
// without an error. Cancelled and still-running passes are skipped.
func (s *Store) ConsecutiveFailures() (int, error) {
	rows, err := s.db.Query(`SELECT state, error_kind FROM passes ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		slog.Error("database_failures_query_failed", "error", err)
		return 0, errors.Wrap(err, "failed to query passes")
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var state string
		var errorKind sql.NullString
		if err := rows.Scan(&state, &errorKind); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return 0, errors.Wrap(err, "failed to scan row")
		}
		if state == PassRunning || errorKind.String == "cancelled" {
			continue
		}
		if state != PassFailed {
			break
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to iterate passes")
	}
	return count, nil
}
