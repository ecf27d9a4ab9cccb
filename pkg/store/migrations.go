package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/types"
)

// CreateMigrationRecord inserts a migration record. Any existing
// in_progress record for the user is terminated as failed("superseded")
// in the same transaction.
func (s *Store) CreateMigrationRecord(r *types.MigrationRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	stepLog, err := json.Marshal(r.StepLog)
	if err != nil {
		return err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE migration_records
		SET status = ?, current_step = ?, error_message = 'superseded', completed_at = ?
		WHERE username = ? AND status = ?`,
		types.MigrationFailed, types.StepFailed, now, r.Username, types.MigrationInProgress); err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT INTO migration_records
		(id, username, from_node, to_node, current_step, status, started_at, completed_at, error_message, step_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Username, r.FromNode, r.ToNode, r.CurrentStep, r.Status,
		r.StartedAt, r.CompletedAt, r.ErrorMessage, string(stepLog)); err != nil {
		return fmt.Errorf("failed to insert migration record: %w", err)
	}

	return tx.Commit()
}

// UpdateMigrationRecord replaces the mutable fields of a record.
func (s *Store) UpdateMigrationRecord(r *types.MigrationRecord) error {
	stepLog, err := json.Marshal(r.StepLog)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE migration_records SET
		current_step = ?, status = ?, completed_at = ?, error_message = ?, step_log = ?
		WHERE id = ?`,
		r.CurrentStep, r.Status, r.CompletedAt, r.ErrorMessage, string(stepLog), r.ID)
	return err
}

type migrationRow struct {
	types.MigrationRecord
	StepLogRaw string `db:"step_log"`
}

func (s *Store) scanMigration(row *migrationRow) (*types.MigrationRecord, error) {
	rec := row.MigrationRecord
	if err := json.Unmarshal([]byte(row.StepLogRaw), &rec.StepLog); err != nil {
		return nil, fmt.Errorf("corrupt step log on migration %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// GetMigrationRecord retrieves a record by id.
func (s *Store) GetMigrationRecord(id string) (*types.MigrationRecord, error) {
	var row migrationRow
	err := s.db.Get(&row, `SELECT * FROM migration_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Input("migration_not_found", "migration %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return s.scanMigration(&row)
}

// GetActiveMigration returns the in_progress record for a user, or nil.
func (s *Store) GetActiveMigration(username string) (*types.MigrationRecord, error) {
	var row migrationRow
	err := s.db.Get(&row, `SELECT * FROM migration_records
		WHERE username = ? AND status = ?`, username, types.MigrationInProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.scanMigration(&row)
}

// ListMigrationRecords returns a user's migration history, newest first.
func (s *Store) ListMigrationRecords(username string, limit int) ([]*types.MigrationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []migrationRow
	err := s.db.Select(&rows, `SELECT * FROM migration_records
		WHERE username = ? ORDER BY started_at DESC LIMIT ?`, username, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.MigrationRecord, 0, len(rows))
	for i := range rows {
		rec, err := s.scanMigration(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
