package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/types"
)

// UpsertQuota creates or replaces a user quota along with its node
// approvals.
func (s *Store) UpsertQuota(q *types.UserQuota) error {
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO user_quotas
		(username, email, role, max_memory_gb, max_cpus, max_storage_gb, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			email = excluded.email,
			role = excluded.role,
			max_memory_gb = excluded.max_memory_gb,
			max_cpus = excluded.max_cpus,
			max_storage_gb = excluded.max_storage_gb,
			updated_at = excluded.updated_at`,
		q.Username, q.Email, q.Role, q.MaxMemoryGB, q.MaxCPUs, q.MaxStorageGB,
		q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert quota: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM node_approvals WHERE username = ?`, q.Username); err != nil {
		return err
	}
	for node, until := range q.NodeApprovals {
		if _, err := tx.Exec(`INSERT INTO node_approvals (username, node, approved_until) VALUES (?, ?, ?)`,
			q.Username, node, until); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetQuota retrieves a user quota with its node approvals.
func (s *Store) GetQuota(username string) (*types.UserQuota, error) {
	var q types.UserQuota
	err := s.db.Get(&q, `SELECT * FROM user_quotas WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Input("quota_not_found", "no quota for user %s", username)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Queryx(`SELECT node, approved_until FROM node_approvals WHERE username = ?`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	q.NodeApprovals = make(map[string]*time.Time)
	for rows.Next() {
		var node string
		var until *time.Time
		if err := rows.Scan(&node, &until); err != nil {
			return nil, err
		}
		q.NodeApprovals[node] = until
	}
	return &q, rows.Err()
}

// ListQuotas returns all user quotas without node approvals expanded.
func (s *Store) ListQuotas() ([]*types.UserQuota, error) {
	var quotas []*types.UserQuota
	if err := s.db.Select(&quotas, `SELECT * FROM user_quotas ORDER BY username`); err != nil {
		return nil, err
	}
	return quotas, nil
}

// SetNodeApproval grants (or refreshes) a node approval for a user.
func (s *Store) SetNodeApproval(username, node string, until *time.Time) error {
	_, err := s.db.Exec(`INSERT INTO node_approvals (username, node, approved_until)
		VALUES (?, ?, ?)
		ON CONFLICT(username, node) DO UPDATE SET approved_until = excluded.approved_until`,
		username, node, until)
	return err
}

// RemoveNodeApproval revokes a node approval.
func (s *Store) RemoveNodeApproval(username, node string) error {
	_, err := s.db.Exec(`DELETE FROM node_approvals WHERE username = ? AND node = ?`, username, node)
	return err
}

// DeleteQuota removes a user quota. Node approvals and the container
// config cascade.
func (s *Store) DeleteQuota(username string) error {
	_, err := s.db.Exec(`DELETE FROM user_quotas WHERE username = ?`, username)
	return err
}
