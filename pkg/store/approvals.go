package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/types"
)

// CreateApprovalRequest inserts an approval request. The partial unique
// index enforces at most one pending request per (username, request_type);
// a violation surfaces as an input error.
func (s *Store) CreateApprovalRequest(r *types.ApprovalRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO approval_requests
		(id, username, target_node, memory_gb, cpus, storage_gb, gpu_count,
		 request_type, status, reason, reviewer, created_at, decided_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Username, r.TargetNode, r.MemoryGB, r.CPUs, r.StorageGB, r.GPUCount,
		r.RequestType, r.Status, r.Reason, r.Reviewer, r.CreatedAt, r.DecidedAt, r.ExpiresAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return apperr.Input("duplicate_pending_request",
			"a pending %s request already exists for %s", r.RequestType, r.Username)
	}
	return err
}

// GetApprovalRequest retrieves a request by id.
func (s *Store) GetApprovalRequest(id string) (*types.ApprovalRequest, error) {
	var r types.ApprovalRequest
	err := s.db.Get(&r, `SELECT * FROM approval_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Input("request_not_found", "approval request %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateApprovalRequest replaces a request row.
func (s *Store) UpdateApprovalRequest(r *types.ApprovalRequest) error {
	_, err := s.db.Exec(`UPDATE approval_requests SET
		target_node = ?, memory_gb = ?, cpus = ?, storage_gb = ?, gpu_count = ?,
		request_type = ?, status = ?, reason = ?, reviewer = ?, decided_at = ?, expires_at = ?
		WHERE id = ?`,
		r.TargetNode, r.MemoryGB, r.CPUs, r.StorageGB, r.GPUCount,
		r.RequestType, r.Status, r.Reason, r.Reviewer, r.DecidedAt, r.ExpiresAt, r.ID)
	return err
}

// ListApprovalRequests returns requests for a user, newest first.
func (s *Store) ListApprovalRequests(username string) ([]*types.ApprovalRequest, error) {
	var reqs []*types.ApprovalRequest
	err := s.db.Select(&reqs, `SELECT * FROM approval_requests
		WHERE username = ? ORDER BY created_at DESC`, username)
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// ListPendingApprovalRequests returns every pending request, oldest first.
func (s *Store) ListPendingApprovalRequests() ([]*types.ApprovalRequest, error) {
	var reqs []*types.ApprovalRequest
	err := s.db.Select(&reqs, `SELECT * FROM approval_requests
		WHERE status = ? ORDER BY created_at ASC`, types.RequestStatusPending)
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// GetPendingApprovalRequest returns the pending request of one type for a
// user, or nil when none exists.
func (s *Store) GetPendingApprovalRequest(username string, rt types.RequestType) (*types.ApprovalRequest, error) {
	var r types.ApprovalRequest
	err := s.db.Get(&r, `SELECT * FROM approval_requests
		WHERE username = ? AND request_type = ? AND status = ?`,
		username, rt, types.RequestStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ExpireApprovalRequests marks approved requests past their expiry as
// expired and returns how many rows changed.
func (s *Store) ExpireApprovalRequests(now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE approval_requests SET status = ?
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at < ?`,
		types.RequestStatusExpired,
		types.RequestStatusApproved, types.RequestStatusAutoApproved, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
