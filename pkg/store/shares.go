package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/types"
)

// CreateShareLink inserts a share link.
func (s *Store) CreateShareLink(l *types.ShareLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO share_links
		(token, owner_username, container_name, endpoint, access, expires_at, view_count, last_accessed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Token, l.OwnerUsername, l.ContainerName, l.Endpoint, l.Access,
		l.ExpiresAt, l.ViewCount, l.LastAccessed, l.CreatedAt)
	return err
}

// GetShareLink retrieves a share link by token.
func (s *Store) GetShareLink(token string) (*types.ShareLink, error) {
	var l types.ShareLink
	err := s.db.Get(&l, `SELECT * FROM share_links WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Input("share_not_found", "share link not found")
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// TouchShareLink bumps the view count and last-accessed stamp. The
// increment runs in the database so the count is strictly monotonic under
// concurrent validations.
func (s *Store) TouchShareLink(token string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE share_links SET
		view_count = view_count + 1, last_accessed = ?
		WHERE token = ?`, at.UTC(), token)
	return err
}

// ListShareLinks returns a user's share links, newest first.
func (s *Store) ListShareLinks(owner string) ([]*types.ShareLink, error) {
	var links []*types.ShareLink
	err := s.db.Select(&links, `SELECT * FROM share_links
		WHERE owner_username = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	return links, nil
}

// DeleteShareLink removes a share link.
func (s *Store) DeleteShareLink(token string) error {
	_, err := s.db.Exec(`DELETE FROM share_links WHERE token = ?`, token)
	return err
}

// DeleteExpiredShareLinks prunes links past their expiry.
func (s *Store) DeleteExpiredShareLinks(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM share_links WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
