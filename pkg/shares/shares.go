package shares

import (
	"context"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/keys"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

// MaxExpirationDays caps share lifetime; longer asks are clamped.
const MaxExpirationDays = 30

// Service issues and validates share tokens for container endpoints.
type Service struct {
	store *store.Store
}

func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Create issues a token granting access to one endpoint of the owner's
// workspace for expirationDays (clamped to MaxExpirationDays).
func (s *Service) Create(owner, endpoint string, access types.ShareAccess, expirationDays int) (*types.ShareLink, error) {
	if endpoint == "" {
		return nil, apperr.Input("invalid_endpoint", "endpoint is required")
	}
	if access != types.ShareAccessReadOnly && access != types.ShareAccessFull {
		return nil, apperr.Input("invalid_access", "invalid access scope %q", access)
	}
	if expirationDays <= 0 {
		expirationDays = 7
	}
	if expirationDays > MaxExpirationDays {
		expirationDays = MaxExpirationDays
	}

	token, err := keys.ShareToken()
	if err != nil {
		return nil, apperr.Operation("token_generate", "failed to generate share token", err)
	}
	now := time.Now().UTC()
	link := &types.ShareLink{
		Token:         token,
		OwnerUsername: owner,
		ContainerName: orchestrator.WorkloadName(owner),
		Endpoint:      endpoint,
		Access:        access,
		ExpiresAt:     now.AddDate(0, 0, expirationDays),
		CreatedAt:     now,
	}
	if err := s.store.CreateShareLink(link); err != nil {
		return nil, err
	}
	return link, nil
}

// Validate checks a token against an owner and endpoint, bumps the view
// count and stamps last access. Expired tokens fail.
func (s *Service) Validate(token, owner, endpoint string) (*types.ShareLink, error) {
	link, err := s.store.GetShareLink(token)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if link.ExpiresAt.Before(now) {
		return nil, apperr.Precondition("share_expired", "share token has expired")
	}
	if link.OwnerUsername != owner || link.Endpoint != endpoint {
		return nil, apperr.Precondition("share_mismatch", "share token does not cover this endpoint")
	}
	if err := s.store.TouchShareLink(token, now); err != nil {
		log.WithUsername(owner).Warn().Err(err).Msg("failed to stamp share access")
	}
	return link, nil
}

// List returns the owner's links.
func (s *Service) List(owner string) ([]*types.ShareLink, error) {
	return s.store.ListShareLinks(owner)
}

// Delete revokes one link; only the owner may revoke it.
func (s *Service) Delete(owner, token string) error {
	link, err := s.store.GetShareLink(token)
	if err != nil {
		return err
	}
	if link.OwnerUsername != owner {
		return apperr.Precondition("not_share_owner", "share token belongs to another user")
	}
	return s.store.DeleteShareLink(token)
}

// RunSweep deletes expired links periodically until the context ends.
func (s *Service) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	logger := log.WithComponent("share-sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredShareLinks(time.Now().UTC())
			if err != nil {
				logger.Error().Err(err).Msg("failed to delete expired share links")
			} else if n > 0 {
				logger.Info().Int64("count", n).Msg("deleted expired share links")
			}
		}
	}
}
