package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hydralab/hydra/pkg/types"
)

type createShareRequest struct {
	Endpoint       string            `json:"endpoint"`
	Access         types.ShareAccess `json:"access,omitempty"`
	ExpirationDays int               `json:"expirationDays,omitempty"`
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var body createShareRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if body.Access == "" {
		body.Access = types.ShareAccessReadOnly
	}
	link, err := s.shares.Create(p.Username, body.Endpoint, body.Access, body.ExpirationDays)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, link)
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	links, err := s.shares.List(p.Username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, links)
}

func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.shares.Delete(p.Username, chi.URLParam(r, "token")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
