package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/quota"
	"github.com/hydralab/hydra/pkg/types"
)

type submitRequest struct {
	TargetNode string            `json:"targetNode"`
	PresetTier string            `json:"presetTier,omitempty"`
	MemoryGB   int               `json:"memoryGb,omitempty"`
	CPUs       int               `json:"cpus,omitempty"`
	StorageGB  int               `json:"storageGb,omitempty"`
	GPUCount   int               `json:"gpuCount,omitempty"`
	Type       types.RequestType `json:"requestType,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

type submitResponse struct {
	Request      *types.ApprovalRequest `json:"request"`
	AutoApproved bool                   `json:"autoApproved"`
	Pending      bool                   `json:"pending"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := s.quotas.EnsureQuota(p.Username, p.Email, p.Role); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := s.quotas.Submit(r.Context(), p.Username, &quota.Request{
		TargetNode: body.TargetNode,
		PresetTier: body.PresetTier,
		MemoryGB:   body.MemoryGB,
		CPUs:       body.CPUs,
		StorageGB:  body.StorageGB,
		GPUCount:   body.GPUCount,
		Type:       body.Type,
		Reason:     body.Reason,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	metrics.ApprovalRequestsTotal.WithLabelValues(string(rec.Status)).Inc()
	respondJSON(w, http.StatusCreated, submitResponse{
		Request:      rec,
		AutoApproved: rec.Status == types.RequestStatusAutoApproved,
		Pending:      rec.Status == types.RequestStatusPending,
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	username := p.Username
	if asked := r.URL.Query().Get("username"); asked != "" && asked != username {
		if _, err := s.authorize(r, asked, false); err != nil {
			respondError(w, r, err)
			return
		}
		username = asked
	}
	recs, err := s.quotas.List(username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r); err != nil {
		respondError(w, r, err)
		return
	}
	recs, err := s.quotas.ListPending()
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

type decideRequest struct {
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, err := s.requireAdmin(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var body decideRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
	}
	rec, err := s.quotas.Approve(r.Context(), chi.URLParam(r, "id"), p.Username, body.ExpiresAt)
	if err != nil {
		respondError(w, r, err)
		return
	}
	metrics.ApprovalRequestsTotal.WithLabelValues(string(rec.Status)).Inc()
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	p, err := s.requireAdmin(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var body decideRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
	}
	rec, err := s.quotas.Deny(r.Context(), chi.URLParam(r, "id"), p.Username, body.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	metrics.ApprovalRequestsTotal.WithLabelValues(string(rec.Status)).Inc()
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r); err != nil {
		respondError(w, r, err)
		return
	}
	quotas, err := s.store.ListQuotas()
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, quotas)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, false); err != nil {
		respondError(w, r, err)
		return
	}
	q, err := s.store.GetQuota(username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

func (s *Server) handleUpsertQuota(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r); err != nil {
		respondError(w, r, err)
		return
	}
	username := chi.URLParam(r, "username")
	var q types.UserQuota
	if err := decodeJSON(r, &q); err != nil {
		respondError(w, r, err)
		return
	}
	q.Username = username
	q.UpdatedAt = time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = q.UpdatedAt
	}
	if err := s.store.UpsertQuota(&q); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

func (s *Server) handleDeleteQuota(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.store.DeleteQuota(chi.URLParam(r, "username")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
