package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hydralab/hydra/pkg/container"
)

type initRequest struct {
	PresetTier string     `json:"presetTier,omitempty"`
	MemoryGB   int        `json:"memoryGb,omitempty"`
	CPUs       int        `json:"cpus,omitempty"`
	StorageGB  int        `json:"storageGb,omitempty"`
	GPUCount   int        `json:"gpuCount,omitempty"`
	TargetNode string     `json:"targetNode,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type initResponse struct {
	WorkloadName string            `json:"workloadName"`
	URLs         map[string]string `json:"urls"`
	PublicKey    string            `json:"publicKey,omitempty"`
	Credential   string            `json:"credential,omitempty"`
	Created      bool              `json:"created"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, true); err != nil {
		respondError(w, r, err)
		return
	}
	var body initRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
	}
	res, err := s.containers.Init(r.Context(), username, &container.InitRequest{
		PresetTier: body.PresetTier,
		MemoryGB:   body.MemoryGB,
		CPUs:       body.CPUs,
		StorageGB:  body.StorageGB,
		GPUCount:   body.GPUCount,
		TargetNode: body.TargetNode,
		ExpiresAt:  body.ExpiresAt,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, initResponse{
		WorkloadName: res.WorkloadName,
		URLs:         res.URLs,
		PublicKey:    res.PublicKey,
		Credential:   res.Credential,
		Created:      res.Created,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, false); err != nil {
		respondError(w, r, err)
		return
	}
	st, err := s.containers.GetStatus(r.Context(), username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) lifecycleHandler(action func(*http.Request, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")
		if _, err := s.authorize(r, username, true); err != nil {
			respondError(w, r, err)
			return
		}
		if err := action(r, username); err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(func(r *http.Request, u string) error {
		return s.containers.Start(r.Context(), u)
	})(w, r)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(func(r *http.Request, u string) error {
		return s.containers.Stop(r.Context(), u)
	})(w, r)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(func(r *http.Request, u string) error {
		return s.containers.Destroy(r.Context(), u)
	})(w, r)
}

func (s *Server) handleWipe(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(func(r *http.Request, u string) error {
		return s.containers.Wipe(r.Context(), u)
	})(w, r)
}

type migrateRequest struct {
	TargetNode string `json:"targetNode"`
	PresetTier string `json:"presetTier,omitempty"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, true); err != nil {
		respondError(w, r, err)
		return
	}
	var body migrateRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := s.containers.Migrate(r.Context(), username, body.TargetNode, body.PresetTier)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, false); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := s.migrations.Status(username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rec == nil {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "no migration for user", Code: "migration_not_found"})
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMigrationHistory(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, false); err != nil {
		respondError(w, r, err)
		return
	}
	recs, err := s.migrations.List(username, queryInt(r, "limit", 20))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

type addRouteRequest struct {
	Endpoint string `json:"endpoint"`
	Port     int    `json:"port"`
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, false); err != nil {
		respondError(w, r, err)
		return
	}
	rs, err := s.containers.ListRoutes(r.Context(), username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	urls := map[string]string{}
	if rs != nil {
		urls = s.containers.AccessURLs(username, rs.ExtraEndpoints())
	}
	respondJSON(w, http.StatusOK, map[string]any{"routes": rs, "urls": urls})
}

func (s *Server) handleAddRoute(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, true); err != nil {
		respondError(w, r, err)
		return
	}
	var body addRouteRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.containers.AddRoute(r.Context(), username, body.Endpoint, body.Port); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"endpoint": body.Endpoint,
		"url":      s.containers.AccessURLs(username, map[string]int{body.Endpoint: body.Port})[body.Endpoint],
	})
}

func (s *Server) handleRemoveRoute(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, true); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.containers.RemoveRoute(r.Context(), username, chi.URLParam(r, "endpoint")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRegenerateKeys(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, true); err != nil {
		respondError(w, r, err)
		return
	}
	pub, err := s.containers.RegenerateKeys(r.Context(), username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"publicKey": pub})
}

func (s *Server) handleWorkloadLogs(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, false); err != nil {
		respondError(w, r, err)
		return
	}
	lines, err := s.containers.WorkloadLogs(r.Context(), username, queryInt(r, "tail", 200))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleControlService(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.authorize(r, username, true); err != nil {
		respondError(w, r, err)
		return
	}
	out, err := s.containers.ControlService(r.Context(), username, chi.URLParam(r, "service"), chi.URLParam(r, "action"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"output": out})
}
