package api

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/types"
)

// handleAuthVerify answers the proxy's forward-auth callback. 2xx
// allows the forwarded request through.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	p, err := s.verifier.Verify(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("X-Hydra-User", p.Username)
	w.Header().Set("X-Hydra-Role", string(p.Role))
	respondJSON(w, http.StatusOK, p)
}

type serversStatusResponse struct {
	Nodes     map[string]*types.NodeHealth `json:"nodes"`
	Collector json.RawMessage              `json:"collector,omitempty"`
	Timestamp time.Time                    `json:"timestamp"`
}

// handleServersStatus fans out a health probe to every catalog node and
// attaches the external metrics collector's cache when present.
func (s *Server) handleServersStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r); err != nil {
		respondError(w, r, err)
		return
	}

	res := serversStatusResponse{
		Nodes:     make(map[string]*types.NodeHealth),
		Timestamp: time.Now().UTC(),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(r.Context())
	for _, node := range s.catalog.Nodes() {
		g.Go(func() error {
			health, err := s.orch.NodeHealth(ctx, node.Name)
			if err != nil {
				health = &types.NodeHealth{Name: node.Name, Reachable: false, Error: err.Error()}
			}
			mu.Lock()
			res.Nodes[node.Name] = health
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if raw, err := os.ReadFile(s.cfg.ServerStatusCachePath); err == nil && json.Valid(raw) {
		res.Collector = raw
	} else if err != nil && !os.IsNotExist(err) {
		log.WithComponent("api").Warn().Err(err).Msg("failed to read server status cache")
	}

	respondJSON(w, http.StatusOK, res)
}
