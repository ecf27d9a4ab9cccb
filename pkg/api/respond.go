package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/auth"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/types"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithComponent("api").Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request failed")
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Code: apperr.CodeOf(err)})
}

// httpStatus maps the error taxonomy onto HTTP: input 400, failed
// preconditions 401/403/409 by code, transient 503, everything else 500.
func httpStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInput:
		return http.StatusBadRequest
	case apperr.KindPrecondition:
		switch apperr.CodeOf(err) {
		case "unauthenticated":
			return http.StatusUnauthorized
		case "access_denied", "node_not_approved", "not_share_owner", "forbidden":
			return http.StatusForbidden
		default:
			return http.StatusConflict
		}
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Input("invalid_body", "malformed request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// principal authenticates the caller from the identity headers.
func (s *Server) principal(r *http.Request) (*auth.Principal, error) {
	return s.resolver.FromRequest(r)
}

// authorize checks that the caller may act on username's resources:
// the owner always, faculty and admin for reads, admin for writes.
func (s *Server) authorize(r *http.Request, username string, write bool) (*auth.Principal, error) {
	p, err := s.principal(r)
	if err != nil {
		return nil, err
	}
	if p.Username == username {
		return p, nil
	}
	if p.Role == types.RoleAdmin {
		return p, nil
	}
	if !write && p.Role == types.RoleFaculty {
		return p, nil
	}
	return nil, apperr.Precondition("access_denied", "%s may not act on %s", p.Username, username)
}

// requireAdmin gates the admin surfaces.
func (s *Server) requireAdmin(r *http.Request) (*auth.Principal, error) {
	p, err := s.principal(r)
	if err != nil {
		return nil, err
	}
	if p.Role != types.RoleAdmin {
		return nil, apperr.Precondition("access_denied", "admin role required")
	}
	return p, nil
}

// requestLogger logs each request and feeds the API metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())

		log.WithComponent("api").Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", elapsed).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}
