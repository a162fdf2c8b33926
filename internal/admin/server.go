// Package admin serves the local operator API: health, metrics,
// instance and reputation introspection, and the manual reconciliation
// trigger.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/deals"
	"github.com/graphmesh/graphmesh/internal/instance"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/internal/reputation"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// Server is the admin HTTP API. It binds to a local interface and
// authenticates with a configured token exchanged for a session JWT.
type Server struct {
	nodeName   string
	version    string
	listen     string
	adminToken string
	signingKey []byte

	registry   *instance.Registry
	tracker    *reputation.Tracker
	reconciler *deals.Reconciler
	mirror     *deals.Mirror

	mux  *http.ServeMux
	http *http.Server
}

// NewServer creates the admin server. The reconciler and mirror may be
// nil when deal reconciliation is disabled.
func NewServer(nodeName, version, listen, adminToken string, registry *instance.Registry, tracker *reputation.Tracker, reconciler *deals.Reconciler, mirror *deals.Mirror) (*Server, error) {
	if adminToken == "" {
		return nil, fmt.Errorf("admin token must be configured")
	}
	key, err := newSigningKey()
	if err != nil {
		return nil, err
	}
	s := &Server{
		nodeName:   nodeName,
		version:    version,
		listen:     listen,
		adminToken: adminToken,
		signingKey: key,
		registry:   registry,
		tracker:    tracker,
		reconciler: reconciler,
		mirror:     mirror,
		mux:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/v1/auth", s.handleAuth)
	s.mux.HandleFunc("/api/v1/instances", s.withAuth(s.handleInstances))
	s.mux.HandleFunc("/api/v1/reputation", s.withAuth(s.handleReputation))
	s.mux.HandleFunc("/api/v1/reputation/", s.withAuth(s.handleReputationByHost))
	s.mux.HandleFunc("/api/v1/reconcile", s.withAuth(s.handleReconcile))
	s.mux.HandleFunc("/api/v1/deals", s.withAuth(s.handleDeals))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the admin server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{Addr: s.listen, Handler: s}
	log.Info().Str("listen", s.listen).Msg("starting admin server")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		if _, err := s.ValidateToken(parts[1]); err != nil {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := proto.HealthResponse{
		Status:            "ok",
		Name:              s.nodeName,
		Version:           s.version,
		EphemeralActive:   s.registry.EphemeralCount(),
		EphemeralCapacity: s.registry.Capacity(),
		KnownHosts:        s.tracker.KnownHosts(),
	}
	if s.reconciler != nil {
		if res, at, err, ok := s.reconciler.Last(); ok {
			resp.LastReconcile = &res
			resp.LastReconcileAt = &at
			if err != nil {
				resp.ReconcileError = err.Error()
			}
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.adminToken)) != 1 {
		s.jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.GenerateToken()
	if err != nil {
		s.jsonError(w, "failed to generate token: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, proto.AuthResponse{Token: token})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.registry.ListActive())
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.tracker.Summaries())
}

func (s *Server) handleReputationByHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	host := strings.TrimPrefix(r.URL.Path, "/api/v1/reputation/")
	if host == "" {
		s.jsonError(w, "host required", http.StatusBadRequest)
		return
	}
	sum, ok := s.tracker.Summary(host)
	if !ok {
		s.jsonError(w, "host not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, sum)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reconciler == nil {
		s.jsonError(w, "deal reconciliation disabled", http.StatusConflict)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	res, err := s.reconciler.Reconcile(ctx)
	resp := proto.ReconcileResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.mirror == nil {
		s.jsonError(w, "deal reconciliation disabled", http.StatusConflict)
		return
	}
	list, err := s.mirror.List(r.Context())
	if err != nil {
		s.jsonError(w, "list deals: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, list)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
