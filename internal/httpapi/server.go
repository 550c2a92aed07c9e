// Package httpapi is the loopback HTTP surface the UI shell talks to. It is
// a thin translation layer over the sync client: JSON in, JSON out, engine
// errors mapped onto status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tontinelabs/offsync/internal/offsync"
)

type ServerConfig struct {
	MaxBodyBytes int64
	// SyncTimeout bounds the blocking POST /v1/sync call.
	SyncTimeout time.Duration
}

type Server struct {
	client  *offsync.Client
	cfg     ServerConfig
	metrics http.Handler
}

func NewServer(client *offsync.Client) *Server {
	return NewServerWithConfig(client, ServerConfig{})
}

func NewServerWithConfig(client *offsync.Client, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	return &Server{
		client:  client,
		cfg:     cfg,
		metrics: promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodGet:
		s.handleActions(w, r)
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodGet:
		s.handleAction(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "actions" && parts[3] == "dismiss" && r.Method == http.MethodPost:
		s.handleDismiss(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "actions" && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "contributions" && r.Method == http.MethodPost:
		s.handleContribute(w, r)
	case len(parts) == 2 && parts[1] == "memberships" && r.Method == http.MethodPost:
		s.handleJoinGroup(w, r)
	case len(parts) == 2 && parts[1] == "payouts" && r.Method == http.MethodPost:
		s.handleRequestPayout(w, r)
	case len(parts) == 2 && parts[1] == "profile" && r.Method == http.MethodPut:
		s.handleUpdateProfile(w, r)
	case len(parts) == 2 && parts[1] == "groups" && r.Method == http.MethodGet:
		s.handleGroups(w, r)
	case len(parts) == 3 && parts[1] == "groups" && parts[2] == "mine" && r.Method == http.MethodGet:
		s.handleMyGroups(w, r)
	case len(parts) == 3 && parts[1] == "groups" && r.Method == http.MethodGet:
		s.handleGroup(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "groups" && parts[3] == "contributions" && r.Method == http.MethodGet:
		s.handleContributions(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pending, err := s.client.PendingActionCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	meta, err := s.client.Metadata()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	quality := s.client.Quality()
	writeJSON(w, http.StatusOK, struct {
		Quality      string               `json:"quality"`
		Online       bool                 `json:"online"`
		PendingCount int                  `json:"pendingCount"`
		Metadata     offsync.SyncMetadata `json:"metadata"`
	}{
		Quality:      string(quality),
		Online:       quality.Online(),
		PendingCount: pending,
		Metadata:     meta,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()
	result, err := s.client.ForceSync(ctx)
	if err != nil {
		if errors.Is(err, offsync.ErrOffline) {
			writeError(w, http.StatusServiceUnavailable, "offline", "device is offline")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleActions(w http.ResponseWriter, _ *http.Request) {
	actions, err := s.client.Actions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Actions []offsync.OfflineAction `json:"actions"`
	}{Actions: actions})
}

func (s *Server) handleAction(w http.ResponseWriter, _ *http.Request, id string) {
	action, err := s.client.Action(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleDismiss(w http.ResponseWriter, _ *http.Request, id string) {
	if err := s.client.Dismiss(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed", "actionId": id})
}

func (s *Server) handleRetry(w http.ResponseWriter, _ *http.Request, id string) {
	action, err := s.client.Retry(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	var req offsync.ContributionRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	s.writeOutcome(w, r, func(ctx context.Context) (offsync.WriteOutcome, error) {
		return s.client.Contribute(ctx, req)
	})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req offsync.JoinGroupRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	s.writeOutcome(w, r, func(ctx context.Context) (offsync.WriteOutcome, error) {
		return s.client.JoinGroup(ctx, req)
	})
}

func (s *Server) handleRequestPayout(w http.ResponseWriter, r *http.Request) {
	var req offsync.PayoutRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	s.writeOutcome(w, r, func(ctx context.Context) (offsync.WriteOutcome, error) {
		return s.client.RequestPayout(ctx, req)
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req offsync.ProfileUpdate
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	s.writeOutcome(w, r, func(ctx context.Context) (offsync.WriteOutcome, error) {
		return s.client.UpdateProfile(ctx, req)
	})
}

// writeOutcome maps the three write endings onto status codes: applied 200,
// queued 202, rejected 4xx with the validation detail.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, do func(context.Context) (offsync.WriteOutcome, error)) {
	outcome, err := do(r.Context())
	switch outcome.Status {
	case offsync.WriteApplied:
		writeJSON(w, http.StatusOK, outcome)
	case offsync.WriteQueued:
		writeJSON(w, http.StatusAccepted, outcome)
	default:
		status := http.StatusBadRequest
		code := "rejected"
		if err != nil && errors.Is(err, offsync.ErrDuplicateEffect) {
			status = http.StatusConflict
			code = "duplicate"
		} else if err != nil && errors.Is(err, offsync.ErrQueueFull) {
			status = http.StatusTooManyRequests
			code = "queue_full"
			w.Header().Set("Retry-After", "60")
		}
		writeJSON(w, status, struct {
			Code    string               `json:"code"`
			Message string               `json:"message"`
			Outcome offsync.WriteOutcome `json:"outcome"`
		}{Code: code, Message: outcome.Detail, Outcome: outcome})
	}
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	s.writeSnapshot(w, s.client.Groups)
}

func (s *Server) handleMyGroups(w http.ResponseWriter, _ *http.Request) {
	s.writeSnapshot(w, s.client.MyGroups)
}

func (s *Server) handleGroup(w http.ResponseWriter, _ *http.Request, groupID string) {
	s.writeSnapshot(w, func() (offsync.Snapshot, error) {
		return s.client.Group(groupID)
	})
}

func (s *Server) handleContributions(w http.ResponseWriter, _ *http.Request, groupID string) {
	s.writeSnapshot(w, func() (offsync.Snapshot, error) {
		return s.client.Contributions(groupID)
	})
}

func (s *Server) writeSnapshot(w http.ResponseWriter, get func() (offsync.Snapshot, error)) {
	snapshot, err := get()
	if err != nil {
		if errors.Is(err, offsync.ErrNoCachedData) {
			writeError(w, http.StatusServiceUnavailable, "no_cached_data", "no cached data for this resource yet")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, offsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, offsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, offsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, offsync.ErrQueueFull):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
