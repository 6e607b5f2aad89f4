package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/moltshield/internal/document"
	"github.com/raaihank/moltshield/internal/events"
	"github.com/raaihank/moltshield/internal/gatekeeper"
	"github.com/raaihank/moltshield/internal/policy"
	"github.com/raaihank/moltshield/internal/rehydrate"
	"github.com/raaihank/moltshield/internal/vault"
)

type sanitizeRequest struct {
	FilePath  string `json:"filepath"`
	SessionID string `json:"session_id,omitempty"`
	Seed      *int64 `json:"seed,omitempty"`
	Policy    string `json:"policy,omitempty"`
}

type sanitizeResponse struct {
	SessionID  string           `json:"session_id"`
	Input      string           `json:"input"`
	OutputPath string           `json:"output_path"`
	Document   string           `json:"document"`
	Stats      gatekeeper.Stats `json:"stats"`
}

// handleSanitize sanitizes a file from the input directory and returns the
// safe document.
func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req sanitizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	input, err := resolveWithin(s.config.Paths.InputDir, req.FilePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	svc := s.service
	if req.Policy != "" {
		if svc, err = s.serviceFor(req.Policy); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	seed := s.config.Shuffling.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}

	start := time.Now()
	fr, err := svc.SanitizeFile(r.Context(), input, s.config.Paths.OutputDir, sessionID, seed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sanitized, err := os.ReadFile(fr.Output)
	if err != nil {
		s.fail(w, r, fmt.Errorf("failed to read sanitized document: %w", err))
		return
	}
	elapsed := time.Since(start)

	stats := fr.Result.Stats
	s.publish(events.EventTypeSanitize, events.SanitizeEvent{
		SessionID:    sessionID,
		Document:     filepath.Base(input),
		Masked:       stats.Masked,
		Redacted:     stats.Redacted,
		Shuffled:     stats.Shuffled,
		Shadowed:     stats.Shadowed,
		Unshadowed:   stats.Unshadowed,
		ProcessingMS: float64(elapsed.Microseconds()) / 1000,
	})

	writeJSON(w, http.StatusOK, sanitizeResponse{
		SessionID:  sessionID,
		Input:      filepath.Base(input),
		OutputPath: fr.Output,
		Document:   string(sanitized),
		Stats:      stats,
	})
}

// serviceFor builds a one-off service running the named policy from the
// policy directory.
func (s *Server) serviceFor(name string) (*gatekeeper.Service, error) {
	path, err := resolveWithin(s.config.Policy.Dir, name)
	if err != nil {
		return nil, err
	}
	p, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(p, policy.WithDefaultShadows(s.config.ShadowMap))
	if err != nil {
		return nil, err
	}
	t := s.service.Transformer().WithEngine(engine)
	return gatekeeper.NewService(t, s.service.Manager(), s.logger.Logger), nil
}

type optimizationRequest struct {
	SessionID       string                 `json:"session_id"`
	ProposedChanges map[string]interface{} `json:"proposed_changes"`
	Rehydrate       bool                   `json:"rehydrate,omitempty"`
}

type optimizationResponse struct {
	Status         string   `json:"status"`
	SessionID      string   `json:"session_id"`
	ChangesCount   int      `json:"changes_count"`
	OutputPath     string   `json:"output_path"`
	RehydratedPath string   `json:"rehydrated_path,omitempty"`
	Restored       int      `json:"restored,omitempty"`
	Misses         []string `json:"misses,omitempty"`
}

// handleOptimization stores proposed changes that reference placeholders.
// With rehydrate set they are also restored into a sibling file.
func (s *Server) handleOptimization(w http.ResponseWriter, r *http.Request) {
	var req optimizationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := vault.ValidateSessionID(req.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.ProposedChanges) == 0 {
		writeError(w, http.StatusBadRequest, "missing proposed_changes")
		return
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"session_id":       req.SessionID,
		"proposed_changes": req.ProposedChanges,
		"submitted_at":     time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := os.MkdirAll(s.config.Paths.OutputDir, 0o755); err != nil {
		s.fail(w, r, fmt.Errorf("failed to create output directory: %w", err))
		return
	}
	out := filepath.Join(s.config.Paths.OutputDir, req.SessionID+"_optimization.json")
	if err := os.WriteFile(out, payload, 0o644); err != nil {
		s.fail(w, r, fmt.Errorf("failed to write optimization: %w", err))
		return
	}

	resp := optimizationResponse{
		Status:       "pending",
		SessionID:    req.SessionID,
		ChangesCount: len(req.ProposedChanges),
		OutputPath:   out,
	}
	if req.Rehydrate {
		path, rep, err := s.rehydrateFile(r.Context(), req.SessionID, out, false)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Status = "rehydrated"
		resp.RehydratedPath = path
		resp.Restored = rep.Restored
		resp.Misses = rep.Misses
	}

	s.logger.WithRequestID(requestID(r.Context())).Info("Optimization submitted",
		zap.String("session_id", req.SessionID),
		zap.Int("changes", resp.ChangesCount),
		zap.String("status", resp.Status))
	writeJSON(w, http.StatusAccepted, resp)
}

type rehydrateRequest struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"filepath"`
	InPlace   bool   `json:"in_place,omitempty"`
}

type rehydrateResponse struct {
	SessionID  string   `json:"session_id"`
	OutputPath string   `json:"output_path"`
	Restored   int      `json:"restored"`
	Misses     []string `json:"misses"`
}

// handleRehydrate restores an artifact from the output directory on disk.
// Restored values are written locally and never returned.
func (s *Server) handleRehydrate(w http.ResponseWriter, r *http.Request) {
	var req rehydrateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := vault.ValidateSessionID(req.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := resolveWithin(s.config.Paths.OutputDir, req.FilePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out, rep, err := s.rehydrateFile(r.Context(), req.SessionID, in, req.InPlace)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	misses := rep.Misses
	if misses == nil {
		misses = []string{}
	}
	writeJSON(w, http.StatusOK, rehydrateResponse{
		SessionID:  req.SessionID,
		OutputPath: out,
		Restored:   rep.Restored,
		Misses:     misses,
	})
}

func (s *Server) rehydrateFile(ctx context.Context, sessionID, in string, inPlace bool) (string, rehydrate.Report, error) {
	start := time.Now()
	var (
		out string
		rep rehydrate.Report
	)
	err := rehydrate.WithSession(ctx, s.service.Manager(), sessionID, s.service.Transformer().Prefixes(), func(rh *rehydrate.Rehydrator) error {
		var err error
		out, rep, err = rh.File(ctx, in, "", inPlace)
		return err
	})
	if err != nil {
		return "", rehydrate.Report{}, err
	}

	s.publish(events.EventTypeRehydrate, events.RehydrateEvent{
		SessionID:    sessionID,
		Artifact:     filepath.Base(in),
		Restored:     rep.Restored,
		Misses:       len(rep.Misses),
		ProcessingMS: float64(time.Since(start).Microseconds()) / 1000,
	})
	return out, rep, nil
}

// handlePolicies lists policy files in the policy directory.
func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := policy.List(s.config.Policy.Dir, s.config.Policy.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy_dir": s.config.Policy.Dir,
		"policies":   policies,
	})
}

// handleVaults lists persisted sessions without their values.
func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.Manager().Store().Sessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []vault.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":       s.config.Vault.Backend,
		"session_count": len(sessions),
		"sessions":      sessions,
	})
}

// handleVault describes one session.
func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]
	info, err := s.service.Manager().Store().Stat(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.hub != nil {
		resp["event_clients"] = s.hub.Stats().ActiveConnections
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v, answering 400 or 413 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps err to a status code. Internal failures are logged and answered
// with a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(requestID(r.Context())).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrOutsideRoot):
		return http.StatusForbidden
	case errors.Is(err, ErrFileNotFound), errors.Is(err, vault.ErrVaultNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInvalidSession), errors.Is(err, errMissingPath):
		return http.StatusBadRequest
	case errors.Is(err, document.ErrParse), errors.Is(err, policy.ErrInvalidPolicy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
