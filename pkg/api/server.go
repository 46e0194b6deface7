// Package api exposes the execution core over HTTP: session management,
// intent submission, execution status and control, and the agent tool
// surface. Failures always return a structured envelope carrying the
// execution ID when one exists.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Meridian-Labs/meridian/core/pkg/artifacts"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/gateway"
	"github.com/Meridian-Labs/meridian/core/pkg/lifecycle"
	"github.com/Meridian-Labs/meridian/core/pkg/replay"
	"github.com/Meridian-Labs/meridian/core/pkg/session"
	"github.com/Meridian-Labs/meridian/core/pkg/tenancy"
)

// Server bundles the HTTP handlers over the core's collaborators.
type Server struct {
	sessions  *session.Manager
	manager   *lifecycle.Manager
	gateway   *gateway.Gateway
	ledger    *artifacts.Ledger
	replayer  *replay.Engine
	isolation *tenancy.IsolationChecker
	logger    *slog.Logger
}

// Options wires the server.
type Options struct {
	Sessions  *session.Manager
	Manager   *lifecycle.Manager
	Gateway   *gateway.Gateway
	Ledger    *artifacts.Ledger
	Replayer  *replay.Engine
	Isolation *tenancy.IsolationChecker // optional
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	return &Server{
		sessions:  opts.Sessions,
		manager:   opts.Manager,
		gateway:   opts.Gateway,
		ledger:    opts.Ledger,
		replayer:  opts.Replayer,
		isolation: opts.Isolation,
		logger:    slog.Default().With("component", "api"),
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler(rps float64, burst int) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions/{id}/upgrade", s.handleSessionUpgrade)

	mux.HandleFunc("POST /v1/intents", s.handleIntentSubmit)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleExecutionGet)
	mux.HandleFunc("GET /v1/executions/{id}/artifacts", s.handleExecutionArtifacts)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleExecutionCancel)
	mux.HandleFunc("POST /v1/executions/{id}/resume", s.handleExecutionResume)
	mux.HandleFunc("POST /v1/executions/{id}/replay", s.handleExecutionReplay)

	mux.HandleFunc("GET /v1/agents/{id}/tools", s.handleAgentTools)
	mux.HandleFunc("POST /v1/tools/{name}/invoke", s.handleToolInvoke)

	mux.HandleFunc("GET /v1/audit/isolation", s.handleIsolationAudit)
	mux.HandleFunc("POST /v1/audit/isolation/check", s.handleIsolationCheck)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var h http.Handler = mux
	h = WithRateLimit(rps, burst)(h)
	h = WithLogging(h)
	h = WithRequestID(h)
	return h
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metadata map[string]any `json:"metadata"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	sess, err := s.sessions.Create(r.Context(), body.Metadata)
	if err != nil {
		s.writeFailure(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionUpgrade(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token is required", "")
		return
	}
	sess, err := s.sessions.Upgrade(r.Context(), r.PathValue("id"), body.Token)
	if err != nil {
		s.writeFailure(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleIntentSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntentType string            `json:"intent_type"`
		SessionID  string            `json:"session_id"`
		Parameters map[string]any    `json:"parameters"`
		Metadata   map[string]any    `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", "")
		return
	}
	if body.IntentType == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "intent_type is required", "")
		return
	}

	// Tenancy comes from the session, never from the request body.
	tenantID := contracts.AnonymousTenant
	if body.SessionID != "" {
		sess, err := s.sessions.Get(r.Context(), body.SessionID)
		if err != nil {
			s.writeFailure(w, err, "")
			return
		}
		tenantID = sess.TenantID
	}

	result, err := s.manager.Execute(r.Context(), contracts.Intent{
		IntentType: body.IntentType,
		TenantID:   tenantID,
		SessionID:  body.SessionID,
		Parameters: body.Parameters,
		Metadata:   body.Metadata,
	})
	if err != nil {
		executionID := ""
		if result != nil {
			executionID = result.ExecutionID
		}
		s.writeFailure(w, err, executionID)
		return
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	exec, err := s.manager.GetExecution(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err, r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.GetExecution(id); err != nil {
		s.writeFailure(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"artifacts":    s.ledger.ForExecution(id),
	})
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		s.writeFailure(w, err, id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "cancelling"})
}

func (s *Server) handleExecutionResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.manager.Resume(r.Context(), id)
	if err != nil && result == nil {
		s.writeFailure(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecutionReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := s.replayer.Replay(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgentTools(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	tools := s.gateway.ListAllowedTools(agentID)
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"cost":        t.Cost,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "tools": out})
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID   string         `json:"agent_id"`
		SessionID string         `json:"session_id"`
		Params    map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "agent_id is required", "")
		return
	}

	tenantID := contracts.AnonymousTenant
	if body.SessionID != "" {
		sess, err := s.sessions.Get(r.Context(), body.SessionID)
		if err != nil {
			s.writeFailure(w, err, "")
			return
		}
		tenantID = sess.TenantID
	}

	result, err := s.gateway.Invoke(r.Context(), body.AgentID, r.PathValue("name"), tenantID, body.SessionID, body.Params)
	if err != nil {
		executionID := ""
		if result != nil {
			executionID = result.ExecutionID
		}
		s.writeFailure(w, err, executionID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleIsolationAudit reports whether any resource was ever claimed by more
// than one tenant since boot.
func (s *Server) handleIsolationAudit(w http.ResponseWriter, r *http.Request) {
	if s.isolation == nil {
		writeError(w, http.StatusNotFound, "audit_unavailable", "isolation auditing is not enabled", "")
		return
	}
	isolated, violations := s.isolation.VerifyIsolation()
	writeJSON(w, http.StatusOK, map[string]any{
		"isolated":   isolated,
		"violations": violations,
	})
}

// handleIsolationCheck verifies a tenant against the owner index and returns
// the receipt. Violating checks still return 200; the receipt is the answer.
func (s *Server) handleIsolationCheck(w http.ResponseWriter, r *http.Request) {
	if s.isolation == nil {
		writeError(w, http.StatusNotFound, "audit_unavailable", "isolation auditing is not enabled", "")
		return
	}
	var body struct {
		TenantID  string   `json:"tenant_id"`
		Resources []string `json:"resources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TenantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_id is required", "")
		return
	}
	writeJSON(w, http.StatusOK, s.isolation.CheckAccess(body.TenantID, body.Resources))
}

// errorEnvelope is the structured failure body. ExecutionID is present
// whenever the failure happened after an execution was accepted.
type errorEnvelope struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// writeFailure maps domain errors onto HTTP statuses and the envelope.
func (s *Server) writeFailure(w http.ResponseWriter, err error, executionID string) {
	var policyErr *contracts.PolicyDeniedError
	var tenancyErr *contracts.TenancyViolationError
	var toolErr *contracts.ToolNotAllowedError
	var handlerErr *contracts.HandlerFailure
	var walErr *contracts.WalWriteError

	switch {
	case errors.Is(err, contracts.ErrCapabilityNotFound):
		writeError(w, http.StatusNotFound, "capability_not_found", err.Error(), executionID)
	case errors.Is(err, contracts.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution_not_found", err.Error(), executionID)
	case errors.Is(err, contracts.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error(), executionID)
	case errors.As(err, &policyErr):
		writeError(w, http.StatusForbidden, "policy_denied", policyErr.Error(), executionID)
	case errors.As(err, &tenancyErr):
		writeError(w, http.StatusForbidden, "tenancy_violation", tenancyErr.Error(), executionID)
	case errors.As(err, &toolErr):
		writeError(w, http.StatusForbidden, "tool_not_allowed", toolErr.Error(), executionID)
	case errors.Is(err, gateway.ErrBudgetExhausted):
		writeError(w, http.StatusTooManyRequests, "budget_exhausted", err.Error(), executionID)
	case errors.Is(err, lifecycle.ErrCancelled):
		writeError(w, http.StatusConflict, "cancelled", err.Error(), executionID)
	case errors.As(err, &walErr):
		s.logger.Error("durability failure", "error", err)
		writeError(w, http.StatusServiceUnavailable, "wal_unavailable", "durability layer unavailable", walErr.ExecutionID)
	case errors.As(err, &handlerErr):
		writeError(w, http.StatusUnprocessableEntity, "execution_failed", handlerErr.Error(), handlerErr.ExecutionID)
	default:
		writeError(w, http.StatusBadRequest, "request_failed", err.Error(), executionID)
	}
}

func writeError(w http.ResponseWriter, status int, code, message, executionID string) {
	writeJSON(w, status, errorEnvelope{Error: message, Code: code, ExecutionID: executionID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
