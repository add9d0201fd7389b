// Package api exposes the control plane over HTTP: the session surface
// used by operators and the callback surface used by remote workers.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/connectors"
	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/orchestrator"
	"github.com/stiwari2004/bot-sub000/pkg/runbook"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/telemetry"
)

// Server is the control-plane HTTP API.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	engine       *engine.Engine
	store        *stores.SQLiteStore
	projector    *orchestrator.Projector
	runbooks     *runbook.Parser
	metrics      *telemetry.Metrics
	logger       zerolog.Logger
}

// NewServer creates the API server. metrics may be nil.
func NewServer(
	orch *orchestrator.Orchestrator,
	eng *engine.Engine,
	store *stores.SQLiteStore,
	projector *orchestrator.Projector,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		orchestrator: orch,
		engine:       eng,
		store:        store,
		projector:    projector,
		runbooks:     runbook.NewParser(),
		metrics:      metrics,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", s.handleEnqueueSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("POST /api/v1/sessions/{id}/approval", s.handleApproval)
	mux.HandleFunc("POST /api/v1/sessions/{id}/control", s.handleControl)
	mux.HandleFunc("POST /api/v1/sessions/{id}/abandon", s.handleAbandon)
	mux.HandleFunc("POST /api/v1/sessions/{id}/commands", s.handleManualCommand)

	mux.HandleFunc("POST /api/v1/workers", s.handleRegisterWorker)
	mux.HandleFunc("POST /api/v1/workers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)
	mux.HandleFunc("POST /api/v1/assignments/{id}/ack", s.handleAckAssignment)
	mux.HandleFunc("POST /api/v1/events", s.handleIngestEvent)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

// EnqueueSessionRequest is the body of POST /api/v1/sessions.
type EnqueueSessionRequest struct {
	TenantID       string                       `json:"tenant_id"`
	TicketID       string                       `json:"ticket_id,omitempty"`
	Runbook        string                       `json:"runbook"`
	Connection     *connectors.ConnectionConfig `json:"connection"`
	IdempotencyKey string                       `json:"idempotency_key,omitempty"`
}

func (s *Server) handleEnqueueSession(w http.ResponseWriter, r *http.Request) {
	var req EnqueueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TenantID == "" || req.Runbook == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id and runbook are required")
		return
	}

	rb, err := s.runbooks.Parse([]byte(req.Runbook))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.orchestrator.EnqueueSession(r.Context(), orchestrator.EnqueueParams{
		TenantID:       req.TenantID,
		RunbookID:      rb.ID,
		TicketID:       req.TicketID,
		Steps:          rb.StepSpecs(),
		Connection:     req.Connection,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.SessionStarted(req.TenantID)
	s.writeJSON(w, http.StatusCreated, session)
}

// SessionResponse is the full session view returned by GET.
type SessionResponse struct {
	Session    *engine.ExecutionSession     `json:"session"`
	Steps      []*engine.ExecutionStep      `json:"steps"`
	Connection *connectors.ConnectionConfig `json:"connection,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	steps, err := s.store.GetSteps(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := SessionResponse{Session: session, Steps: steps}
	// Connection metadata is best-effort: a never-assigned session has
	// none. Only the redacted view ever leaves the API.
	if conn, err := s.orchestrator.LatestSanitizedConnection(r.Context(), id); err == nil {
		resp.Connection = conn
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	status := engine.SessionStatus(r.URL.Query().Get("status"))
	if status != "" {
		if err := status.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := s.store.ListSessions(r.Context(), tenantID, status, limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	afterID := int64(queryInt(r, "after_id", 0))
	limit := queryInt(r, "limit", 200)

	events, err := s.store.ListEventsSince(r.Context(), id, afterID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ApprovalRequest is the body of POST /api/v1/sessions/{id}/approval.
type ApprovalRequest struct {
	StepNumber int    `json:"step_number"`
	Approve    bool   `json:"approve"`
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	session, err := s.engine.ApproveStep(r.Context(), id, req.StepNumber, req.Approve, req.ApprovedBy)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// An approval unblocks the gated step on whichever worker picks up
	// the republished assignment. A rejection already failed the session.
	if req.Approve && !session.Status.IsTerminal() {
		if _, err := s.orchestrator.RepublishAssignment(r.Context(), id); err != nil && !engine.IsNotFound(err) {
			s.writeDomainError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, session)
}

// ControlRequest is the body of POST /api/v1/sessions/{id}/control.
type ControlRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	User   string `json:"user,omitempty"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	action := engine.ControlAction(req.Action)
	session, err := s.orchestrator.ControlSession(r.Context(), id, action, req.Reason, req.User)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if action == engine.ControlActionRollback {
		s.metrics.CommandSubmitted(orchestrator.CommandActionRollback)
	}
	// Resuming a remotely executed session needs a fresh assignment so a
	// worker continues from the current step.
	if action == engine.ControlActionResume {
		if _, err := s.orchestrator.RepublishAssignment(r.Context(), id); err != nil && !engine.IsNotFound(err) {
			s.writeDomainError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// ManualCommandRequest is the body of POST /api/v1/sessions/{id}/commands.
type ManualCommandRequest struct {
	Command        string `json:"command"`
	Shell          string `json:"shell,omitempty"`
	RunAs          string `json:"run_as,omitempty"`
	Reason         string `json:"reason,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	User           string `json:"user"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleManualCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ManualCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	event, err := s.orchestrator.SubmitManualCommand(r.Context(), id, orchestrator.ManualCommandParams{
		Command:        req.Command,
		Shell:          req.Shell,
		RunAs:          req.RunAs,
		Reason:         req.Reason,
		TimeoutSeconds: req.TimeoutSeconds,
		User:           req.User,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.CommandSubmitted(orchestrator.CommandActionExecute)
	s.writeJSON(w, http.StatusAccepted, event)
}

// RegisterWorkerRequest is the body of POST /api/v1/workers.
type RegisterWorkerRequest struct {
	ID             string   `json:"id"`
	Capabilities   []string `json:"capabilities"`
	NetworkSegment string   `json:"network_segment,omitempty"`
	MaxConcurrency int      `json:"max_concurrency"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "worker id is required")
		return
	}

	record := &stores.WorkerRecord{
		ID:             req.ID,
		Capabilities:   req.Capabilities,
		NetworkSegment: req.NetworkSegment,
		MaxConcurrency: req.MaxConcurrency,
	}
	if err := s.store.RegisterWorker(r.Context(), record); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

// HeartbeatRequest is the body of POST /api/v1/workers/{id}/heartbeat.
type HeartbeatRequest struct {
	CurrentLoad int `json:"current_load"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.store.HeartbeatWorker(r.Context(), r.PathValue("id"), req.CurrentLoad); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// AckAssignmentRequest is the body of POST /api/v1/assignments/{id}/ack.
type AckAssignmentRequest struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
}

func (s *Server) handleAckAssignment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req AckAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	assignment, err := s.store.GetLatestAssignment(r.Context(), req.SessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Acknowledging a superseded attempt is a miss: the worker should
	// drop it and wait for the current assignment.
	if assignment.ID != id {
		s.writeError(w, http.StatusNotFound, "assignment superseded")
		return
	}

	err = s.projector.Apply(r.Context(), &orchestrator.WorkerEvent{
		SessionID: req.SessionID,
		EventType: engine.EventWorkerAssignmentAcknowledged,
		WorkerID:  req.WorkerID,
	}, 0)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var event orchestrator.WorkerEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if event.SessionID == "" || event.EventType == "" {
		s.writeError(w, http.StatusBadRequest, "session_id and event_type are required")
		return
	}
	if err := s.projector.Apply(r.Context(), &event, 0); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err.Error())
	case engine.IsDuplicateRequest(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case engine.IsInvalidState(err):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
