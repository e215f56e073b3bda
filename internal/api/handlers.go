// Package api provides HTTP handlers for OrderPilot endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/checkpoint"
	"github.com/BakeDesk/OrderPilot/internal/models"
)

// DefaultCheckpointListLimit bounds checkpoint listings when the client does
// not ask for a specific window.
const DefaultCheckpointListLimit = 20

// inboundMessageHandler accepts an inbound customer message over HTTP
// (POST /v1/messages/inbound) and runs it through the same dedup and engine
// path as transport-delivered messages. Replies leave via the outbox.
func (s *Server) inboundMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundMessageHandler: processing inbound message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundMessageHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var resp models.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		slog.Warn("Server.inboundMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if resp.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: from"))
		return
	}
	if resp.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}
	if resp.Time == 0 {
		resp.Time = time.Now().Unix()
	}

	s.router.ProcessResponse(r.Context(), resp)

	slog.Info("Server.inboundMessageHandler: message accepted", "from", resp.From, "messageID", resp.MessageID)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Message accepted", nil))
}

// flowsHandler routes /v1/flows and /v1/flows/{conversationID}.
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.flowsHandler: invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/v1/flows")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /v1/flows
		switch r.Method {
		case http.MethodGet:
			s.listFlowsHandler(w, r)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	conversationID := segments[0]

	if len(segments) == 1 {
		// /v1/flows/{conversationID}
		switch r.Method {
		case http.MethodGet:
			s.getFlowHandler(w, r, conversationID)
		case http.MethodDelete:
			s.clearFlowHandler(w, r, conversationID)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow endpoint"))
}

// listFlowsHandler handles GET /v1/flows.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	states := s.engine.States().ListActive()
	slog.Debug("Server.listFlowsHandler: returning active flows", "count", len(states))
	writeJSONResponse(w, http.StatusOK, models.Success(states))
}

// getFlowHandler handles GET /v1/flows/{conversationID}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	state := s.engine.States().Get(r.Context(), conversationID)
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active flow for conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// clearFlowHandler handles DELETE /v1/flows/{conversationID}. Clearing a flow
// is an operator action; the customer simply starts fresh on their next
// message.
func (s *Server) clearFlowHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	state := s.engine.States().Get(r.Context(), conversationID)
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active flow for conversation"))
		return
	}

	s.engine.States().Clear(r.Context(), conversationID)
	slog.Info("Server.clearFlowHandler: flow cleared", "conversationID", conversationID, "flowKind", state.FlowKind, "step", state.Step)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow cleared", nil))
}

// hitlHandler routes /v1/hitl and /v1/hitl/{caseID}/resolve.
func (s *Server) hitlHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.hitlHandler: invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/v1/hitl")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /v1/hitl
		switch r.Method {
		case http.MethodGet:
			s.listCasesHandler(w, r)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	caseID := segments[0]

	if len(segments) == 1 {
		// /v1/hitl/{caseID}
		switch r.Method {
		case http.MethodGet:
			s.getCaseHandler(w, r, caseID)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 && segments[1] == "resolve" {
		// /v1/hitl/{caseID}/resolve
		switch r.Method {
		case http.MethodPost:
			s.resolveCaseHandler(w, r, caseID)
		default:
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown hitl endpoint"))
}

// listCasesHandler handles GET /v1/hitl. An optional status query filters by
// lifecycle state; pending and resolved are accepted case-insensitively.
func (s *Server) listCasesHandler(w http.ResponseWriter, r *http.Request) {
	status := models.HitlStatus(strings.ToUpper(r.URL.Query().Get("status")))

	cases, err := s.hitl.List(status)
	if err != nil {
		slog.Error("Server.listCasesHandler: failed to list cases", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list cases"))
		return
	}
	slog.Debug("Server.listCasesHandler: returning cases", "count", len(cases), "status", status)
	writeJSONResponse(w, http.StatusOK, models.Success(cases))
}

// getCaseHandler handles GET /v1/hitl/{caseID}.
func (s *Server) getCaseHandler(w http.ResponseWriter, r *http.Request, caseID string) {
	c, err := s.hitl.Get(caseID)
	if err != nil {
		if errors.Is(err, models.ErrCaseNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Case not found"))
			return
		}
		slog.Error("Server.getCaseHandler: failed to load case", "caseID", caseID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load case"))
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Case not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// resolveRequest is the body of POST /v1/hitl/{caseID}/resolve.
type resolveRequest struct {
	ResolvedBy  string `json:"resolved_by"`
	Instruction string `json:"instruction,omitempty"`
}

// resolveCaseHandler handles POST /v1/hitl/{caseID}/resolve. Resolving is
// idempotent: the first call flips the case and notifies the customer, later
// calls report the already-resolved case unchanged.
func (s *Server) resolveCaseHandler(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.resolveCaseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ResolvedBy == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: resolved_by"))
		return
	}

	c, newlyResolved, err := s.hitl.Resolve(caseID, req.ResolvedBy, req.Instruction)
	if err != nil {
		if errors.Is(err, models.ErrCaseNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Case not found"))
			return
		}
		slog.Error("Server.resolveCaseHandler: failed to resolve case", "caseID", caseID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve case"))
		return
	}

	if !newlyResolved {
		slog.Info("Server.resolveCaseHandler: case already resolved", "caseID", caseID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Case already resolved", c))
		return
	}

	message := "Case resolved"
	if err := s.router.DispatchResolution(r.Context(), *c); err != nil {
		slog.Error("Server.resolveCaseHandler: customer notification failed", "caseID", caseID, "error", err)
		message = "Case resolved; customer notification failed"
	}

	slog.Info("Server.resolveCaseHandler: case resolved", "caseID", caseID, "resolvedBy", req.ResolvedBy)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(message, c))
}

// checkpointsHandler routes /v1/checkpoints/{conversationID} and
// /v1/checkpoints/{checkpointID}/restore.
func (s *Server) checkpointsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.checkpointsHandler: invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/v1/checkpoints")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown checkpoint endpoint"))
		return
	}

	if len(segments) == 1 {
		// /v1/checkpoints/{conversationID}
		switch r.Method {
		case http.MethodGet:
			s.listCheckpointsHandler(w, r, segments[0])
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 && segments[1] == "restore" {
		// /v1/checkpoints/{checkpointID}/restore
		switch r.Method {
		case http.MethodPost:
			s.restoreCheckpointHandler(w, r, segments[0])
		default:
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown checkpoint endpoint"))
}

// listCheckpointsHandler handles GET /v1/checkpoints/{conversationID},
// newest first.
func (s *Server) listCheckpointsHandler(w http.ResponseWriter, r *http.Request, conversationID string) {
	limit := DefaultCheckpointListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = n
	}

	checkpoints, err := s.engine.Checkpoints().List(conversationID, limit)
	if err != nil {
		slog.Error("Server.listCheckpointsHandler: failed to list checkpoints", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list checkpoints"))
		return
	}
	slog.Debug("Server.listCheckpointsHandler: returning checkpoints", "conversationID", conversationID, "count", len(checkpoints))
	writeJSONResponse(w, http.StatusOK, models.Success(checkpoints))
}

// restoreCheckpointHandler handles POST /v1/checkpoints/{checkpointID}/restore.
// The checkpointed state becomes the conversation's live state again.
func (s *Server) restoreCheckpointHandler(w http.ResponseWriter, r *http.Request, checkpointID string) {
	state, err := s.engine.RestoreCheckpoint(r.Context(), checkpointID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Checkpoint not found"))
			return
		}
		slog.Error("Server.restoreCheckpointHandler: restore failed", "checkpointID", checkpointID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to restore checkpoint"))
		return
	}

	slog.Info("Server.restoreCheckpointHandler: checkpoint restored",
		"checkpointID", checkpointID, "conversationID", state.ConversationID, "step", state.Step)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Checkpoint restored", state))
}

// receiptsHandler handles GET /v1/receipts, listing transport delivery
// receipts recorded by the router.
func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to list receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// responsesHandler handles GET /v1/responses, listing raw inbound customer
// messages as received from the transport.
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	responses, err := s.st.GetResponses()
	if err != nil {
		slog.Error("Server.responsesHandler: failed to list responses", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list responses"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	healthData["active_flows"] = len(s.engine.States().ListActive())

	if pending, err := s.hitl.List(models.HitlStatusPending); err != nil {
		slog.Warn("Server.healthHandler: failed to count pending cases", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch case metrics"
	} else {
		healthData["pending_cases"] = len(pending)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
