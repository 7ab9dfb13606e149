package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/mtzanidakis/agentflow/internal/chat"
	"github.com/mtzanidakis/agentflow/internal/flow"
	"github.com/mtzanidakis/agentflow/internal/gateway"
	"github.com/mtzanidakis/agentflow/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Graph
	mux.HandleFunc("GET /api/graph", s.getGraph)
	mux.HandleFunc("POST /api/graph/refresh", s.refreshGraph)
	mux.HandleFunc("PUT /api/graph/selection", s.setSelection)
	mux.HandleFunc("POST /api/graph/agent-form/toggle", s.toggleAgentForm)

	// Agents (persisted through the remote service)
	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.updateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.deleteAgent)

	// Local nodes and edges
	mux.HandleFunc("POST /api/nodes", s.addNode)
	mux.HandleFunc("POST /api/nodes/changes", s.applyNodeChanges)
	mux.HandleFunc("PATCH /api/nodes/{id}", s.updateNode)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.removeNode)
	mux.HandleFunc("POST /api/edges", s.addEdge)
	mux.HandleFunc("POST /api/edges/changes", s.applyEdgeChanges)

	// Chat
	mux.HandleFunc("GET /api/chat", s.getChat)
	mux.HandleFunc("POST /api/chat/messages", s.sendMessage)

	// Archive
	mux.HandleFunc("GET /api/history", s.getHistorySummary)
	mux.HandleFunc("GET /api/history/{agentID}", s.getHistory)
	mux.HandleFunc("GET /api/history/{agentID}/tasks", s.getTaskRuns)
	mux.HandleFunc("GET /api/history/{agentID}/export", s.exportHistory)
	mux.HandleFunc("GET /api/task-runs/{taskID}", s.getTaskRun)

	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.graph.Snapshot())
}

func (s *Server) refreshGraph(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.FetchAgents(r.Context()); err != nil {
		gatewayError(w, err)
		return
	}
	jsonResponse(w, s.graph.Snapshot())
}

func (s *Server) setSelection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.graph.SetSelectedAgent(body.ID); err != nil {
		graphError(w, err)
		return
	}
	jsonResponse(w, s.graph.Snapshot())
}

func (s *Server) toggleAgentForm(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]bool{"isAgentFormOpen": s.graph.ToggleAgentForm()})
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var in gateway.AgentCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	agent, err := s.graph.CreateAgent(r.Context(), in)
	if err != nil {
		gatewayError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, agent)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	var patch gateway.AgentUpdate
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	agent, err := s.graph.UpdateAgent(r.Context(), id, patch)
	if err != nil {
		gatewayError(w, err)
		return
	}
	jsonResponse(w, agent)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if err := s.graph.DeleteAgent(r.Context(), id); err != nil {
		gatewayError(w, err)
		return
	}
	// Transcripts stay archived; only the name table forgets the agent.
	if s.archive != nil {
		if err := s.archive.DeleteAgent(id); err != nil {
			slog.Warn("archive delete agent failed", "id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	var in flow.NodeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	node, err := s.graph.AddNode(in)
	if err != nil {
		graphError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, node)
}

func (s *Server) applyNodeChanges(w http.ResponseWriter, r *http.Request) {
	var changes []flow.NodeChange
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.graph.OnNodesChange(changes)
	jsonResponse(w, s.graph.Snapshot().Nodes)
}

func (s *Server) updateNode(w http.ResponseWriter, r *http.Request) {
	var patch flow.NodeDataPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.graph.UpdateNode(r.PathValue("id"), patch); err != nil {
		graphError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) removeNode(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.RemoveNode(r.PathValue("id")); err != nil {
		graphError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addEdge(w http.ResponseWriter, r *http.Request) {
	var conn flow.Connection
	if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	edge, err := s.graph.AddEdge(conn)
	if err != nil {
		graphError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, edge)
}

func (s *Server) applyEdgeChanges(w http.ResponseWriter, r *http.Request) {
	var changes []flow.EdgeChange
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.graph.OnEdgesChange(changes)
	jsonResponse(w, s.graph.Snapshot().Edges)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.chat.Snapshot())
}

// sendMessage answers 202 once the task is executing. Creation and
// execution failures are already in the returned transcript.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.chat.SendMessage(r.Context(), body.Text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrNoAgent):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrBusy):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		jsonStatus(w, http.StatusBadGateway, s.chat.Snapshot())
		return
	}
	jsonStatus(w, http.StatusAccepted, s.chat.Snapshot())
}

// getHistorySummary reports per-agent message counts and the latest
// messages across every agent.
func (s *Server) getHistorySummary(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		jsonError(w, "history archive disabled", http.StatusNotFound)
		return
	}
	stats, err := s.archive.GetAgentMessageStats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recent, err := s.archive.GetRecentMessages(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	agents := make([]store.AgentMessageStats, 0, len(stats))
	for _, id := range slices.Sorted(maps.Keys(stats)) {
		agents = append(agents, stats[id])
	}
	if recent == nil {
		recent = []store.Message{}
	}
	jsonResponse(w, map[string]any{"agents": agents, "recent": recent})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		jsonError(w, "history archive disabled", http.StatusNotFound)
		return
	}
	agentID, ok := pathInt(w, r, "agentID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.archive.GetMessages(agentID, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, msgs)
}

func (s *Server) getTaskRuns(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		jsonError(w, "history archive disabled", http.StatusNotFound)
		return
	}
	agentID, ok := pathInt(w, r, "agentID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.archive.ListTaskRuns(agentID, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getTaskRun(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		jsonError(w, "history archive disabled", http.StatusNotFound)
		return
	}
	taskID, ok := pathInt(w, r, "taskID")
	if !ok {
		return
	}
	run, err := s.archive.GetTaskRun(taskID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "task run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	graph := s.graph.Snapshot()
	conv := s.chat.Snapshot()
	status := map[string]any{
		"version":      s.version,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"agents":       len(graph.Agents),
		"nodes":        len(graph.Nodes),
		"edges":        len(graph.Edges),
		"chat_phase":   conv.Phase,
		"nats":         s.bus != nil,
		"ws_clients":   s.hub.Len(),
		"history":      s.archive != nil,
		"chat_running": conv.Executing,
	}
	jsonResponse(w, status)
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil || v <= 0 {
		jsonError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// gatewayError relays the remote service's status and detail. Failures
// without a response become 502, local validation failures 400.
func gatewayError(w http.ResponseWriter, err error) {
	code := gateway.StatusCode(err)
	switch {
	case errors.Is(err, gateway.ErrInvalid):
		code = http.StatusBadRequest
	case code == 0:
		code = http.StatusBadGateway
	}
	jsonError(w, gateway.ErrorMessage(err, err.Error()), code)
}

func graphError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrNodeNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, flow.ErrAgentMismatch):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
