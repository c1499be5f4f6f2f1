package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/engine"
	"github.com/harun/procd/pkg/store"
)

const maxBodyBytes = 1 << 20

func (s *Server) registerREST(mux *http.ServeMux) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, s.requireSecret(fn))
	}

	handle("GET /agents", s.handleListAgents)
	handle("GET /agents/{agent}", s.handleDescribeAgent)
	handle("POST /agents/{agent}/processes", s.handleCreateProcess)
	handle("GET /agents/{agent}/processes", s.handleListProcesses)
	handle("GET /agents/{agent}/processes/{pid}/status", s.handleGetStatus)
	handle("DELETE /agents/{agent}/processes/{pid}", s.handleDeleteProcess)
	handle("POST /agents/{agent}/processes/{pid}/actions/{op}", s.handleAction)
	handle("POST /agents/{agent}/actions/{op}", s.handleAction)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an engine error. A failure recorded on the process
// returns its status so the caller sees the same state a later status call
// would.
func writeError(w http.ResponseWriter, err error) {
	code := engine.StatusCode(err)
	if code == engine.StatusClientClosed {
		return
	}

	var engineErr *engine.Error
	if errors.As(err, &engineErr) && engineErr.Status != nil {
		writeJSON(w, code, engineErr.Status)
		return
	}
	writeJSON(w, code, map[string]interface{}{"detail": err.Error()})
}

// readInput decodes an optional JSON body. An empty body is a nil input.
func readInput(r *http.Request) (interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var input interface{}
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return input, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.engine.ListAgents()})
}

func (s *Server) handleDescribeAgent(w http.ResponseWriter, r *http.Request) {
	desc, err := s.engine.DescribeAgent(r.PathValue("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	input, err := readInput(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"detail": err.Error()})
		return
	}

	processID := ""
	if body, ok := input.(map[string]interface{}); ok {
		if id, ok := body["process_id"].(string); ok {
			processID = id
		}
	}

	status, err := s.engine.CreateProcess(s.requestContext(r), r.PathValue("agent"), processID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"detail": err.Error()})
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"detail": err.Error()})
		return
	}

	page, err := s.engine.ListProcesses(r.Context(), r.PathValue("agent"), store.Page{Skip: skip, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context(), r.PathValue("agent"), r.PathValue("pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.DeleteProcess(s.requestContext(r), r.PathValue("agent"), r.PathValue("pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAction dispatches an operation. Callers accepting
// text/event-stream get every event as it happens; everyone else gets the
// final status. Without a pid in the path a new process id is generated.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	input, err := readInput(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"detail": err.Error()})
		return
	}

	ctx := s.requestContext(r)
	req := engine.Request{
		AgentType: r.PathValue("agent"),
		ProcessID: r.PathValue("pid"),
		Operation: r.PathValue("op"),
		Input:     input,
	}

	run, err := s.engine.Dispatch(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if !acceptsEventStream(r) {
		status, err := run.Wait()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	sse, err := newSSEWriter(w)
	if err != nil {
		logger.Error().Err(err).Msg("Streaming unsupported by response writer")
		status, err := run.Wait()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	observability.AddStreamSubscribers(1)
	defer observability.AddStreamSubscribers(-1)

	w.Header().Set("X-Process-Id", run.ProcessID)
	sse.start()
	for e := range run.Events() {
		if err := sse.event(string(e.Kind), e); err != nil {
			logger.Debug().Err(err).Msg("SSE client went away")
			break
		}
	}
	// Drain in the background; the run ends once ctx is canceled.
	go run.Wait()
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
