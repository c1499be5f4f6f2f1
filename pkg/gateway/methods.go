package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/engine"
	"github.com/harun/procd/pkg/event"
	"github.com/harun/procd/pkg/store"
)

const watchBuffer = 64

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("agents.list", s.handleAgentsList)
	_ = s.RegisterMethod("agents.describe", s.handleAgentsDescribe)
	_ = s.RegisterMethod("process.create", s.handleProcessCreate)
	_ = s.RegisterMethod("process.status", s.handleProcessStatus)
	_ = s.RegisterMethod("process.list", s.handleProcessList)
	_ = s.RegisterMethod("process.delete", s.handleProcessDelete)
	_ = s.RegisterMethod("process.dispatch", s.handleProcessDispatch)
	_ = s.RegisterMethod("process.stream", s.handleProcessStream)
	_ = s.RegisterMethod("process.watch", s.handleProcessWatch)
	_ = s.RegisterMethod("process.unwatch", s.handleProcessUnwatch)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, exists := params[name]
	if !exists || raw == nil {
		if required {
			return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter is required", name)}
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter must be a string", name)}
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter is required", name)}
	}
	return value, nil
}

func intParam(params map[string]interface{}, name string) (int, error) {
	raw, exists := params[name]
	if !exists || raw == nil {
		return 0, nil
	}
	value, ok := raw.(float64)
	if !ok || value < 0 || value != float64(int(value)) {
		return 0, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter must be a non-negative integer", name)}
	}
	return int(value), nil
}

func processParams(params map[string]interface{}) (string, string, error) {
	agentType, err := stringParam(params, "agent", true)
	if err != nil {
		return "", "", err
	}
	processID, err := stringParam(params, "process_id", true)
	if err != nil {
		return "", "", err
	}
	return agentType, processID, nil
}

func dispatchParams(params map[string]interface{}) (engine.Request, error) {
	agentType, err := stringParam(params, "agent", true)
	if err != nil {
		return engine.Request{}, err
	}
	processID, err := stringParam(params, "process_id", false)
	if err != nil {
		return engine.Request{}, err
	}
	operation, err := stringParam(params, "operation", true)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{
		AgentType: agentType,
		ProcessID: processID,
		Operation: operation,
		Input:     params["input"],
	}, nil
}

func (s *Server) handleAgentsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"agents": s.engine.ListAgents(),
	}, nil
}

func (s *Server) handleAgentsDescribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentType, err := stringParam(params, "agent", true)
	if err != nil {
		return nil, err
	}
	return s.engine.DescribeAgent(agentType)
}

func (s *Server) handleProcessCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentType, err := stringParam(params, "agent", true)
	if err != nil {
		return nil, err
	}
	processID, err := stringParam(params, "process_id", false)
	if err != nil {
		return nil, err
	}
	return s.engine.CreateProcess(ctx, agentType, processID)
}

func (s *Server) handleProcessStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentType, processID, err := processParams(params)
	if err != nil {
		return nil, err
	}
	return s.engine.Status(ctx, agentType, processID)
}

func (s *Server) handleProcessList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentType, err := stringParam(params, "agent", true)
	if err != nil {
		return nil, err
	}
	skip, err := intParam(params, "skip")
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	return s.engine.ListProcesses(ctx, agentType, store.Page{Skip: skip, Limit: limit})
}

func (s *Server) handleProcessDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	agentType, processID, err := processParams(params)
	if err != nil {
		return nil, err
	}
	return s.engine.DeleteProcess(ctx, agentType, processID)
}

// handleProcessDispatch runs an operation and returns the final status.
func (s *Server) handleProcessDispatch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := dispatchParams(params)
	if err != nil {
		return nil, err
	}
	return s.engine.Invoke(ctx, req)
}

// handleProcessStream runs an operation and forwards every event to the
// calling websocket client before the final response.
func (s *Server) handleProcessStream(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: WebsocketOnly, Message: "process.stream requires a websocket connection"}
	}
	req, err := dispatchParams(params)
	if err != nil {
		return nil, err
	}

	run, err := s.engine.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	requestID := rpcRequestIDFromContext(ctx)
	traceID := tracing.GetTraceID(ctx)
	for e := range run.Events() {
		_ = s.broadcaster.SendToClient(client, EventMessage{
			Event:     string(e.Kind),
			Stream:    StreamTypeRun,
			RequestID: requestID,
			AgentType: run.AgentType,
			ProcessID: run.ProcessID,
			TraceID:   traceID,
			Data:      e,
		})
	}

	<-run.Done()
	return run.Result()
}

// handleProcessWatch subscribes the calling client to every event of a
// process, whichever caller started the run.
func (s *Server) handleProcessWatch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: WebsocketOnly, Message: "process.watch requires a websocket connection"}
	}
	hub := s.engine.Hub()
	if hub == nil {
		return nil, &RPCError{Code: InternalError, Message: "event hub is not configured"}
	}
	agentType, processID, err := processParams(params)
	if err != nil {
		return nil, err
	}
	if !s.engine.Registry().Has(agentType) {
		return nil, &RPCError{
			Code:    ProcessError,
			Message: fmt.Sprintf("agent type %s not found", agentType),
			Data:    map[string]interface{}{"status_code": 404},
		}
	}

	key := event.Key(agentType, processID)
	events, cancel := hub.Subscribe(key, watchBuffer)
	if !client.addWatch(key, cancel) {
		cancel()
		return map[string]interface{}{"watching": key}, nil
	}
	observability.AddStreamSubscribers(1)

	go func() {
		defer observability.AddStreamSubscribers(-1)
		for e := range events {
			_ = s.broadcaster.SendToClient(client, EventMessage{
				Event:     string(e.Kind),
				Stream:    StreamTypeWatch,
				AgentType: agentType,
				ProcessID: processID,
				Data:      e,
			})
		}
	}()

	return map[string]interface{}{"watching": key}, nil
}

func (s *Server) handleProcessUnwatch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: WebsocketOnly, Message: "process.unwatch requires a websocket connection"}
	}
	agentType, processID, err := processParams(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"removed": client.removeWatch(event.Key(agentType, processID)),
	}, nil
}

func (s *Server) handleClientsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.GetConnectedClients(),
	}, nil
}
