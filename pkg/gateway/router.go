package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/procd/pkg/engine"
)

const jsonRPCVersion = "2.0"

// RequestHandler handles one RPC method call.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPCRouter maps JSON-RPC method names to handlers. Requests carrying an
// idempotency key replay the stored response of an earlier call that
// succeeded or recorded a failure on a process.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replays *replayCache
}

// NewRPCRouter creates an empty router with a five minute replay window.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replays: newReplayCache(5*time.Minute, time.Now),
	}
}

// RegisterMethod adds or replaces a method.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes a method. Unknown names are ignored.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// HasMethod reports whether name is registered.
func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// GetMethods returns the registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.methods[name]
	return handler, ok
}

// ParseRequest decodes a request frame. Errors are *RPCError values.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = jsonRPCVersion
	}
	return &req, nil
}

// RouteRequest runs the handler for req and builds the response.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: jsonRPCVersion, Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	key := ""
	if req.IdempotencyKey != "" {
		key = req.Method + ":" + req.IdempotencyKey
		if cached, ok := r.replays.get(key); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: jsonRPCVersion,
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	result, err := handler(ctx, req.Params)
	resp := &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion}
	if err != nil {
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}

	if key != "" && replayable(err) {
		r.replays.put(key, *resp)
	}
	return resp
}

// replayable reports whether a response may be served again for the same
// idempotency key. Failures that left the process untouched are retried.
func replayable(err error) bool {
	if err == nil {
		return true
	}
	var engineErr *engine.Error
	return errors.As(err, &engineErr) && engineErr.Recorded()
}

// toRPCError maps a handler error to its wire form. Engine failures keep
// their status code, and recorded failures carry the process status.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		data := map[string]interface{}{
			"status_code": engineErr.Code,
			"kind":        string(engineErr.Kind),
		}
		if engineErr.Status != nil {
			data["status"] = engineErr.Status
		}
		return &RPCError{Code: ProcessError, Message: engineErr.Error(), Data: data}
	}

	return &RPCError{
		Code:    InternalError,
		Message: err.Error(),
		Data:    map[string]interface{}{"status_code": engine.StatusCode(err)},
	}
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

// replayCache holds responses by idempotency key until they expire.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]replayEntry
}

func newReplayCache(ttl time.Duration, now func() time.Time) *replayCache {
	return &replayCache{ttl: ttl, now: now, entries: make(map[string]replayEntry)}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return copyResponse(entry.resp), true
}

// put stores resp and drops expired entries.
func (c *replayCache) put(key string, resp RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = replayEntry{resp: copyResponse(resp), expires: now.Add(c.ttl)}
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func copyResponse(src RPCResponse) RPCResponse {
	dst := src
	if src.Error != nil {
		e := *src.Error
		dst.Error = &e
	}
	return dst
}
