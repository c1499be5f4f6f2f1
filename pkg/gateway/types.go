package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies the kind of server-initiated websocket frame.
type StreamType string

const (
	StreamTypeRun       StreamType = "run"
	StreamTypeWatch     StreamType = "watch"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// RPCRequest is one JSON-RPC call, over HTTP or a websocket frame.
// Calls sharing an IdempotencyKey within the replay window run once.
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse answers an RPCRequest with the same ID.
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error. Engine failures carry the
// HTTP-style status code and, when the failure was recorded, the process
// status in Data.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a frame the gateway pushes without a request: run
// output, watch updates and lifecycle notifications.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	AgentType string      `json:"agent_type,omitempty"`
	ProcessID string      `json:"process_id,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// AuthChallenge is sent to a websocket client that connected without the
// shared secret.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the hex HMAC-SHA256 of the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo is one entry of the clients.list result.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Watches       int       `json:"watches"`
	Idle          bool      `json:"idle"`
}

// ClientState tracks a websocket client through the auth handshake.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// JSON-RPC error codes. Codes above -32099 are procd specific.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	ProcessError           = -32010
	WebsocketOnly          = -32011
)

// Client represents a connected WebSocket client. Writes are serialized
// because run frames, broadcasts and responses come from different
// goroutines. The auth and activity fields are guarded by stateMu once the
// client is registered.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	State         ClientState

	stateMu sync.Mutex
	writeMu sync.Mutex

	watchMu sync.Mutex
	watches map[string]func()
}

// WriteJSON writes v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) isAuthenticated() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.Authenticated
}

func (c *Client) authenticate() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.Authenticated = true
	c.State = StateAuthenticated
	c.AuthAttempts = 0
	c.Challenge = ""
}

func (c *Client) challenge(value string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.Challenge = value
	c.State = StateAuthenticating
}

func (c *Client) failedAttempts() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.AuthAttempts
}

func (c *Client) touch(at time.Time) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.LastActivity = at
}

func (c *Client) disconnect() {
	c.stateMu.Lock()
	c.State = StateDisconnected
	c.stateMu.Unlock()
	c.closeWatches()
}

// info reports the client as seen at now. Clients silent for idleAfter are
// idle.
func (c *Client) info(now time.Time, idleAfter time.Duration) ClientInfo {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.Authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.LastActivity,
		IPAddress:     c.IPAddress,
		Watches:       c.watchCount(),
		Idle:          now.Sub(c.LastActivity) > idleAfter,
	}
}

// addWatch records the cancel function of a hub subscription. It reports
// false when key is already watched.
func (c *Client) addWatch(key string, cancel func()) bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if c.watches == nil {
		c.watches = make(map[string]func())
	}
	if _, exists := c.watches[key]; exists {
		return false
	}
	c.watches[key] = cancel
	return true
}

// removeWatch cancels one subscription.
func (c *Client) removeWatch(key string) bool {
	c.watchMu.Lock()
	cancel, ok := c.watches[key]
	delete(c.watches, key)
	c.watchMu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// closeWatches cancels every subscription of the client.
func (c *Client) closeWatches() {
	c.watchMu.Lock()
	watches := c.watches
	c.watches = nil
	c.watchMu.Unlock()

	for _, cancel := range watches {
		cancel()
	}
}

func (c *Client) watchCount() int {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return len(c.watches)
}
