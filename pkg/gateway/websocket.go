package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/procd/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// handleWebSocket upgrades the connection and registers the client. A
// client that sent the shared secret on upgrade is authenticated at once;
// any other client must answer an HMAC challenge first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	trusted := s.auth.CheckRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		id = tracing.NewTraceID()
	}
	now := time.Now()
	client := &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		State:        StateConnecting,
	}
	s.clients.Add(client)
	log := s.logger.With().Str("clientId", id).Logger()
	log.Info().Str("ip", r.RemoteAddr).Msg("Client connected")

	if trusted {
		client.authenticate()
		err = client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	} else {
		err = s.challenge(client)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to send auth greeting")
		_ = conn.Close()
		s.clients.Remove(id)
		return
	}

	go s.serveClient(client)
}

func (s *Server) challenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	client.challenge(challenge)
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

// serveClient reads frames until the connection ends. Runs started by the
// client are canceled when it goes away.
func (s *Server) serveClient(client *Client) {
	ctx, cancel := context.WithCancel(withClient(context.Background(), client))
	defer func() {
		cancel()
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, frame, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		client.touch(time.Now())
		s.dispatchFrame(ctx, client, frame)
	}
}

// dispatchFrame handles one inbound frame: an auth response, or an RPC
// request once authenticated. Requests run concurrently so a long stream
// does not hold up the client's other calls.
func (s *Server) dispatchFrame(ctx context.Context, client *Client, frame []byte) {
	var auth AuthResponse
	if json.Unmarshal(frame, &auth) == nil && auth.Method == "auth.response" {
		s.answerChallenge(client, auth.Signature)
		return
	}
	if !client.isAuthenticated() {
		s.replyError(client, "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return
	}

	req, err := s.router.ParseRequest(frame)
	if err != nil {
		s.replyError(client, "", asRPCError(err))
		return
	}

	s.requests.Add(1)
	go func() {
		defer s.requests.Done()
		reqCtx := withRPCRequestID(tracing.NewRequestContext(ctx), req.ID)
		if err := client.WriteJSON(s.router.RouteRequest(reqCtx, req)); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Str("requestId", req.ID).Msg("Failed to send response")
		}
	}()
}

// answerChallenge checks a signature. The client is dropped after too many
// bad answers.
func (s *Server) answerChallenge(client *Client, signature string) {
	result := s.auth.HandleAuthResponse(client, signature)
	log := s.logger.With().Str("clientId", client.ID).Logger()

	if err := client.WriteJSON(result); err != nil {
		log.Error().Err(err).Msg("Failed to send auth result")
		return
	}
	if result.Success {
		log.Info().Msg("Client authenticated")
		return
	}

	log.Warn().Str("reason", result.Message).Msg("Authentication failed")
	if client.failedAttempts() >= maxAuthAttempts {
		_ = client.Conn.Close()
	}
}

func (s *Server) replyError(client *Client, requestID string, rpcErr *RPCError) {
	resp := RPCResponse{ID: requestID, JSONRPC: jsonRPCVersion, Error: rpcErr}
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}
