package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
)

// SecretHeader carries the shared secret on HTTP requests and websocket
// upgrades.
const SecretHeader = "X-Procd-Secret"

// AuthHandler checks the shared secret. HTTP callers send it in
// SecretHeader; websocket clients either send the header on upgrade or
// answer an HMAC challenge.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a shared secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// CheckRequest reports whether r may proceed.
func (a *AuthHandler) CheckRequest(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	provided := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(a.sharedSecret)) == 1
}

// Sign computes the HMAC-SHA256 answer to a challenge.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := a.Sign(challenge)

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// maxAuthAttempts is the number of bad signatures after which a client is
// disconnected.
const maxAuthAttempts = 3

// HandleAuthResponse checks a client's signature over its pending challenge.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	client.stateMu.Lock()
	challenge := client.Challenge
	client.stateMu.Unlock()

	if challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}

	if a.VerifySignature(challenge, signature) {
		client.authenticate()
		return AuthResult{Event: "auth.success", Success: true}
	}

	client.stateMu.Lock()
	client.AuthAttempts++
	attempts := client.AuthAttempts
	client.stateMu.Unlock()

	if attempts >= maxAuthAttempts {
		return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
	}
	return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
}
