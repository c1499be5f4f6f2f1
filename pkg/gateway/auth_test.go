package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacHex(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthChallenge(t *testing.T) {
	auth := NewAuthHandler("s3cret")

	first, err := auth.GenerateChallenge()
	require.NoError(t, err)
	second, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.NotEqual(t, first, second)

	assert.Equal(t, hmacHex("s3cret", first), auth.Sign(first))
	assert.True(t, auth.VerifySignature(first, auth.Sign(first)))
	assert.False(t, auth.VerifySignature(first, auth.Sign(second)))
	assert.False(t, auth.VerifySignature(first, hmacHex("other", first)))
	assert.False(t, auth.VerifySignature(first, "not-hex"))
}

func TestAuthHandleResponse(t *testing.T) {
	auth := NewAuthHandler("s3cret")
	good := hmacHex("s3cret", "c-1")

	tests := []struct {
		name      string
		challenge string
		attempts  int
		signature string

		wantOK       bool
		wantMessage  string
		wantAttempts int
	}{
		{name: "valid", challenge: "c-1", signature: good, wantOK: true},
		{name: "bad signature", challenge: "c-1", signature: "nope", wantMessage: "Invalid signature", wantAttempts: 1},
		{name: "third strike", challenge: "c-1", attempts: 2, signature: "nope", wantMessage: "Too many failed attempts", wantAttempts: 3},
		{name: "no challenge", signature: good, wantMessage: "No challenge found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{ID: "c", Challenge: tt.challenge, AuthAttempts: tt.attempts}

			result := auth.HandleAuthResponse(client, tt.signature)

			assert.Equal(t, tt.wantOK, result.Success)
			assert.Equal(t, tt.wantMessage, result.Message)
			assert.Equal(t, tt.wantOK, client.isAuthenticated())
			if tt.wantOK {
				assert.Equal(t, "auth.success", result.Event)
				assert.Equal(t, StateAuthenticated, client.State)
				assert.Empty(t, client.Challenge)
				assert.Zero(t, client.failedAttempts())
				return
			}
			assert.Equal(t, "auth.failure", result.Event)
			assert.Equal(t, tt.wantAttempts, client.failedAttempts())
		})
	}
}

func TestAuthCheckRequest(t *testing.T) {
	open := NewAuthHandler("")
	assert.False(t, open.Enabled())
	assert.True(t, open.CheckRequest(httptest.NewRequest("GET", "/agents", nil)))

	auth := NewAuthHandler("s3cret")
	require.True(t, auth.Enabled())

	for header, want := range map[string]bool{"": false, "wrong": false, "s3cret ": false, "s3cret": true} {
		req := httptest.NewRequest("GET", "/agents", nil)
		if header != "" {
			req.Header.Set(SecretHeader, header)
		}
		assert.Equal(t, want, auth.CheckRequest(req), "header %q", header)
	}
}
