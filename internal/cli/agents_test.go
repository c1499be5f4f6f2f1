package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents" || r.Header.Get(gateway.SecretHeader) != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"agents": []agent.Descriptor{
				{
					Name:        "HelloWorld",
					Description: "Greets people, streaming or not.",
					Programs:    []string{"idle", "idle_streaming"},
					Actions:     map[string][]string{},
				},
				{
					Name:     "StateMachine",
					Programs: []string{"idle"},
					Actions:  map[string][]string{"to_bar": {"foo", "bar"}},
					Operations: []agent.OperationInfo{
						{Name: "idle"},
						{Name: "to_bar"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	t.Run("lists agents", func(t *testing.T) {
		path, _ := writeConfig(t, serverOverride(t, srv, "s3cret"))

		out, err := executeCommand(t, nil, "agents", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "HelloWorld")
		assert.Contains(t, out, "Greets people")
		assert.Contains(t, out, "programs: idle, idle_streaming")
		assert.Contains(t, out, "actions: to_bar")
	})

	t.Run("wrong secret", func(t *testing.T) {
		path, _ := writeConfig(t, serverOverride(t, srv, "wrong"))

		_, err := executeCommand(t, nil, "agents", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})
}
