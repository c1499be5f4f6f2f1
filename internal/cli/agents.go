package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/procd/pkg/agent"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agent types served by the running daemon",
	RunE:  runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	agents, err := fetchAgents(baseURL(cfg.Server), cfg.Server.SharedSecret)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agent types registered")
		return nil
	}
	for _, desc := range agents {
		fmt.Fprintf(out, "%s\n", desc.Name)
		if desc.Description != "" {
			fmt.Fprintf(out, "  %s\n", desc.Description)
		}
		if len(desc.Programs) > 0 {
			fmt.Fprintf(out, "  programs: %s\n", strings.Join(desc.Programs, ", "))
		}
		if len(desc.Actions) > 0 {
			names := make([]string, 0, len(desc.Actions))
			for _, op := range desc.Operations {
				if _, ok := desc.Actions[op.Name]; ok {
					names = append(names, op.Name)
				}
			}
			fmt.Fprintf(out, "  actions: %s\n", strings.Join(names, ", "))
		}
	}
	return nil
}

func fetchAgents(base, secret string) ([]agent.Descriptor, error) {
	req, err := newRequest(http.MethodGet, base+"/agents", secret)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var body struct {
		Agents []agent.Descriptor `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}
	return body.Agents, nil
}
