// aegisctl is the operator CLI for the aegis control plane. It talks to a
// running aegisd over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:           "aegisctl",
	Short:         "Control agents and jobs on a running aegisd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("AEGIS_SERVER", "http://127.0.0.1:8080"), "base URL of the aegisd HTTP API")

	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List, spawn, and drive agents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/agents", os.Stdout)
		},
	})

	var configJSON string
	spawn := &cobra.Command{
		Use:   "spawn <type>",
		Short: "Spawn a new agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var config map[string]any
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
					return fmt.Errorf("parse --config: %w", err)
				}
			}
			return postJSON("/api/agents", map[string]any{"type": args[0], "config": config}, os.Stdout)
		},
	}
	spawn.Flags().StringVar(&configJSON, "config", "", "agent config as a JSON object")
	cmd.AddCommand(spawn)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <agent-id>",
		Short: "Show an agent and its active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/agents/"+args[0], os.Stdout)
		},
	})

	for _, action := range []string{"pause", "resume", "terminate", "heartbeat"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <agent-id>",
			Short: action + " an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return postJSON("/api/agents/"+args[0]+"/"+action, nil, os.Stdout)
			},
		})
	}

	var paramsJSON string
	start := &cobra.Command{
		Use:   "start-job <agent-id> <job-type>",
		Short: "Record a new job for an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}
			return postJSON("/api/agents/"+args[0]+"/jobs", map[string]any{"type": args[1], "params": params}, os.Stdout)
		},
	}
	start.Flags().StringVar(&paramsJSON, "params", "", "job params as a JSON object")
	cmd.AddCommand(start)

	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs",
	}

	var agentID, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/jobs?agent_id=%s&status=%s", agentID, status)
			return getJSON(path, os.Stdout)
		},
	}
	list.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/jobs/"+args[0], os.Stdout)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "checkpoint <job-id>",
		Short: "Show a job's stored checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/jobs/"+args[0]+"/checkpoint", os.Stdout)
		},
	})

	return cmd
}

func eventsCmd() *cobra.Command {
	var typePrefix, correlationID string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query persisted event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/events?type_prefix=%s&correlation_id=%s&limit=%d",
				typePrefix, correlationID, limit)
			return getJSON(path, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&typePrefix, "type", "", "filter by event type prefix")
	cmd.Flags().StringVar(&correlationID, "correlation", "", "filter by correlation id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to return")
	return cmd
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func getJSON(path string, out io.Writer) error {
	resp, err := httpClient.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp, out)
}

func postJSON(path string, payload any, out io.Writer) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp, out)
}

func printResponse(resp *http.Response, out io.Writer) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, _ = out.Write(raw)
		return nil
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
