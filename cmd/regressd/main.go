// Package main implements the regressd daemon and its CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML configuration file, empty for the default.
	configPath string
	// serverURL is the base URL used by client subcommands.
	serverURL string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "regressd",
	Short: "Approval-gated regression-test selection pipeline",
	Long: `regressd turns a requirement story into a prioritized regression-test
suite. Every pipeline phase suspends behind a human approval gate; the run
advances only on explicit approval.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/regressd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8380", "regressd server URL")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check regressd server health",
	Long: `Check the health status of a running regressd server.

Examples:
  # Check health
  regressd health

  # Check health on a different server
  regressd health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/http HealthResponse.
type HealthResponse struct {
	Status string `json:"status"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d: %s", resp.StatusCode, body)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Server status: %s\n", health.Status)
	return nil
}
