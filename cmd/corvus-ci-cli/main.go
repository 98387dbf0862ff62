// corvus-ci-cli is a tiny operator diagnostic tool for the build
// orchestration core. It is not part of the core's in-scope HTTP surface —
// just a thin client over /health and /api/builds/{id}/cancel for whoever
// is at the terminal.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	var baseURL string

	rootCmd := &cobra.Command{
		Use:   "corvus-ci-cli",
		Short: "operator diagnostics for the ando build orchestration core",
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "base URL of the running core")

	rootCmd.AddCommand(newDoctorCmd(&baseURL))
	rootCmd.AddCommand(newCancelCmd(&baseURL))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newDoctorCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "check whether the core's HTTP control surface is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(*baseURL + "/health")
			if err != nil {
				fmt.Println(color.RedString("✗ unreachable: %v", err))
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				fmt.Println(color.RedString("✗ unhealthy: status %d", resp.StatusCode))
				return fmt.Errorf("unhealthy status %d", resp.StatusCode)
			}

			var body struct {
				Status    string    `json:"status"`
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to decode health response: %w", err)
			}

			fmt.Println(color.GreenString("✓ healthy"), "status="+body.Status, "as of", body.Timestamp.Format(time.RFC3339))
			return nil
		},
	}
}

func newCancelCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "request cancellation of a running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildID := args[0]
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Post(*baseURL+"/api/builds/"+buildID+"/cancel", "application/json", nil)
			if err != nil {
				return fmt.Errorf("cancel request failed: %w", err)
			}
			defer resp.Body.Close()

			var body struct {
				Cancelled bool `json:"cancelled"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to decode cancel response: %w", err)
			}

			if body.Cancelled {
				fmt.Println(color.YellowString("build %s cancellation signalled", buildID))
			} else {
				fmt.Println(color.RedString("build %s is not running", buildID))
			}
			return nil
		},
	}
}
