package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/autoapply/internal/reporter"
)

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the live summary of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := strings.TrimRight(addr, "/") + "/v1/status"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", url, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
			}

			var summary reporter.Summary
			if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			_, err = fmt.Fprintln(out, summary.Render())
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "base URL of the running instance's status server")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw summary as JSON")
	return cmd
}
