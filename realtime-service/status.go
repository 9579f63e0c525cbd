package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a realtime node is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			nodeID, err := probe(ctx, addr)
			if err != nil {
				color.Red("❌ Realtime node at %s is down: %v", addr, err)
				return err
			}
			color.Green("✅ Realtime node %s is up at %s", nodeID, addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8095", "base URL of the realtime node")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "probe timeout")
	return cmd
}

// probe calls /up and returns the node id the server reports.
func probe(ctx context.Context, addr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/up", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Header.Get("X-Node-Id"), nil
}
