package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime-service",
		Short: "Presence, typing and message fan-out for chat clients",
		Long: `realtime-service holds the websocket connections of chat clients.

It tracks which users are online and which rooms they are viewing, relays
typing indicators, fans messages out to every device of every participant
across all nodes, and queues messages for users who are offline.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
