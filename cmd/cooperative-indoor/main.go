package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "cooperative-indoor",
	Short: "real-time collaborative map synchronization server",
	Long: `cooperative-indoor serves the synchronization backend for shared map
editing: presence per map, draw/movement/chat fan-out, and feature revision
history with revert and restore against a persisted event log.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cooperative-indoor v%s\n", version)
	},
}

func main() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
