// Package cmd wires the metabridge command line: a daemon command for the
// registry coordinator plus client-side commands for poking at live services.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var (
	// RootCmd represents the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "metabridge",
		Short: "low-latency same-machine RPC bridge",
		Long: fmt.Sprintf(`metabridge (v%s)

A low-latency RPC bridge for services on the same machine: length-prefixed
msgpack frames over loopback TCP, discovered through a local registry
coordinator.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of metabridge",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("metabridge v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(registryCmd)
	RootCmd.AddCommand(servicesCmd)
	RootCmd.AddCommand(callCmd)
	RootCmd.AddCommand(endpointsCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from main.
func Execute() {
	// Local overrides like METABRIDGE_REGISTRY live in .env during
	// development; a missing file is fine.
	godotenv.Load()

	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
