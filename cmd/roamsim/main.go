// Command roamsim runs the roaming station simulation.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/roaming-simulator/internal/config"
	"github.com/signalsfoundry/roaming-simulator/internal/routing"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitFailure      = 1
	exitInvalidInput = 2
	exitRouting      = 3
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "roamsim",
		Short:         "Simulate a Wi-Fi station roaming between access points",
		SilenceErrors: true,
		Long: `roamsim moves a station past a row of access points, decides when it should
reassociate from estimated signal levels, observes the resulting association
changes and keeps the static routes of the station, the server and every AP
pointed at the serving AP.`,
	}
	root.AddCommand(newRunCmd(), newConfigCmd(), newVersionCmd())
	return root
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var patchErr *routing.PatchError
	switch {
	case errors.As(err, &patchErr):
		return exitRouting
	case errors.Is(err, config.ErrInvalidConfig):
		return exitInvalidInput
	default:
		return exitFailure
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the roamsim version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roamsim %s\n", version)
		},
	}
}
