// Command adbd runs the ADB device-side daemon core: wire handshake,
// service dispatch, and TCP forward/reverse, over a plain TCP transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "adbd",
		Short: "ADB device-side daemon",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(*cobra.Command, []string) error {
			fmt.Printf("adbd %s (build %s)\n", version, buildTime)
			return nil
		},
	}
}
