// Command childhelperd is the native helper daemon: it connects back to
// its caller over a Unix socket, greets it, and services SpawnProcess and
// SendSignal requests until the main channel closes. See SPEC_FULL.md §6.9.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lxc/childhelper/shared/logger"
)

func main() {
	var debug bool

	root := &cobra.Command{
		Use:           "childhelperd <socket-path>",
		Short:         "Native child-process helper daemon",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.SetDebug(debug)
			return HelperMain(args[0])
		},
	}
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
