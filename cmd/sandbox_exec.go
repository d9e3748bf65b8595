package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivebot/internal/sandbox"
)

// sandboxExecCmd is the child half of the process-isolated sandbox: the host
// re-executes this binary with "sandbox-exec", pipes one invocation over
// stdin, and reads the response from stdout. Hidden because it is never run
// by hand.
func sandboxExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "sandbox-exec",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := sandbox.RunChild(os.Stdin, os.Stdout); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}
