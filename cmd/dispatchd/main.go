package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./dispatchd.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd runs named tasks on fixed intervals",
		Long: `dispatchd runs named tasks on fixed intervals.

Schedules sharing a period are spread evenly across it by their position in
the config file, so they never fire in the same instant.
`,
		SilenceUsage: true,
	}
	root.AddCommand(runCmd(), validateCmd(), offsetsCmd(), execCmd(), statusCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
