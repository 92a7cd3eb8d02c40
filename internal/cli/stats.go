package cli

import (
	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.ledger.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "stats failed", err)
			}
			return rootOpts.formatter(cmd).Success(statsView{st})
		},
	}
}
