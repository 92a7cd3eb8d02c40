package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/medchain/internal/seed"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load demo subjects and records",
		Long: `Load subjects and records from a YAML file through the normal append
path. Subjects that already have a genesis entry are skipped, so the same
file can be applied twice.

Example:
  medchain seed fixtures/demo.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixture, err := seed.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load seed file", err)
			}

			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			f := rootOpts.formatter(cmd)
			res, err := seed.Apply(cmd.Context(), a.ledger, fixture)
			if err != nil {
				return ledgerFailure(f, "seed failed", err)
			}
			return f.Success(res)
		},
	}
}
