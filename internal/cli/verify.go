package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/verify"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Category string
	Subject  string
	Entry    string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash chains",
		Long: `Recompute every entry hash and check every link. Each lane is checked on
its own; an unreadable or broken lane is reported and the sweep goes on.

Exits 1 if any lane is suspect.

Examples:
  medchain verify
  medchain verify --category allergy
  medchain verify --subject 1
  medchain verify --entry f439050bfdce3380...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Subject != "" && opts.Category != "" {
				return NewExitError(ExitCommandError, "--subject and --category are mutually exclusive")
			}

			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			f := opts.formatter(cmd)

			var report verify.Report
			switch {
			case opts.Entry != "":
				res, err := a.verifier.VerifyEntry(ctx, opts.Entry)
				if err != nil {
					return WrapExitError(ExitCommandError, "verify failed", err)
				}
				report = verify.Report{Results: []verify.Result{res}}
			case opts.Subject != "":
				report, err = a.verifier.VerifySubject(ctx, ir.SubjectID(opts.Subject))
			default:
				report, err = a.verifier.VerifyAll(ctx, ir.Category(opts.Category))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "verify failed", err)
			}

			if err := f.Success(newReportView(report)); err != nil {
				return err
			}
			if !report.OK() {
				return NewExitError(ExitFailure, fmt.Sprintf("%d suspect lanes", len(report.Suspect())))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", "", "verify only lanes of this category")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "verify only lanes of this subject")
	cmd.Flags().StringVar(&opts.Entry, "entry", "", "recompute the hash of a single entry")
	return cmd
}
