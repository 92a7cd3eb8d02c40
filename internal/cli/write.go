package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/medchain/internal/ir"
)

// WriteOptions holds flags shared by genesis and append.
type WriteOptions struct {
	*RootOptions
	Fields   string
	RecordID string
}

func parseFields(raw string) (ir.IRObject, error) {
	payload, err := ir.ParsePayload([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --fields", err)
	}
	return payload, nil
}

// NewGenesisCommand creates the genesis command.
func NewGenesisCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "genesis <subject>",
		Short: "Create a subject's genesis entry",
		Long: `Create the genesis entry of a subject. Every other lane of the subject
links to it, and the last 8 characters of its hash are the subject's
unlock secret.

Example:
  medchain genesis 1 --fields '{"cedula":"0912345678","name":"Ana Lopez"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseFields(opts.Fields)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			f := opts.formatter(cmd)
			entry, err := a.ledger.Genesis(cmd.Context(), ir.SubjectID(args[0]), payload)
			if err != nil {
				return ledgerFailure(f, "genesis failed", err)
			}
			return f.Success(entryView{entry})
		},
	}

	cmd.Flags().StringVar(&opts.Fields, "fields", "{}", "record fields as a JSON object")
	return cmd
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <subject> <category>",
		Short: "Append a record to a lane",
		Long: `Append a record to the lane (subject, category). The subject must have a
genesis entry. Fields are validated against the category's schema.

Example:
  medchain append 1 allergy --record-id alg-1 \
    --fields '{"substance":"penicillin","severity":"severe"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseFields(opts.Fields)
			if err != nil {
				return err
			}
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			f := opts.formatter(cmd)
			entry, err := a.ledger.Append(cmd.Context(), ir.SubjectID(args[0]), ir.Category(args[1]), opts.RecordID, payload)
			if err != nil {
				return ledgerFailure(f, "append failed", err)
			}
			return f.Success(entryView{entry})
		},
	}

	cmd.Flags().StringVar(&opts.Fields, "fields", "{}", "record fields as a JSON object")
	cmd.Flags().StringVar(&opts.RecordID, "record-id", "", "producer record id (default: generated)")
	return cmd
}
