package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/medchain/internal/access"
	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/ir"
)

// ReadOptions holds the caller identity for gated reads.
type ReadOptions struct {
	*RootOptions
	As       string
	Secret   string
	Reason   string
	RecordID string
	Entry    string
}

func (o *ReadOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.As, "as", "admin:cli", "caller role as kind:id (patient|professional|admin|anonymous)")
	cmd.Flags().StringVar(&o.Secret, "secret", "", "unlock secret to present before reading")
	cmd.Flags().StringVar(&o.Reason, "reason", "", "purpose recorded in the audit log")
}

// session resolves the caller and opens a one-shot gate session, unlocking
// subject first when a secret was given.
func (o *ReadOptions) session(ctx context.Context, guard *access.Guard, subject ir.SubjectID) (*gate.Session, ir.Role, error) {
	role, err := ir.ParseRole(o.As)
	if err != nil {
		return nil, ir.Role{}, WrapExitError(ExitCommandError, "invalid --as", err)
	}
	sess := gate.NewSession("cli")
	if o.Secret != "" && subject != "" {
		if _, err := guard.Unlock(ctx, sess, role, subject, o.Secret, o.Reason); err != nil {
			return nil, role, err
		}
	}
	return sess, role, nil
}

// NewLaneCommand creates the lane command.
func NewLaneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lane <subject> [category]",
		Short: "Read a lane, a record, or a whole profile",
		Long: `Read protected entries through the capability gate. Every read, granted
or denied, is written to the access audit log.

Without a category all lanes of the subject are listed.

Examples:
  medchain lane 1 allergy
  medchain lane 1 allergy --record-id alg-1
  medchain lane 1 --as professional:dr-7 --secret d03b1c73 --reason consultation`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			f := opts.formatter(cmd)
			subject := ir.SubjectID(args[0])

			sess, role, err := opts.session(ctx, a.guard, subject)
			if err != nil {
				return ledgerFailure(f, "unlock failed", err)
			}

			switch {
			case len(args) == 1:
				entries, err := a.guard.ReadProfile(ctx, sess, role, subject, opts.Reason)
				if err != nil {
					return ledgerFailure(f, "read failed", err)
				}
				return f.Success(entriesView(entries))
			case opts.RecordID != "":
				entry, err := a.guard.ReadRecord(ctx, sess, role, subject, ir.Category(args[1]), opts.RecordID, opts.Reason)
				if err != nil {
					return ledgerFailure(f, "read failed", err)
				}
				return f.Success(entryView{entry})
			default:
				entries, err := a.guard.ReadLane(ctx, sess, role, subject, ir.Category(args[1]), opts.Reason)
				if err != nil {
					return ledgerFailure(f, "read failed", err)
				}
				return f.Success(entriesView(entries))
			}
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.RecordID, "record-id", "", "read a single record of the lane")
	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <subject>",
		Short: "Show who accessed a subject's records",
		Long: `Show the access audit log of a subject, or of one entry with --entry.
Reading the log is itself an audited read.

Example:
  medchain history 1
  medchain history 1 --entry f439050bfdce3380...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			f := opts.formatter(cmd)
			subject := ir.SubjectID(args[0])

			sess, role, err := opts.session(ctx, a.guard, subject)
			if err != nil {
				return ledgerFailure(f, "unlock failed", err)
			}

			var history []ir.AuditEntry
			if opts.Entry != "" {
				history, err = a.guard.ReadEntryAudit(ctx, sess, role, opts.Entry, opts.Reason)
			} else {
				history, err = a.guard.ReadAudit(ctx, sess, role, subject, opts.Reason)
			}
			if err != nil {
				return ledgerFailure(f, "read failed", err)
			}
			return f.Success(auditView(history))
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.Entry, "entry", "", "show the history of one entry hash")
	return cmd
}
