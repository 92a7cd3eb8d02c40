package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/httpapi"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve record submission, gated reads and operator endpoints over HTTP
until interrupted. Pending anchor submissions are awaited on shutdown.

The server does not authenticate callers. Caller roles are taken from the
X-Medchain-Role header only with --trust-role-header, which belongs behind
an authenticating proxy that sets that header.

Example:
  medchain serve --addr :8080 --anchor mock --trust-role-header`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			parentCtx := cmd.Context()
			if parentCtx == nil {
				parentCtx = context.Background()
			}
			ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessions := gate.NewSessions(nil, a.cfg.Gate.SessionTTL)
			go sessions.Run(ctx)

			opts := []httpapi.Option{httpapi.WithPinger(a.backend)}
			if a.cfg.HTTP.TrustRoleHeader {
				slog.Warn("trusting caller roles from request header", "header", httpapi.RoleHeader)
				opts = append(opts, httpapi.WithTrustedRoleHeader())
			}
			srv := httpapi.New(a.ledger, a.guard, a.verifier, sessions, opts...)
			if err := srv.ListenAndServe(ctx, a.cfg.HTTP.Addr); err != nil {
				return WrapExitError(ExitCommandError, "http server failed", err)
			}
			slog.Info("http server stopped")
			return nil
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Bool("trust-role-header", false, "take caller roles from the "+httpapi.RoleHeader+" header")
	return cmd
}
