package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/medchain/internal/access"
	"github.com/roach88/medchain/internal/anchor"
	"github.com/roach88/medchain/internal/audit"
	"github.com/roach88/medchain/internal/clock"
	"github.com/roach88/medchain/internal/config"
	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/kvstore"
	"github.com/roach88/medchain/internal/ledger"
	"github.com/roach88/medchain/internal/pgstore"
	"github.com/roach88/medchain/internal/schema"
	"github.com/roach88/medchain/internal/store"
	"github.com/roach88/medchain/internal/verify"
)

// Backend is what every store driver provides.
type Backend interface {
	ledger.Store
	audit.Store
	Ping(ctx context.Context) error
	Close() error
}

// app is the component graph one command runs against.
type app struct {
	cfg      config.Config
	backend  Backend
	ledger   *ledger.Ledger
	gate     *gate.Gate
	audit    *audit.Log
	guard    *access.Guard
	verifier *verify.Verifier
}

// openApp loads configuration and opens the store. Failures are command
// errors (exit 2).
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath, cmd.Flags())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	schemas, err := loadSchemas(cfg.Schema)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	backend, err := openBackend(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	slog.Debug("store ready", "driver", cfg.Store.Driver)

	clk := clock.System{}
	l := ledger.New(backend,
		ledger.WithClock(clk),
		ledger.WithSchemas(schemas),
		ledger.WithAnchor(newAnchorClient(cfg.Anchor)),
		ledger.WithAnchorTimeout(cfg.Anchor.Timeout),
	)
	g := gate.New(l, gate.WithMaxFailures(cfg.Gate.MaxFailures))
	log := audit.New(backend, audit.WithClock(clk))

	return &app{
		cfg:      cfg,
		backend:  backend,
		ledger:   l,
		gate:     g,
		audit:    log,
		guard:    access.New(l, g, log),
		verifier: verify.New(backend),
	}, nil
}

// Close waits for pending anchor submissions, then closes the store.
func (a *app) Close() {
	a.ledger.Wait()
	if err := a.backend.Close(); err != nil {
		slog.Error("error closing store", "err", err)
	}
}

func loadSchemas(cfg config.SchemaConfig) (*schema.Set, error) {
	if cfg.Path == "" {
		return schema.Default()
	}
	return schema.Load(cfg.Path)
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.Open(cfg.DSN)
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.DSN)
	case config.DriverLevelDB:
		return kvstore.OpenLevelDB(cfg.DSN)
	case config.DriverBadger:
		return kvstore.OpenBadger(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newAnchorClient(cfg config.AnchorConfig) anchor.Client {
	switch cfg.Mode {
	case config.AnchorMock:
		return anchor.NewMock(clock.System{}, 1)
	case config.AnchorHTTP:
		return anchor.NewHTTPClient(cfg.URL, &http.Client{Timeout: cfg.Timeout})
	default:
		return anchor.Disabled{}
	}
}

// ledgerFailure reports a rejected write or read and returns the matching
// exit error. Anything unrecognised is a command error.
func ledgerFailure(f *OutputFormatter, action string, err error) error {
	var lerr *ledger.Error
	if errors.As(err, &lerr) {
		_ = f.Error(string(lerr.Code), lerr.Message, nil)
		return WrapExitError(ExitFailure, action, err)
	}
	if errors.Is(err, access.ErrGateDenied) {
		_ = f.Error("ACCESS_DENIED", err.Error(), nil)
		return WrapExitError(ExitFailure, action, err)
	}
	if errors.Is(err, ir.ErrNotFound) {
		_ = f.Error("NOT_FOUND", "not found", nil)
		return WrapExitError(ExitFailure, action, err)
	}
	return WrapExitError(ExitCommandError, action, err)
}
