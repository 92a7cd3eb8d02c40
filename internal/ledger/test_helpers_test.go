package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/store"
	"github.com/roach88/medchain/internal/testutil"
)

// Reference digests shared with the ir package tests.
const (
	genesisHash = "06d9c68c7598506721e011bb82d8db90212ab660f76005a52050420bd03b1c73"
	allergyHash = "f439050bfdce338074f4d9ddcbd061da30240f4eaf2aca00bfdf889ff8a28863"
)

var (
	genesisPayload = ir.IRObject{"cedula": ir.IRString("123"), "name": ir.IRString("Ana Lopez")}
	allergyPayload = ir.IRObject{"substance": ir.IRString("penicillin"), "severity": ir.IRString("severe")}
)

// newTestLedger returns a ledger over a fresh SQLite store with a manual
// clock reading t=100.
func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.Store, *testutil.ManualClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewUnixClock(100)
	l := New(s, append([]Option{WithClock(clk)}, opts...)...)
	t.Cleanup(l.Wait)
	return l, s, clk
}
