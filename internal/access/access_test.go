package access

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/audit"
	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/ledger"
	"github.com/roach88/medchain/internal/store"
	"github.com/roach88/medchain/internal/testutil"
)

const genesisHash = "06d9c68c7598506721e011bb82d8db90212ab660f76005a52050420bd03b1c73"

type fixture struct {
	guard   *Guard
	ledger  *ledger.Ledger
	log     *audit.Log
	genesis ir.LedgerEntry
	allergy ir.LedgerEntry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "access.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewUnixClock(100)
	l := ledger.New(s, ledger.WithClock(clk))
	log := audit.New(s, audit.WithClock(clk), audit.WithIDs(testutil.NewSequenceIDs("audit")))
	ctx := context.Background()

	g, err := l.Genesis(ctx, "1", ir.IRObject{"cedula": ir.IRString("123"), "name": ir.IRString("Ana Lopez")})
	require.NoError(t, err)
	require.Equal(t, genesisHash, g.HashValue)

	clk.Set(time.Unix(200, 0))
	a, err := l.Append(ctx, "1", ir.CategoryAllergy, "a-1",
		ir.IRObject{"substance": ir.IRString("penicillin"), "severity": ir.IRString("severe")})
	require.NoError(t, err)

	return &fixture{
		guard:   New(l, gate.New(l), log),
		ledger:  l,
		log:     log,
		genesis: g,
		allergy: a,
	}
}

func (f *fixture) history(t *testing.T) []ir.AuditEntry {
	t.Helper()
	h, err := f.log.History(context.Background(), "1")
	require.NoError(t, err)
	return h
}

func TestScenario_UnlockWithGenesisSuffix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	suffix := genesisHash[len(genesisHash)-gate.SuffixLength:]

	sess := gate.NewSession("s1")
	state, err := f.guard.Unlock(ctx, sess, ir.Professional("42"), "1", suffix, "consulta")
	require.NoError(t, err)
	assert.Equal(t, gate.Unlocked, state)

	other := gate.NewSession("s2")
	wrong := suffix[:7] + "0"
	require.NotEqual(t, suffix, wrong)
	before := len(f.history(t))

	state, err = f.guard.Unlock(ctx, other, ir.Professional("42"), "1", wrong, "consulta")
	assert.ErrorIs(t, err, ErrGateDenied)
	assert.EqualError(t, err, "access denied")
	assert.Equal(t, gate.Locked, state)

	after := f.history(t)
	require.Len(t, after, before+1)
	last := after[len(after)-1]
	assert.Equal(t, audit.ReasonDenied, last.Reason)
	assert.False(t, last.Granted)
	assert.Equal(t, ir.Professional("42"), last.Actor)
}

func TestUnlock_OwnerAndAdminSkipTheCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, caller := range []ir.Role{ir.Patient("1"), ir.Admin("root")} {
		state, err := f.guard.Unlock(ctx, gate.NewSession("s"), caller, "1", "", "")
		require.NoError(t, err, caller.String())
		assert.Equal(t, gate.Unlocked, state)
	}

	h := f.history(t)
	require.Len(t, h, 2)
	assert.Equal(t, audit.ReasonUnlocked, h[0].Reason)
	assert.True(t, h[1].Granted)
}

func TestEveryReadIsAuditedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locked := gate.NewSession("locked")
	stranger := ir.Professional("7")
	owner := ir.Patient("1")

	reads := map[string]func() error{
		"lane denied": func() error {
			_, err := f.guard.ReadLane(ctx, locked, stranger, "1", ir.CategoryAllergy, "")
			return err
		},
		"lane owner": func() error {
			_, err := f.guard.ReadLane(ctx, nil, owner, "1", ir.CategoryAllergy, "")
			return err
		},
		"record denied": func() error {
			_, err := f.guard.ReadRecord(ctx, locked, stranger, "1", ir.CategoryAllergy, "a-1", "")
			return err
		},
		"record admin": func() error {
			_, err := f.guard.ReadRecord(ctx, nil, ir.Admin("root"), "1", ir.CategoryAllergy, "a-1", "")
			return err
		},
		"record missing": func() error {
			_, err := f.guard.ReadRecord(ctx, nil, owner, "1", ir.CategoryAllergy, "nope", "")
			return err
		},
		"entry denied": func() error {
			_, err := f.guard.ReadEntry(ctx, locked, stranger, f.allergy.HashValue, "")
			return err
		},
		"entry owner": func() error {
			_, err := f.guard.ReadEntry(ctx, nil, owner, f.allergy.HashValue, "")
			return err
		},
		"profile denied": func() error {
			_, err := f.guard.ReadProfile(ctx, locked, ir.Anonymous(), "1", "")
			return err
		},
		"profile owner": func() error {
			_, err := f.guard.ReadProfile(ctx, nil, owner, "1", "")
			return err
		},
		"audit denied": func() error {
			_, err := f.guard.ReadAudit(ctx, locked, stranger, "1", "")
			return err
		},
		"entry audit owner": func() error {
			_, err := f.guard.ReadEntryAudit(ctx, nil, owner, f.allergy.HashValue, "")
			return err
		},
		"secret owner": func() error {
			_, err := f.guard.OwnerSecret(ctx, owner, "1")
			return err
		},
		"secret admin": func() error {
			_, err := f.guard.OwnerSecret(ctx, ir.Admin("root"), "1")
			return err
		},
	}
	for name, read := range reads {
		t.Run(name, func(t *testing.T) {
			before := len(f.history(t))
			_ = read()
			assert.Len(t, f.history(t), before+1)
		})
	}
}

func TestReads_DeniedWithoutGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := gate.NewSession("s1")
	caller := ir.Professional("42")

	_, err := f.guard.ReadLane(ctx, sess, caller, "1", ir.CategoryAllergy, "consulta")
	assert.ErrorIs(t, err, ErrGateDenied)

	_, err = f.guard.ReadEntry(ctx, sess, caller, f.allergy.HashValue, "consulta")
	assert.ErrorIs(t, err, ErrGateDenied)

	h := f.history(t)
	require.Len(t, h, 2)
	for _, e := range h {
		assert.False(t, e.Granted)
		assert.Equal(t, audit.ReasonDenied, e.Reason)
	}
	assert.Equal(t, f.allergy.HashValue, h[1].EntryHash)
}

func TestReads_GrantedAfterUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := gate.NewSession("s1")
	caller := ir.Professional("42")

	_, err := f.guard.Unlock(ctx, sess, caller, "1", genesisHash[56:], "consulta")
	require.NoError(t, err)

	lane, err := f.guard.ReadLane(ctx, sess, caller, "1", ir.CategoryAllergy, "consulta")
	require.NoError(t, err)
	require.Len(t, lane, 1)
	assert.Equal(t, f.allergy.HashValue, lane[0].HashValue)

	rec, err := f.guard.ReadRecord(ctx, sess, caller, "1", ir.CategoryAllergy, "a-1", "seguimiento")
	require.NoError(t, err)
	assert.Equal(t, f.allergy.HashValue, rec.HashValue)

	profile, err := f.guard.ReadProfile(ctx, sess, caller, "1", "")
	require.NoError(t, err)
	assert.Len(t, profile, 2)

	perEntry, err := f.log.EntryHistory(ctx, f.allergy.HashValue)
	require.NoError(t, err)
	require.Len(t, perEntry, 1)
	assert.Equal(t, "seguimiento", perEntry[0].Reason)
	assert.Equal(t, "a-1", perEntry[0].RecordID)
	assert.True(t, perEntry[0].Granted)

	// A grant for subject 1 does not open subject 2.
	_, err = f.guard.ReadProfile(ctx, sess, caller, "2", "")
	assert.ErrorIs(t, err, ErrGateDenied)
}

func TestReadEntry_UnknownHashIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unknown := strings.Repeat("f", ir.HashLength)

	_, err := f.guard.ReadEntry(ctx, nil, ir.Admin("root"), unknown, "")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	_, err = f.guard.ReadEntryAudit(ctx, nil, ir.Admin("root"), unknown, "")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	assert.Empty(t, f.history(t), "nothing is attributed to a subject")

	h, err := f.log.EntryHistory(ctx, unknown)
	require.NoError(t, err)
	require.Len(t, h, 2)
	for _, e := range h {
		assert.Empty(t, e.Subject)
		assert.False(t, e.Granted)
		assert.Equal(t, audit.ReasonNotFound, e.Reason)
		assert.Equal(t, ir.Admin("root"), e.Actor)
	}
}

func TestReadEntry_MalformedHashIsAudited(t *testing.T) {
	f := newFixture(t)

	_, err := f.guard.ReadEntry(context.Background(), nil, ir.Professional("7"), "missing", "")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	h, err := f.log.EntryHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, h, "malformed hashes are not indexed")

	unattributed, err := f.log.History(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, unattributed, 1)
	assert.Empty(t, unattributed[0].EntryHash)
	assert.Equal(t, audit.ReasonNotFound, unattributed[0].Reason)
	assert.Equal(t, ir.Professional("7"), unattributed[0].Actor)
}

func TestReadEntryAudit_IncludesItself(t *testing.T) {
	f := newFixture(t)

	history, err := f.guard.ReadEntryAudit(context.Background(), nil, ir.Patient("1"), f.allergy.HashValue, "revision")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ir.Patient("1"), history[0].Actor)
	assert.Equal(t, f.allergy.HashValue, history[0].EntryHash)
	assert.Equal(t, "revision", history[0].Reason)
}

func TestReadAudit_IncludesItself(t *testing.T) {
	f := newFixture(t)

	history, err := f.guard.ReadAudit(context.Background(), nil, ir.Patient("1"), "1", "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ir.Patient("1"), history[0].Actor)
}

func TestOwnerSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, err := f.guard.OwnerSecret(ctx, ir.Patient("1"), "1")
	require.NoError(t, err)
	assert.Equal(t, genesisHash, secret)

	_, err = f.guard.OwnerSecret(ctx, ir.Admin("root"), "1")
	assert.ErrorIs(t, err, ErrGateDenied)

	_, err = f.guard.OwnerSecret(ctx, ir.Patient("2"), "2")
	assert.ErrorIs(t, err, ir.ErrNotFound)
}
