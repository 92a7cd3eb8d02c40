package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/idgen"
	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/testutil"
)

const genesisHash = "06d9c68c7598506721e011bb82d8db90212ab660f76005a52050420bd03b1c73"

type genesisMap map[ir.SubjectID]string

func (m genesisMap) GenesisEntry(_ context.Context, subject ir.SubjectID) (*ir.LedgerEntry, error) {
	h, ok := m[subject]
	if !ok {
		return nil, nil
	}
	return &ir.LedgerEntry{Subject: subject, Category: ir.CategoryGenesis, HashValue: h}, nil
}

type failingSource struct{}

func (failingSource) GenesisEntry(context.Context, ir.SubjectID) (*ir.LedgerEntry, error) {
	return nil, errors.New("database is locked")
}

func TestCheck_ExactSuffixUnlocks(t *testing.T) {
	g := New(genesisMap{"1": genesisHash})
	sess := NewSession("s1")

	state, err := g.Check(context.Background(), sess, "1", "d03b1c73")
	require.NoError(t, err)
	assert.Equal(t, Unlocked, state)
	assert.True(t, sess.Unlocked("1"))
	assert.Equal(t, 0, sess.Failures("1"))
}

func TestCheck_EverythingElseStaysLocked(t *testing.T) {
	candidates := map[string]string{
		"empty":          "",
		"one char off":   "d03b1c74",
		"case flipped":   "D03B1C73",
		"too short":      "03b1c73",
		"too long":       "bd03b1c73",
		"prefix":         genesisHash[:8],
		"whole hash":     genesisHash,
		"padded":         " d03b1c73",
		"trailing space": "d03b1c7 ",
	}
	for name, candidate := range candidates {
		t.Run(name, func(t *testing.T) {
			g := New(genesisMap{"1": genesisHash})
			sess := NewSession("s1")

			state, err := g.Check(context.Background(), sess, "1", candidate)
			require.NoError(t, err)
			assert.Equal(t, Locked, state)
			assert.False(t, sess.Unlocked("1"))
			assert.Equal(t, 1, sess.Failures("1"))
		})
	}
}

func TestCheck_UnknownSubjectIsLocked(t *testing.T) {
	g := New(genesisMap{})
	sess := NewSession("s1")

	state, err := g.Check(context.Background(), sess, "404", "d03b1c73")
	require.NoError(t, err)
	assert.Equal(t, Locked, state)
}

func TestCheck_LookupErrorIsLocked(t *testing.T) {
	g := New(failingSource{})
	sess := NewSession("s1")

	state, err := g.Check(context.Background(), sess, "1", "d03b1c73")
	assert.Error(t, err)
	assert.Equal(t, Locked, state)
	assert.False(t, sess.Unlocked("1"))
}

func TestCheck_UnlockedSessionStaysUnlocked(t *testing.T) {
	g := New(genesisMap{"1": genesisHash})
	sess := NewSession("s1")
	ctx := context.Background()

	_, err := g.Check(ctx, sess, "1", "d03b1c73")
	require.NoError(t, err)

	state, err := g.Check(ctx, sess, "1", "wrong")
	require.NoError(t, err)
	assert.Equal(t, Unlocked, state)
}

func TestCheck_GrantsAreSessionScoped(t *testing.T) {
	g := New(genesisMap{"1": genesisHash, "2": strings.Repeat("a", 64)})
	first := NewSession("s1")
	second := NewSession("s2")
	ctx := context.Background()

	_, err := g.Check(ctx, first, "1", "d03b1c73")
	require.NoError(t, err)

	assert.True(t, first.Unlocked("1"))
	assert.False(t, first.Unlocked("2"), "grant covers one subject")
	assert.False(t, second.Unlocked("1"), "grant covers one session")
	assert.Equal(t, []ir.SubjectID{"1"}, first.Grants())
}

func TestCheck_MaxFailuresLocksOut(t *testing.T) {
	g := New(genesisMap{"1": genesisHash}, WithMaxFailures(3))
	sess := NewSession("s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		state, err := g.Check(ctx, sess, "1", "nope")
		require.NoError(t, err)
		require.Equal(t, Locked, state)
	}

	state, err := g.Check(ctx, sess, "1", "d03b1c73")
	require.NoError(t, err)
	assert.Equal(t, Locked, state, "correct secret is not compared after lockout")
	assert.Equal(t, 4, sess.Failures("1"))

	other := NewSession("s2")
	state, err = g.Check(ctx, other, "1", "d03b1c73")
	require.NoError(t, err)
	assert.Equal(t, Unlocked, state, "lockout is per session")
}

func TestCheck_UnlimitedByDefault(t *testing.T) {
	g := New(genesisMap{"1": genesisHash})
	sess := NewSession("s1")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := g.Check(ctx, sess, "1", "nope")
		require.NoError(t, err)
	}
	state, err := g.Check(ctx, sess, "1", "d03b1c73")
	require.NoError(t, err)
	assert.Equal(t, Unlocked, state)
}

func TestAllowed(t *testing.T) {
	sess := NewSession("s1")

	assert.True(t, Allowed(sess, ir.Patient("1"), "1"))
	assert.False(t, Allowed(sess, ir.Patient("2"), "1"))
	assert.True(t, Allowed(nil, ir.Admin("root"), "1"))
	assert.False(t, Allowed(sess, ir.Professional("42"), "1"))
	assert.False(t, Allowed(nil, ir.Anonymous(), "1"))

	sess.grant("1")
	assert.True(t, Allowed(sess, ir.Professional("42"), "1"))
	assert.True(t, Allowed(sess, ir.Anonymous(), "1"))
}

func TestSessions(t *testing.T) {
	reg := NewSessions(idgen.NewFixed("sess-1", "sess-2"), 0)

	a := reg.Create()
	b := reg.Create()
	assert.Equal(t, "sess-1", a.ID())
	assert.Equal(t, "sess-2", b.ID())
	assert.Equal(t, 2, reg.Len())

	got, ok := reg.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, a, got)

	reg.Delete("sess-1")
	_, ok = reg.Get("sess-1")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func newTestSessions(ttl time.Duration) (*Sessions, *testutil.ManualClock) {
	clk := testutil.NewUnixClock(1000)
	reg := NewSessions(nil, ttl)
	reg.now = clk.Now
	return reg, clk
}

func TestSessions_TTL(t *testing.T) {
	reg, clk := newTestSessions(time.Minute)
	sess := reg.Create()

	clk.Advance(50 * time.Second)
	_, ok := reg.Get(sess.ID())
	require.True(t, ok)

	clk.Advance(50 * time.Second)
	_, ok = reg.Get(sess.ID())
	require.True(t, ok, "each use restarts the idle timer")

	clk.Advance(61 * time.Second)
	_, ok = reg.Get(sess.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestSessions_DefaultTTL(t *testing.T) {
	reg := NewSessions(nil, 0)
	assert.Equal(t, DefaultSessionTTL, reg.ttl)
}

func TestSessions_CreateSweepsIdleSessions(t *testing.T) {
	reg, clk := newTestSessions(time.Minute)

	for i := 0; i < 100; i++ {
		reg.Create()
	}
	require.Equal(t, 100, reg.Len())

	// Nobody looks the abandoned sessions up again.
	clk.Advance(2 * time.Minute)
	fresh := reg.Create()
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Get(fresh.ID())
	assert.True(t, ok)
}

func TestSessions_Evict(t *testing.T) {
	reg, clk := newTestSessions(time.Minute)

	idle := reg.Create()
	clk.Advance(40 * time.Second)
	active := reg.Create()
	clk.Advance(30 * time.Second)

	assert.Equal(t, 1, reg.Evict())
	_, ok := reg.Get(idle.ID())
	assert.False(t, ok)
	_, ok = reg.Get(active.ID())
	assert.True(t, ok)
}

func TestSessions_RunStopsWithContext(t *testing.T) {
	reg := NewSessions(nil, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reg.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
