package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return createTestStore(t)
	})
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_ReopensWithData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	lane := ir.Lane{Subject: "1", Category: ir.CategoryAllergy}

	s1, err := Open(path)
	require.NoError(t, err)
	written, err := s1.AppendEntry(ctx, lane, storetest.Build(lane, "r1", ir.IRObject{}, time.Unix(100, 0)))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "reopen %d", i)
		tail, err := s.Tail(ctx, lane)
		require.NoError(t, err)
		require.NotNil(t, tail)
		assert.Equal(t, written.HashValue, tail.HashValue)
		require.NoError(t, s.Close())
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestClose_NilSafe(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Close())
	assert.NoError(t, (&Store{}).Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		assert.NoError(t, s.verifyPragma(tt.name, tt.expected))
	}
}

func TestMigrationV1_CreatesEntryHashIndex(t *testing.T) {
	s := createTestStore(t)

	var name string
	err := s.DB().QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type = 'index' AND name = 'idx_audit_entries_entry_hash'
	`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "idx_audit_entries_entry_hash", name)
}

func TestAppendEntry_SeqConflictFromAnotherWriter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	lane := ir.Lane{Subject: "1", Category: ir.CategoryAllergy}

	_, err := s.AppendEntry(ctx, lane, storetest.Build(lane, "r1", ir.IRObject{}, time.Unix(100, 0)))
	require.NoError(t, err)

	// A builder that ignores the tail simulates a writer holding a stale one.
	stale := storetest.Build(lane, "r2", ir.IRObject{"n": ir.IRInt(2)}, time.Unix(101, 0))
	_, err = s.AppendEntry(ctx, lane, func(*ir.LedgerEntry) (ir.LedgerEntry, error) {
		return stale(nil)
	})
	require.ErrorIs(t, err, ir.ErrSeqConflict)
}

func TestUnmarshalPayload_ToleratesNonScalar(t *testing.T) {
	obj, err := unmarshalPayload(`{"tags":["a","b"],"n":1}`)
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRString("a"), ir.IRString("b")}, obj["tags"])

	_, err = unmarshalPayload(`{"n":1.5}`)
	assert.ErrorIs(t, err, ir.ErrFloatForbidden)
}
