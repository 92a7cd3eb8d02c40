// Package storetest is a conformance suite every ledger backend runs from
// its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/ir"
)

// Backend is the full persistence surface of a ledger backend.
type Backend interface {
	AppendEntry(ctx context.Context, lane ir.Lane, build ir.EntryBuilder) (ir.LedgerEntry, error)
	SetAnchor(ctx context.Context, hash string, receipt ir.AnchorReceipt) error
	Tail(ctx context.Context, lane ir.Lane) (*ir.LedgerEntry, error)
	Lane(ctx context.Context, lane ir.Lane) ([]ir.LedgerEntry, error)
	SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error)
	Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error)
	EntryByHash(ctx context.Context, hash string) (ir.LedgerEntry, error)
	EntryByRecord(ctx context.Context, lane ir.Lane, recordID string) (ir.LedgerEntry, error)
	Stats(ctx context.Context) (ir.LedgerStats, error)

	AppendAudit(ctx context.Context, entry ir.AuditEntry) (ir.AuditEntry, error)
	AuditHistory(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error)
	EntryAuditHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error)
}

// Opener returns a fresh, empty backend. It registers its own cleanup.
type Opener func(t *testing.T) Backend

var (
	allergy = ir.Lane{Subject: "1", Category: ir.CategoryAllergy}
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// Build returns a builder that links the next entry to the tail the store
// hands it, the same way the ledger does.
func Build(lane ir.Lane, recordID string, payload ir.IRObject, ts time.Time) ir.EntryBuilder {
	return func(tail *ir.LedgerEntry) (ir.LedgerEntry, error) {
		e := ir.LedgerEntry{
			Subject:      lane.Subject,
			Category:     lane.Category,
			RecordID:     recordID,
			Seq:          1,
			PreviousHash: ir.GenesisPreviousHash,
			Payload:      payload,
			Timestamp:    ts.UTC(),
		}
		if tail != nil {
			e.Seq = tail.Seq + 1
			e.PreviousHash = tail.HashValue
		}
		h, err := ir.EntryHash(lane.Subject, e.Timestamp, payload)
		if err != nil {
			return ir.LedgerEntry{}, err
		}
		e.HashValue = h
		return e, nil
	}
}

func payload(n int) ir.IRObject {
	return ir.IRObject{"substance": ir.IRString(fmt.Sprintf("substance-%d", n)), "notes": ir.IRNull{}}
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Run("EmptyLane", func(t *testing.T) { testEmptyLane(t, open(t)) })
	t.Run("AppendLinksTail", func(t *testing.T) { testAppendLinksTail(t, open(t)) })
	t.Run("RoundTripsExactly", func(t *testing.T) { testRoundTrip(t, open(t)) })
	t.Run("DuplicateHash", func(t *testing.T) { testDuplicateHash(t, open(t)) })
	t.Run("BuilderError", func(t *testing.T) { testBuilderError(t, open(t)) })
	t.Run("Lookups", func(t *testing.T) { testLookups(t, open(t)) })
	t.Run("Anchor", func(t *testing.T) { testAnchor(t, open(t)) })
	t.Run("LanesAndStats", func(t *testing.T) { testLanesAndStats(t, open(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, open(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, open(t)) })
}

func testEmptyLane(t *testing.T, b Backend) {
	ctx := context.Background()

	tail, err := b.Tail(ctx, allergy)
	require.NoError(t, err)
	assert.Nil(t, tail)

	entries, err := b.Lane(ctx, allergy)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	lanes, err := b.Lanes(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, lanes)

	_, err = b.EntryByHash(ctx, "missing")
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func testAppendLinksTail(t *testing.T, b Backend) {
	ctx := context.Background()

	var seen []*ir.LedgerEntry
	for i := 0; i < 3; i++ {
		build := Build(allergy, fmt.Sprintf("r%d", i), payload(i), t0.Add(time.Duration(i)*time.Second))
		_, err := b.AppendEntry(ctx, allergy, func(tail *ir.LedgerEntry) (ir.LedgerEntry, error) {
			seen = append(seen, tail)
			return build(tail)
		})
		require.NoError(t, err)
	}

	require.Len(t, seen, 3)
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[2])
	assert.Equal(t, int64(2), seen[2].Seq)

	entries, err := b.Lane(ctx, allergy)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ir.GenesisPreviousHash, entries[0].PreviousHash)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		if i > 0 {
			assert.Equal(t, entries[i-1].HashValue, e.PreviousHash)
		}
	}

	tail, err := b.Tail(ctx, allergy)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, entries[2].HashValue, tail.HashValue)
}

func testRoundTrip(t *testing.T, b Backend) {
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	p := ir.IRObject{
		"substance": ir.IRString("penicilina <β-lactámico> & co"),
		"episodes":  ir.IRInt(9007199254740993),
		"confirmed": ir.IRBool(true),
		"notes":     ir.IRNull{},
	}

	written, err := b.AppendEntry(ctx, allergy, Build(allergy, "r1", p, ts))
	require.NoError(t, err)

	read, err := b.EntryByHash(ctx, written.HashValue)
	require.NoError(t, err)

	assert.Equal(t, written.Subject, read.Subject)
	assert.Equal(t, written.Category, read.Category)
	assert.Equal(t, written.RecordID, read.RecordID)
	assert.Equal(t, p, read.Payload)
	assert.Equal(t, ir.FormatTimestamp(ts), ir.FormatTimestamp(read.Timestamp))
	assert.Nil(t, read.Anchor)

	recomputed, err := ir.EntryHash(read.Subject, read.Timestamp, read.Payload)
	require.NoError(t, err)
	assert.Equal(t, read.HashValue, recomputed, "stored entry must re-hash to its hash value")
}

func testDuplicateHash(t *testing.T, b Backend) {
	ctx := context.Background()

	first, err := b.AppendEntry(ctx, allergy, Build(allergy, "r1", payload(1), t0))
	require.NoError(t, err)

	// Same subject, timestamp and fields give the same hash, whatever the lane.
	other := ir.Lane{Subject: "1", Category: ir.CategoryCondition}
	_, err = b.AppendEntry(ctx, other, Build(other, "c1", payload(1), t0))
	require.ErrorIs(t, err, ir.ErrDuplicateHash)

	_, err = b.AppendEntry(ctx, allergy, Build(allergy, "r2", payload(1), t0))
	require.ErrorIs(t, err, ir.ErrDuplicateHash)

	entries, err := b.Lane(ctx, allergy)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.HashValue, entries[0].HashValue)

	entries, err = b.Lane(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testBuilderError(t *testing.T, b Backend) {
	ctx := context.Background()
	boom := fmt.Errorf("boom")

	_, err := b.AppendEntry(ctx, allergy, func(*ir.LedgerEntry) (ir.LedgerEntry, error) {
		return ir.LedgerEntry{}, boom
	})
	require.ErrorIs(t, err, boom)

	tail, err := b.Tail(ctx, allergy)
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func testLookups(t *testing.T, b Backend) {
	ctx := context.Background()

	e1, err := b.AppendEntry(ctx, allergy, Build(allergy, "a-1", payload(1), t0))
	require.NoError(t, err)
	e2, err := b.AppendEntry(ctx, allergy, Build(allergy, "a-2", payload(2), t0.Add(time.Second)))
	require.NoError(t, err)
	cond := ir.Lane{Subject: "1", Category: ir.CategoryCondition}
	e3, err := b.AppendEntry(ctx, cond, Build(cond, "c-1", payload(3), t0))
	require.NoError(t, err)
	other := ir.Lane{Subject: "2", Category: ir.CategoryAllergy}
	_, err = b.AppendEntry(ctx, other, Build(other, "a-1", payload(1), t0))
	require.NoError(t, err)

	got, err := b.EntryByRecord(ctx, allergy, "a-2")
	require.NoError(t, err)
	assert.Equal(t, e2.HashValue, got.HashValue)

	_, err = b.EntryByRecord(ctx, allergy, "c-1")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	got, err = b.EntryByHash(ctx, e3.HashValue)
	require.NoError(t, err)
	assert.Equal(t, cond, got.Lane())

	subject, err := b.SubjectEntries(ctx, "1")
	require.NoError(t, err)
	require.Len(t, subject, 3)
	hashes := []string{subject[0].HashValue, subject[1].HashValue, subject[2].HashValue}
	assert.Equal(t, []string{e1.HashValue, e2.HashValue, e3.HashValue}, hashes)

	none, err := b.SubjectEntries(ctx, "404")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testAnchor(t *testing.T, b Backend) {
	ctx := context.Background()

	e, err := b.AppendEntry(ctx, allergy, Build(allergy, "r1", payload(1), t0))
	require.NoError(t, err)

	receipt := ir.AnchorReceipt{TxRef: "0x" + e.HashValue, BlockHeight: 1001, AnchoredAt: t0.Add(time.Second)}
	require.NoError(t, b.SetAnchor(ctx, e.HashValue, receipt))

	got, err := b.EntryByHash(ctx, e.HashValue)
	require.NoError(t, err)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, receipt.TxRef, got.Anchor.TxRef)
	assert.Equal(t, receipt.BlockHeight, got.Anchor.BlockHeight)
	assert.True(t, receipt.AnchoredAt.Equal(got.Anchor.AnchoredAt))
	assert.Equal(t, e.HashValue, got.HashValue, "anchoring must not touch the hash")

	err = b.SetAnchor(ctx, e.HashValue, ir.AnchorReceipt{TxRef: "0xother", BlockHeight: 1})
	assert.ErrorIs(t, err, ir.ErrAlreadyAnchored)

	err = b.SetAnchor(ctx, "missing", receipt)
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func testLanesAndStats(t *testing.T, b Backend) {
	ctx := context.Background()

	lanes := []ir.Lane{
		{Subject: "2", Category: ir.CategoryAllergy},
		{Subject: "1", Category: ir.CategoryGenesis},
		{Subject: "1", Category: ir.CategoryAllergy},
	}
	for i, lane := range lanes {
		_, err := b.AppendEntry(ctx, lane, Build(lane, "r", payload(i), t0))
		require.NoError(t, err)
	}
	_, err := b.AppendEntry(ctx, lanes[2], Build(lanes[2], "r2", payload(9), t0.Add(time.Second)))
	require.NoError(t, err)

	all, err := b.Lanes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []ir.Lane{
		{Subject: "1", Category: ir.CategoryAllergy},
		{Subject: "1", Category: ir.CategoryGenesis},
		{Subject: "2", Category: ir.CategoryAllergy},
	}, all)

	allergies, err := b.Lanes(ctx, ir.CategoryAllergy)
	require.NoError(t, err)
	assert.Equal(t, []ir.Lane{
		{Subject: "1", Category: ir.CategoryAllergy},
		{Subject: "2", Category: ir.CategoryAllergy},
	}, allergies)

	tail, err := b.Tail(ctx, lanes[0])
	require.NoError(t, err)
	require.NoError(t, b.SetAnchor(ctx, tail.HashValue, ir.AnchorReceipt{TxRef: "0x1", BlockHeight: 1, AnchoredAt: t0}))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Entries)
	assert.Equal(t, int64(2), stats.Subjects)
	assert.Equal(t, int64(3), stats.Lanes)
	assert.Equal(t, int64(1), stats.Anchored)
	assert.Equal(t, int64(3), stats.Unanchored)
	assert.Equal(t, []ir.CategoryStats{
		{Category: ir.CategoryAllergy, Entries: 3, Anchored: 1, Unanchored: 2},
		{Category: ir.CategoryGenesis, Entries: 1, Anchored: 0, Unanchored: 1},
	}, stats.Categories)
}

func testAudit(t *testing.T, b Backend) {
	ctx := context.Background()

	empty, err := b.AuditHistory(ctx, "1")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	entries := []ir.AuditEntry{
		{ID: "a1", Subject: "1", Actor: ir.Professional("42"), Reason: "denied", Granted: false, Timestamp: t0},
		{ID: "a2", Subject: "1", Category: ir.CategoryAllergy, RecordID: "r1", EntryHash: "h1",
			Actor: ir.Professional("42"), Reason: "consulta", Granted: true, Timestamp: t0.Add(time.Second)},
		{ID: "a3", Subject: "2", Actor: ir.Anonymous(), Reason: "denied", Timestamp: t0},
		{ID: "a4", Subject: "1", EntryHash: "h1", Actor: ir.Patient("1"), Reason: "owner", Granted: true, Timestamp: t0.Add(2 * time.Second)},
	}
	var lastSeq int64
	for _, e := range entries {
		got, err := b.AppendAudit(ctx, e)
		require.NoError(t, err)
		assert.Greater(t, got.Seq, lastSeq)
		lastSeq = got.Seq
	}

	history, err := b.AuditHistory(ctx, "1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"a1", "a2", "a4"}, []string{history[0].ID, history[1].ID, history[2].ID})

	second := history[1]
	assert.Equal(t, ir.CategoryAllergy, second.Category)
	assert.Equal(t, "r1", second.RecordID)
	assert.Equal(t, "h1", second.EntryHash)
	assert.Equal(t, ir.Professional("42"), second.Actor)
	assert.Equal(t, "consulta", second.Reason)
	assert.True(t, second.Granted)
	assert.True(t, second.Timestamp.Equal(t0.Add(time.Second)))
	assert.False(t, history[0].Granted)
	assert.Empty(t, history[0].Category)

	byEntry, err := b.EntryAuditHistory(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, byEntry, 2)
	assert.Equal(t, "a2", byEntry[0].ID)
	assert.Equal(t, "a4", byEntry[1].ID)
}

func testConcurrentAppends(t *testing.T, b Backend) {
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.AppendEntry(ctx, allergy, Build(allergy, fmt.Sprintf("r%d", i), payload(i), t0))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := b.Lane(ctx, allergy)
	require.NoError(t, err)
	require.Len(t, entries, writers)

	previous := map[string]int{}
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		previous[e.PreviousHash]++
	}
	for prev, n := range previous {
		assert.Equal(t, 1, n, "previous hash %s shared by %d entries: lane forked", prev, n)
	}
}
