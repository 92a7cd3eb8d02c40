package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/anchor"
	"github.com/roach88/medchain/internal/idgen"
	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/testutil"
)

func TestGenesis_KnownHash(t *testing.T) {
	l, _, _ := newTestLedger(t)

	g, err := l.Genesis(context.Background(), "1", genesisPayload)
	require.NoError(t, err)

	assert.Equal(t, genesisHash, g.HashValue)
	assert.Equal(t, ir.GenesisPreviousHash, g.PreviousHash)
	assert.Equal(t, ir.CategoryGenesis, g.Category)
	assert.Equal(t, "1", g.RecordID)
	assert.Equal(t, int64(1), g.Seq)
	assert.Equal(t, time.Unix(100, 0).UTC(), g.Timestamp)
	assert.Nil(t, g.Anchor)
}

func TestGenesis_OnlyOnce(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = l.Genesis(ctx, "1", ir.IRObject{"name": ir.IRString("Other")})
	require.Error(t, err)
	assert.True(t, IsGenesisExists(err))
	assert.ErrorIs(t, err, ErrGenesisAlreadyExists)

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, first.HashValue, le.Hash)

	_, err = l.Append(ctx, "1", ir.CategoryGenesis, "x", ir.IRObject{"name": ir.IRString("Again")})
	assert.True(t, IsGenesisExists(err), "appending to the genesis lane routes through Genesis")

	lane, err := l.Lane(ctx, "1", ir.CategoryGenesis)
	require.NoError(t, err)
	assert.Len(t, lane, 1)
}

func TestAppend_FirstEntryLinksToGenesis(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	clk.Set(time.Unix(200, 0))
	e, err := l.Append(ctx, "1", ir.CategoryAllergy, "a-1", allergyPayload)
	require.NoError(t, err)

	assert.Equal(t, allergyHash, e.HashValue)
	assert.Equal(t, genesisHash, e.PreviousHash)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, "a-1", e.RecordID)
}

func TestAppend_UnknownSubject(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Append(context.Background(), "404", ir.CategoryAllergy, "a-1", allergyPayload)

	require.Error(t, err)
	assert.True(t, IsUnknownSubject(err))
	assert.ErrorIs(t, err, ErrUnknownSubject)
	assert.Contains(t, err.Error(), "UNKNOWN_SUBJECT")
}

func TestAppend_ChainLinkage(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	g, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	var appended []ir.LedgerEntry
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		e, err := l.Append(ctx, "1", ir.CategoryCondition, fmt.Sprintf("c-%d", i),
			ir.IRObject{"diagnosis": ir.IRString("asthma"), "visit": ir.IRInt(i)})
		require.NoError(t, err)
		appended = append(appended, e)
	}

	lane, err := l.Lane(ctx, "1", ir.CategoryCondition)
	require.NoError(t, err)
	require.Len(t, lane, 5)
	assert.Equal(t, g.HashValue, lane[0].PreviousHash)
	for i := 1; i < len(lane); i++ {
		assert.Equal(t, lane[i-1].HashValue, lane[i].PreviousHash, "entry %d", i)
		assert.Equal(t, int64(i+1), lane[i].Seq)
	}

	tail, err := l.Tail(ctx, "1", ir.CategoryCondition)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, appended[4].HashValue, tail.HashValue)
}

func TestAppend_DuplicateHash(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)
	clk.Set(time.Unix(200, 0))

	first, err := l.Append(ctx, "1", ir.CategoryAllergy, "a-1", allergyPayload)
	require.NoError(t, err)

	_, err = l.Append(ctx, "1", ir.CategoryAllergy, "a-2", allergyPayload)
	require.Error(t, err)
	assert.True(t, IsDuplicateHash(err))
	assert.ErrorIs(t, err, ErrDuplicateHash)

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeDuplicateHash, le.Code)
	assert.Equal(t, first.HashValue, le.Hash)

	lane, err := l.Lane(ctx, "1", ir.CategoryAllergy)
	require.NoError(t, err)
	assert.Len(t, lane, 1, "rejected append must not be persisted")
}

func TestAppend_ClampsTimestampToTail(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	clk.Set(time.Unix(300, 0))
	_, err = l.Append(ctx, "1", ir.CategoryTreatment, "t-1", ir.IRObject{"drug": ir.IRString("salbutamol")})
	require.NoError(t, err)

	clk.Set(time.Unix(250, 0))
	e, err := l.Append(ctx, "1", ir.CategoryTreatment, "t-2", ir.IRObject{"drug": ir.IRString("budesonide")})
	require.NoError(t, err)

	assert.Equal(t, time.Unix(300, 0).UTC(), e.Timestamp)
	assert.Equal(t, int64(2), e.Seq)
}

type rejectAll struct{}

func (rejectAll) Validate(category ir.Category, _ ir.IRObject) error {
	if category == ir.CategoryGenesis {
		return nil
	}
	return fmt.Errorf("%s: field severity: incomplete value", category)
}

func TestAppend_InvalidPayload(t *testing.T) {
	l, _, _ := newTestLedger(t, WithSchemas(rejectAll{}))
	ctx := context.Background()

	_, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	_, err = l.Append(ctx, "1", ir.CategoryAllergy, "a-1", allergyPayload)
	assert.True(t, IsInvalidPayload(err))
	assert.Contains(t, err.Error(), "incomplete value")

	_, err = l.Append(ctx, "1", ir.CategoryAllergy, "a-1", ir.IRObject{"nested": ir.IRObject{}})
	assert.True(t, IsInvalidPayload(err))
	assert.ErrorIs(t, err, ir.ErrNonScalar)
}

func TestAppend_InvalidLane(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Append(context.Background(), "1", "", "a-1", allergyPayload)
	assert.ErrorIs(t, err, ErrInvalidLane)

	_, err = l.Genesis(context.Background(), "", genesisPayload)
	assert.ErrorIs(t, err, ErrInvalidLane)
}

func TestAppend_GeneratesRecordID(t *testing.T) {
	l, _, _ := newTestLedger(t, WithIDs(idgen.NewFixed("rec-1")))
	ctx := context.Background()

	_, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	e, err := l.Append(ctx, "1", ir.CategorySurgery, "", ir.IRObject{"procedure": ir.IRString("appendectomy")})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", e.RecordID)
}

func TestAppend_ConcurrentSameLaneNeverForks(t *testing.T) {
	l, _, _ := newTestLedger(t, WithClock(testutil.NewTickingClock(time.Unix(100, 0), time.Millisecond)))
	ctx := context.Background()

	_, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)

	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "1", ir.CategoryLabResult, fmt.Sprintf("lab-%d", i),
				ir.IRObject{"test": ir.IRString("hemoglobin"), "sample": ir.IRInt(i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	lane, err := l.Lane(ctx, "1", ir.CategoryLabResult)
	require.NoError(t, err)
	require.Len(t, lane, writers)

	predecessors := make(map[string]bool)
	for i, e := range lane {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.False(t, predecessors[e.PreviousHash], "fork at seq %d", e.Seq)
		predecessors[e.PreviousHash] = true
		if i > 0 {
			assert.Equal(t, lane[i-1].HashValue, e.PreviousHash)
		}
	}
	assert.Equal(t, 0, l.locks.held())
}

func TestAnchor_RecordsReceiptAfterCommit(t *testing.T) {
	mock := anchor.NewMock(testutil.NewUnixClock(500), 0)
	l, _, _ := newTestLedger(t, WithAnchor(mock))
	ctx := context.Background()

	g, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)
	l.Wait()

	stored, err := l.Entry(ctx, g.HashValue)
	require.NoError(t, err)
	require.NotNil(t, stored.Anchor)
	assert.Equal(t, "0x"+g.HashValue, stored.Anchor.TxRef)
	assert.Equal(t, uint64(1), stored.Anchor.BlockHeight)
	assert.Equal(t, time.Unix(500, 0).UTC(), stored.Anchor.AnchoredAt)
	assert.Equal(t, g.HashValue, stored.HashValue, "receipt is not part of the hash")
}

func TestAnchor_FailureIsAbsorbed(t *testing.T) {
	mock := anchor.NewMock(nil, 0)
	mock.FailWith(anchor.ErrUnreachable)
	l, _, _ := newTestLedger(t, WithAnchor(mock))
	ctx := context.Background()

	g, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)
	l.Wait()

	stored, err := l.Entry(ctx, g.HashValue)
	require.NoError(t, err)
	assert.Nil(t, stored.Anchor)
}

type stalledAnchor struct {
	release chan struct{}
}

func (s stalledAnchor) Submit(ctx context.Context, _ ir.SubjectID, _ string) (ir.AnchorReceipt, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return ir.AnchorReceipt{}, ctx.Err()
}

func TestAnchor_SlowSubmissionDoesNotDelayAppend(t *testing.T) {
	release := make(chan struct{})
	l, _, _ := newTestLedger(t,
		WithAnchor(stalledAnchor{release: release}),
		WithAnchorTimeout(50*time.Millisecond),
	)
	ctx := context.Background()

	start := time.Now()
	g, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	l.Wait()
	close(release)

	stored, err := l.Entry(ctx, g.HashValue)
	require.NoError(t, err)
	assert.Nil(t, stored.Anchor)
}

func TestReads(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	empty, err := l.Lane(ctx, "1", ir.CategoryAllergy)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	tail, err := l.Tail(ctx, "1", ir.CategoryAllergy)
	require.NoError(t, err)
	assert.Nil(t, tail)

	none, err := l.GenesisEntry(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, none)

	g, err := l.Genesis(ctx, "1", genesisPayload)
	require.NoError(t, err)
	clk.Advance(time.Second)
	a, err := l.Append(ctx, "1", ir.CategoryAllergy, "a-1", allergyPayload)
	require.NoError(t, err)

	genesis, err := l.GenesisEntry(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, genesis)
	assert.Equal(t, g.HashValue, genesis.HashValue)

	rec, err := l.Record(ctx, "1", ir.CategoryAllergy, "a-1")
	require.NoError(t, err)
	assert.Equal(t, a.HashValue, rec.HashValue)
	assert.Equal(t, allergyPayload, rec.Payload)

	_, err = l.Entry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	lanes, err := l.Lanes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []ir.Lane{
		{Subject: "1", Category: ir.CategoryAllergy},
		{Subject: "1", Category: ir.CategoryGenesis},
	}, lanes)

	all, err := l.SubjectEntries(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(1), stats.Subjects)
	assert.Equal(t, int64(2), stats.Unanchored)
}
