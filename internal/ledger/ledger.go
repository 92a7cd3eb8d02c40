// Package ledger is the chain ledger: per-subject, per-category lanes of
// hash-linked, append-only entries.
//
// Every append runs under a lane-scoped lock and inside the store's own
// atomic write, so reading the tail and inserting the next entry can never
// interleave with another append to the same lane. Different lanes never
// contend. Anchoring happens after commit, outside the lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/medchain/internal/anchor"
	"github.com/roach88/medchain/internal/clock"
	"github.com/roach88/medchain/internal/idgen"
	"github.com/roach88/medchain/internal/ir"
)

// Store is the persistence the ledger needs. The SQLite, PostgreSQL and
// key-value backends all implement it.
type Store interface {
	AppendEntry(ctx context.Context, lane ir.Lane, build ir.EntryBuilder) (ir.LedgerEntry, error)
	SetAnchor(ctx context.Context, hash string, receipt ir.AnchorReceipt) error
	Tail(ctx context.Context, lane ir.Lane) (*ir.LedgerEntry, error)
	Lane(ctx context.Context, lane ir.Lane) ([]ir.LedgerEntry, error)
	SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error)
	Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error)
	EntryByHash(ctx context.Context, hash string) (ir.LedgerEntry, error)
	EntryByRecord(ctx context.Context, lane ir.Lane, recordID string) (ir.LedgerEntry, error)
	Stats(ctx context.Context) (ir.LedgerStats, error)
}

// Validator checks a payload against its category's schema.
type Validator interface {
	Validate(category ir.Category, payload ir.IRObject) error
}

// Ledger appends and reads hash-linked lanes.
type Ledger struct {
	store         Store
	clock         clock.Clock
	ids           idgen.Generator
	schemas       Validator
	anchor        anchor.Client
	anchorTimeout time.Duration

	locks   *laneLocks
	anchors sync.WaitGroup
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the source of entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithIDs sets the generator for record ids left empty by the producer.
func WithIDs(g idgen.Generator) Option {
	return func(l *Ledger) { l.ids = g }
}

// WithSchemas enables payload validation per category.
func WithSchemas(v Validator) Option {
	return func(l *Ledger) { l.schemas = v }
}

// WithAnchor submits every committed entry to c.
func WithAnchor(c anchor.Client) Option {
	return func(l *Ledger) { l.anchor = c }
}

// WithAnchorTimeout bounds each anchor submission.
func WithAnchorTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.anchorTimeout = d }
}

// New creates a ledger over store. Without options it stamps entries with
// the system clock, validates no schemas and does not anchor.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		clock:         clock.System{},
		ids:           idgen.UUIDv7{},
		anchorTimeout: anchor.DefaultTimeout,
		locks:         newLaneLocks(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Genesis creates the subject's genesis entry: category genesis, record id
// equal to the subject id, sentinel previous hash. It fails with
// GENESIS_EXISTS if the subject already has one.
func (l *Ledger) Genesis(ctx context.Context, subject ir.SubjectID, payload ir.IRObject) (ir.LedgerEntry, error) {
	lane := ir.GenesisLane(subject)
	if err := l.checkPayload(lane, payload); err != nil {
		return ir.LedgerEntry{}, err
	}
	return l.append(ctx, lane, string(subject), payload, ir.GenesisPreviousHash, true)
}

// Append adds a record to the lane (subject, category) and returns the
// committed entry. The subject must already have a genesis entry; the first
// entry of every other lane links to it. Appending to the genesis category
// is the same as calling Genesis.
func (l *Ledger) Append(ctx context.Context, subject ir.SubjectID, category ir.Category, recordID string, payload ir.IRObject) (ir.LedgerEntry, error) {
	if category == ir.CategoryGenesis {
		return l.Genesis(ctx, subject, payload)
	}

	lane := ir.Lane{Subject: subject, Category: category}
	if err := l.checkPayload(lane, payload); err != nil {
		return ir.LedgerEntry{}, err
	}

	genesis, err := l.store.Tail(ctx, ir.GenesisLane(subject))
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append %s: read genesis: %w", lane, err)
	}
	if genesis == nil {
		return ir.LedgerEntry{}, newUnknownSubjectError(lane)
	}

	if recordID == "" {
		recordID = l.ids.Generate()
	}
	return l.append(ctx, lane, recordID, payload, genesis.HashValue, false)
}

func (l *Ledger) checkPayload(lane ir.Lane, payload ir.IRObject) error {
	if err := lane.Validate(); err != nil {
		return newInvalidLaneError(lane, err)
	}
	if err := ir.CheckPayload(payload); err != nil {
		return newInvalidPayloadError(lane, err)
	}
	if l.schemas != nil {
		if err := l.schemas.Validate(lane.Category, payload); err != nil {
			return newInvalidPayloadError(lane, err)
		}
	}
	return nil
}

func (l *Ledger) append(ctx context.Context, lane ir.Lane, recordID string, payload ir.IRObject, root string, genesis bool) (ir.LedgerEntry, error) {
	if payload == nil {
		payload = ir.IRObject{}
	}

	var hash string
	build := l.builder(lane, recordID, payload, root, genesis)
	unlock := l.locks.lock(lane.Key())
	entry, err := l.store.AppendEntry(ctx, lane, func(tail *ir.LedgerEntry) (ir.LedgerEntry, error) {
		e, err := build(tail)
		hash = e.HashValue
		return e, err
	})
	unlock()

	if err != nil {
		var le *Error
		switch {
		case errors.As(err, &le):
			return ir.LedgerEntry{}, err
		case errors.Is(err, ir.ErrDuplicateHash):
			return ir.LedgerEntry{}, newDuplicateHashError(lane, hash, err)
		default:
			return ir.LedgerEntry{}, fmt.Errorf("append %s: %w", lane, err)
		}
	}

	slog.Debug("ledger entry appended",
		"subject", entry.Subject,
		"category", entry.Category,
		"seq", entry.Seq,
		"hash", entry.HashValue,
	)
	l.submitAnchor(entry)
	return entry, nil
}

// builder links the new entry to whatever tail the store reads inside its
// write transaction, or to root when the lane is empty. The timestamp is
// clamped so it never precedes the tail's, keeping lane timestamps
// non-decreasing.
func (l *Ledger) builder(lane ir.Lane, recordID string, payload ir.IRObject, root string, genesis bool) ir.EntryBuilder {
	return func(tail *ir.LedgerEntry) (ir.LedgerEntry, error) {
		if genesis && tail != nil {
			return ir.LedgerEntry{}, newGenesisExistsError(lane.Subject, tail.HashValue)
		}

		e := ir.LedgerEntry{
			Subject:      lane.Subject,
			Category:     lane.Category,
			RecordID:     recordID,
			Seq:          1,
			PreviousHash: root,
			Payload:      payload,
			Timestamp:    l.clock.Now().Round(0).UTC(),
		}
		if tail != nil {
			e.Seq = tail.Seq + 1
			e.PreviousHash = tail.HashValue
			if e.Timestamp.Before(tail.Timestamp) {
				e.Timestamp = tail.Timestamp
			}
		}

		h, err := ir.EntryHash(lane.Subject, e.Timestamp, payload)
		if err != nil {
			return ir.LedgerEntry{}, newInvalidPayloadError(lane, err)
		}
		e.HashValue = h
		return e, nil
	}
}

// submitAnchor hands the committed entry to the anchor client in a
// detached goroutine. Failures are logged and never reach the caller.
func (l *Ledger) submitAnchor(entry ir.LedgerEntry) {
	if l.anchor == nil {
		return
	}

	l.anchors.Add(1)
	go func() {
		defer l.anchors.Done()

		client := anchor.Bounded{Client: l.anchor, Timeout: l.anchorTimeout}
		receipt, err := client.Submit(context.Background(), entry.Subject, entry.HashValue)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, anchor.ErrNotConfigured) {
				level = slog.LevelDebug
			}
			slog.Log(context.Background(), level, "anchor submission failed",
				"subject", entry.Subject,
				"category", entry.Category,
				"hash", entry.HashValue,
				"err", err,
			)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.anchorTimeout)
		defer cancel()
		if err := l.store.SetAnchor(ctx, entry.HashValue, receipt); err != nil {
			slog.Warn("record anchor receipt failed",
				"hash", entry.HashValue,
				"tx_ref", receipt.TxRef,
				"err", err,
			)
			return
		}
		slog.Debug("entry anchored", "hash", entry.HashValue, "tx_ref", receipt.TxRef, "block", receipt.BlockHeight)
	}()
}

// Wait blocks until every in-flight anchor submission has settled.
func (l *Ledger) Wait() {
	l.anchors.Wait()
}

// Tail returns the most recent entry of a lane, or nil when the lane is
// empty.
func (l *Ledger) Tail(ctx context.Context, subject ir.SubjectID, category ir.Category) (*ir.LedgerEntry, error) {
	return l.store.Tail(ctx, ir.Lane{Subject: subject, Category: category})
}

// Lane returns a lane's entries oldest-first. A lane with no entries
// yields an empty slice.
func (l *Ledger) Lane(ctx context.Context, subject ir.SubjectID, category ir.Category) ([]ir.LedgerEntry, error) {
	return l.store.Lane(ctx, ir.Lane{Subject: subject, Category: category})
}

// GenesisEntry returns the subject's genesis entry, or nil when the
// subject is unknown.
func (l *Ledger) GenesisEntry(ctx context.Context, subject ir.SubjectID) (*ir.LedgerEntry, error) {
	return l.store.Tail(ctx, ir.GenesisLane(subject))
}

// SubjectEntries returns every entry of a subject grouped by category.
func (l *Ledger) SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error) {
	return l.store.SubjectEntries(ctx, subject)
}

// Lanes lists non-empty lanes, optionally limited to one category.
func (l *Ledger) Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error) {
	return l.store.Lanes(ctx, category)
}

// Entry returns the entry with the given hash value.
func (l *Ledger) Entry(ctx context.Context, hash string) (ir.LedgerEntry, error) {
	return l.store.EntryByHash(ctx, hash)
}

// Record returns the latest entry for a record id within a lane.
func (l *Ledger) Record(ctx context.Context, subject ir.SubjectID, category ir.Category, recordID string) (ir.LedgerEntry, error) {
	return l.store.EntryByRecord(ctx, ir.Lane{Subject: subject, Category: category}, recordID)
}

// Stats summarises the ledger.
func (l *Ledger) Stats(ctx context.Context) (ir.LedgerStats, error) {
	return l.store.Stats(ctx)
}
