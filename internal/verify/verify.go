// Package verify re-derives every stored hash of a lane and checks the
// links between consecutive entries.
//
// A break is a result, not an error: VerifyLane returns an error only when
// the lane could not be read. VerifyAll isolates lanes from each other, so
// one corrupted or unreadable lane never stops the sweep.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/medchain/internal/ir"
)

// ErrChainBroken is matched by every *ChainBrokenError.
var ErrChainBroken = errors.New("chain broken")

// Reader is the read side of a ledger store. Each call must read from a
// single consistent snapshot.
type Reader interface {
	Tail(ctx context.Context, lane ir.Lane) (*ir.LedgerEntry, error)
	Lane(ctx context.Context, lane ir.Lane) ([]ir.LedgerEntry, error)
	Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error)
	EntryByHash(ctx context.Context, hash string) (ir.LedgerEntry, error)
}

// Kind classifies a break.
type Kind string

const (
	// KindHashMismatch: the recomputed hash differs from the stored one.
	// Expected is the stored hash, Actual the recomputed one.
	KindHashMismatch Kind = "hash_mismatch"

	// KindLinkMismatch: previous_hash does not name the predecessor (or the
	// lane root, for the first entry). Expected is the predecessor's hash,
	// Actual the stored previous_hash.
	KindLinkMismatch Kind = "link_mismatch"

	// KindPayloadUnencodable: the stored payload can no longer be encoded.
	// Actual holds the encoder error.
	KindPayloadUnencodable Kind = "payload_unencodable"
)

// Break is the first point of divergence in a lane.
type Break struct {
	Index    int    `json:"index"`
	Seq      int64  `json:"seq"`
	Hash     string `json:"hash"`
	Kind     Kind   `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Result is the outcome of verifying one lane.
type Result struct {
	Lane    ir.Lane `json:"lane"`
	Entries int     `json:"entries"`
	Break   *Break  `json:"break,omitempty"`
	ReadErr error   `json:"-"`
}

// OK reports whether the lane was read and every entry checked out.
func (r Result) OK() bool {
	return r.Break == nil && r.ReadErr == nil
}

// Err returns nil for a sound lane, the read error for an unreadable one,
// and a *ChainBrokenError for a broken one.
func (r Result) Err() error {
	switch {
	case r.ReadErr != nil:
		return r.ReadErr
	case r.Break != nil:
		return &ChainBrokenError{Lane: r.Lane, Break: *r.Break}
	}
	return nil
}

// ChainBrokenError reports a broken lane. It is never retried.
type ChainBrokenError struct {
	Lane  ir.Lane
	Break Break
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("chain broken in %s at index %d (seq %d): %s: expected %s, got %s",
		e.Lane, e.Break.Index, e.Break.Seq, e.Break.Kind, e.Break.Expected, e.Break.Actual)
}

// Unwrap returns ErrChainBroken.
func (e *ChainBrokenError) Unwrap() error {
	return ErrChainBroken
}

// CheckLane walks entries in (timestamp, seq) order and returns the first
// divergence. root is the previous hash expected on the first entry (see
// ir.LaneRoot). entries is not modified.
func CheckLane(lane ir.Lane, root string, entries []ir.LedgerEntry) Result {
	walk := slices.Clone(entries)
	ir.SortEntries(walk)

	res := Result{Lane: lane, Entries: len(walk)}
	expectedPrev := root
	for i, e := range walk {
		if b := checkEntry(e); b != nil {
			b.Index = i
			res.Break = b
			return res
		}
		if e.PreviousHash != expectedPrev {
			res.Break = &Break{
				Index:    i,
				Seq:      e.Seq,
				Hash:     e.HashValue,
				Kind:     KindLinkMismatch,
				Expected: expectedPrev,
				Actual:   e.PreviousHash,
			}
			return res
		}
		expectedPrev = e.HashValue
	}
	return res
}

// checkEntry recomputes one entry's hash from its stored fields.
func checkEntry(e ir.LedgerEntry) *Break {
	recomputed, err := ir.EntryHash(e.Subject, e.Timestamp, e.Payload)
	if err != nil {
		return &Break{
			Seq:      e.Seq,
			Hash:     e.HashValue,
			Kind:     KindPayloadUnencodable,
			Expected: e.HashValue,
			Actual:   err.Error(),
		}
	}
	if recomputed != e.HashValue {
		return &Break{
			Seq:      e.Seq,
			Hash:     e.HashValue,
			Kind:     KindHashMismatch,
			Expected: e.HashValue,
			Actual:   recomputed,
		}
	}
	return nil
}

// Verifier checks lanes read from a store.
type Verifier struct {
	reader Reader
}

// New creates a verifier over r.
func New(r Reader) *Verifier {
	return &Verifier{reader: r}
}

// VerifyLane verifies one lane. A lane with no entries verifies trivially.
func (v *Verifier) VerifyLane(ctx context.Context, subject ir.SubjectID, category ir.Category) (Result, error) {
	lane := ir.Lane{Subject: subject, Category: category}

	var genesisHash string
	if category != ir.CategoryGenesis {
		g, err := v.reader.Tail(ctx, ir.GenesisLane(subject))
		if err != nil {
			return Result{Lane: lane}, fmt.Errorf("verify %s: read genesis: %w", lane, err)
		}
		if g != nil {
			genesisHash = g.HashValue
		}
	}

	entries, err := v.reader.Lane(ctx, lane)
	if err != nil {
		return Result{Lane: lane}, fmt.Errorf("verify %s: %w", lane, err)
	}

	res := CheckLane(lane, ir.LaneRoot(category, genesisHash), entries)
	if res.Break != nil {
		slog.Error("chain broken",
			"subject", subject,
			"category", category,
			"index", res.Break.Index,
			"seq", res.Break.Seq,
			"kind", res.Break.Kind,
			"expected", res.Break.Expected,
			"actual", res.Break.Actual,
		)
	}
	return res, nil
}

// Report is the outcome of a sweep over many lanes.
type Report struct {
	Results []Result `json:"results"`
}

// OK reports whether every lane verified.
func (r Report) OK() bool {
	return len(r.Suspect()) == 0
}

// Suspect returns the lanes that failed, broken or unreadable.
func (r Report) Suspect() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the result for lane.
func (r Report) Result(lane ir.Lane) (Result, bool) {
	for _, res := range r.Results {
		if res.Lane == lane {
			return res, true
		}
	}
	return Result{}, false
}

// VerifyAll verifies every lane, or every lane of one category when
// category is not empty. It fails only if the lanes cannot be listed or
// ctx is cancelled.
func (v *Verifier) VerifyAll(ctx context.Context, category ir.Category) (Report, error) {
	lanes, err := v.reader.Lanes(ctx, category)
	if err != nil {
		return Report{}, fmt.Errorf("verify all: list lanes: %w", err)
	}
	return v.sweep(ctx, lanes)
}

// VerifySubject verifies every lane of one subject.
func (v *Verifier) VerifySubject(ctx context.Context, subject ir.SubjectID) (Report, error) {
	all, err := v.reader.Lanes(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("verify subject %s: list lanes: %w", subject, err)
	}
	lanes := slices.DeleteFunc(all, func(l ir.Lane) bool { return l.Subject != subject })
	return v.sweep(ctx, lanes)
}

func (v *Verifier) sweep(ctx context.Context, lanes []ir.Lane) (Report, error) {
	report := Report{Results: make([]Result, 0, len(lanes))}
	for _, lane := range lanes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := v.VerifyLane(ctx, lane.Subject, lane.Category)
		if err != nil {
			slog.Warn("lane unreadable", "subject", lane.Subject, "category", lane.Category, "err", err)
			res.ReadErr = err
		}
		report.Results = append(report.Results, res)
	}
	slog.Info("verification sweep finished", "lanes", len(report.Results), "suspect", len(report.Suspect()))
	return report, nil
}

// VerifyEntry recomputes the hash of a single stored entry. Links are not
// checked; use VerifyLane for that.
func (v *Verifier) VerifyEntry(ctx context.Context, hash string) (Result, error) {
	e, err := v.reader.EntryByHash(ctx, hash)
	if err != nil {
		return Result{}, fmt.Errorf("verify entry %s: %w", hash, err)
	}
	res := Result{Lane: e.Lane(), Entries: 1}
	if b := checkEntry(e); b != nil {
		res.Break = b
	}
	return res, nil
}
