// Package access is the only read path to protected ledger data. Every
// call consults the capability gate and writes exactly one audit entry
// before anything is returned, whether access was granted or not.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/medchain/internal/audit"
	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/ir"
)

// ErrGateDenied is returned for every refused read. It carries no detail
// about which part of a secret was wrong.
var ErrGateDenied = errors.New("access denied")

// Ledger is the read side of the chain ledger.
type Ledger interface {
	GenesisEntry(ctx context.Context, subject ir.SubjectID) (*ir.LedgerEntry, error)
	Lane(ctx context.Context, subject ir.SubjectID, category ir.Category) ([]ir.LedgerEntry, error)
	Record(ctx context.Context, subject ir.SubjectID, category ir.Category, recordID string) (ir.LedgerEntry, error)
	Entry(ctx context.Context, hash string) (ir.LedgerEntry, error)
	SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error)
}

// Checker verifies candidate secrets.
type Checker interface {
	Check(ctx context.Context, sess *gate.Session, subject ir.SubjectID, candidate string) (gate.State, error)
}

// AuditLog records and reads access events.
type AuditLog interface {
	Record(ctx context.Context, ev audit.Event) (ir.AuditEntry, error)
	History(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error)
	EntryHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error)
}

// Guard gates and audits reads.
type Guard struct {
	ledger Ledger
	gate   Checker
	audit  AuditLog
}

// New creates a guard.
func New(l Ledger, g Checker, log AuditLog) *Guard {
	return &Guard{ledger: l, gate: g, audit: log}
}

// Unlock presents a candidate secret for subject. Owners and privileged
// callers are unlocked without comparing. A failed check is audited with
// reason "denied" and returns ErrGateDenied.
func (g *Guard) Unlock(ctx context.Context, sess *gate.Session, caller ir.Role, subject ir.SubjectID, candidate, reason string) (gate.State, error) {
	if reason == "" {
		reason = audit.ReasonUnlocked
	}

	state := gate.Unlocked
	var checkErr error
	if !caller.Owns(subject) && !caller.Privileged() {
		state, checkErr = g.gate.Check(ctx, sess, subject, candidate)
	}

	ev := audit.Event{Subject: subject, Actor: caller, Reason: reason, Granted: state == gate.Unlocked}
	if !ev.Granted {
		ev.Reason = audit.ReasonDenied
	}
	if _, err := g.audit.Record(ctx, ev); err != nil {
		return gate.Locked, errors.Join(checkErr, err)
	}

	switch {
	case checkErr != nil:
		return gate.Locked, checkErr
	case state != gate.Unlocked:
		return gate.Locked, ErrGateDenied
	}
	return gate.Unlocked, nil
}

// record writes the single audit entry of a read and reports whether the
// read may proceed.
func (g *Guard) record(ctx context.Context, sess *gate.Session, caller ir.Role, ev audit.Event) error {
	ev.Actor = caller
	ev.Granted = gate.Allowed(sess, caller, ev.Subject)
	if !ev.Granted {
		ev.Reason = audit.ReasonDenied
	}
	if _, err := g.audit.Record(ctx, ev); err != nil {
		return err
	}
	if !ev.Granted {
		return ErrGateDenied
	}
	return nil
}

// ReadLane returns one lane of subject, oldest first.
func (g *Guard) ReadLane(ctx context.Context, sess *gate.Session, caller ir.Role, subject ir.SubjectID, category ir.Category, reason string) ([]ir.LedgerEntry, error) {
	ev := audit.Event{Subject: subject, Category: category, Reason: reason}
	if !gate.Allowed(sess, caller, subject) {
		return nil, g.record(ctx, sess, caller, ev)
	}

	entries, err := g.ledger.Lane(ctx, subject, category)
	if auditErr := g.record(ctx, sess, caller, ev); auditErr != nil {
		return nil, auditErr
	}
	if err != nil {
		return nil, fmt.Errorf("read lane %s/%s: %w", subject, category, err)
	}
	return entries, nil
}

// ReadRecord returns the latest entry of one record.
func (g *Guard) ReadRecord(ctx context.Context, sess *gate.Session, caller ir.Role, subject ir.SubjectID, category ir.Category, recordID, reason string) (ir.LedgerEntry, error) {
	ev := audit.Event{Subject: subject, Category: category, RecordID: recordID, Reason: reason}
	if !gate.Allowed(sess, caller, subject) {
		return ir.LedgerEntry{}, g.record(ctx, sess, caller, ev)
	}

	entry, err := g.ledger.Record(ctx, subject, category, recordID)
	if err == nil {
		ev.EntryHash = entry.HashValue
	}
	if auditErr := g.record(ctx, sess, caller, ev); auditErr != nil {
		return ir.LedgerEntry{}, auditErr
	}
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read record %s in %s/%s: %w", recordID, subject, category, err)
	}
	return entry, nil
}

// lookupFailed audits a by-hash read whose entry could not be loaded.
// There is no subject to attribute it to; the hash is kept when it is
// well formed.
func (g *Guard) lookupFailed(ctx context.Context, caller ir.Role, hash string, lookupErr error) error {
	ev := audit.Event{Actor: caller, Reason: audit.ReasonFailed}
	if errors.Is(lookupErr, ir.ErrNotFound) {
		ev.Reason = audit.ReasonNotFound
	}
	if ir.IsHash(hash) {
		ev.EntryHash = hash
	}
	_, err := g.audit.Record(ctx, ev)
	return err
}

// ReadEntry returns the entry with the given hash. An unknown hash is
// audited without a subject and reported as not found.
func (g *Guard) ReadEntry(ctx context.Context, sess *gate.Session, caller ir.Role, hash, reason string) (ir.LedgerEntry, error) {
	entry, err := g.ledger.Entry(ctx, hash)
	if err != nil {
		return ir.LedgerEntry{}, errors.Join(fmt.Errorf("read entry %s: %w", hash, err), g.lookupFailed(ctx, caller, hash, err))
	}

	ev := audit.Event{
		Subject:   entry.Subject,
		Category:  entry.Category,
		RecordID:  entry.RecordID,
		EntryHash: entry.HashValue,
		Reason:    reason,
	}
	if err := g.record(ctx, sess, caller, ev); err != nil {
		return ir.LedgerEntry{}, err
	}
	return entry, nil
}

// ReadProfile returns every entry of subject grouped by category.
func (g *Guard) ReadProfile(ctx context.Context, sess *gate.Session, caller ir.Role, subject ir.SubjectID, reason string) ([]ir.LedgerEntry, error) {
	ev := audit.Event{Subject: subject, Reason: reason}
	if !gate.Allowed(sess, caller, subject) {
		return nil, g.record(ctx, sess, caller, ev)
	}

	entries, err := g.ledger.SubjectEntries(ctx, subject)
	if auditErr := g.record(ctx, sess, caller, ev); auditErr != nil {
		return nil, auditErr
	}
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", subject, err)
	}
	return entries, nil
}

// ReadAudit returns the access history of subject. The read is itself
// audited, so the returned history ends with it.
func (g *Guard) ReadAudit(ctx context.Context, sess *gate.Session, caller ir.Role, subject ir.SubjectID, reason string) ([]ir.AuditEntry, error) {
	if err := g.record(ctx, sess, caller, audit.Event{Subject: subject, Reason: reason}); err != nil {
		return nil, err
	}
	history, err := g.audit.History(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("read audit %s: %w", subject, err)
	}
	return history, nil
}

// ReadEntryAudit returns who accessed one ledger entry.
func (g *Guard) ReadEntryAudit(ctx context.Context, sess *gate.Session, caller ir.Role, hash, reason string) ([]ir.AuditEntry, error) {
	entry, err := g.ledger.Entry(ctx, hash)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("read entry audit %s: %w", hash, err), g.lookupFailed(ctx, caller, hash, err))
	}
	ev := audit.Event{
		Subject:   entry.Subject,
		Category:  entry.Category,
		RecordID:  entry.RecordID,
		EntryHash: entry.HashValue,
		Reason:    reason,
	}
	if err := g.record(ctx, sess, caller, ev); err != nil {
		return nil, err
	}
	history, err := g.audit.EntryHistory(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("read entry audit %s: %w", hash, err)
	}
	return history, nil
}

// OwnerSecret shows the owning patient their genesis hash, whose last
// gate.SuffixLength characters unlock their record for others. Nobody
// else may read it, privileged roles included.
func (g *Guard) OwnerSecret(ctx context.Context, caller ir.Role, subject ir.SubjectID) (string, error) {
	owner := caller.Owns(subject)
	ev := audit.Event{Subject: subject, Category: ir.CategoryGenesis, Actor: caller, Reason: "owner secret", Granted: owner}
	if !owner {
		ev.Reason = audit.ReasonDenied
		if _, err := g.audit.Record(ctx, ev); err != nil {
			return "", err
		}
		return "", ErrGateDenied
	}

	genesis, err := g.ledger.GenesisEntry(ctx, subject)
	if err == nil && genesis != nil {
		ev.EntryHash = genesis.HashValue
	}
	if _, auditErr := g.audit.Record(ctx, ev); auditErr != nil {
		return "", auditErr
	}
	if err != nil {
		return "", fmt.Errorf("owner secret %s: %w", subject, err)
	}
	if genesis == nil {
		return "", fmt.Errorf("owner secret %s: %w", subject, ir.ErrNotFound)
	}
	return genesis.HashValue, nil
}
