// Package audit is the append-only access log: one entry for every read
// attempt on protected data, granted or denied.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/medchain/internal/clock"
	"github.com/roach88/medchain/internal/idgen"
	"github.com/roach88/medchain/internal/ir"
)

// Reasons recorded when the caller gives none.
const (
	ReasonDenied   = "denied"
	ReasonUnlocked = "unlocked"
	ReasonRead     = "read"
	ReasonNotFound = "not found"
	ReasonFailed   = "failed"
)

// ErrMissingSubject rejects a granted event with no subject.
var ErrMissingSubject = errors.New("audit event has no subject")

// Store persists audit entries. Every ledger backend implements it.
type Store interface {
	AppendAudit(ctx context.Context, entry ir.AuditEntry) (ir.AuditEntry, error)
	AuditHistory(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error)
	EntryAuditHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error)
}

// Event describes one access attempt. Category, RecordID and EntryHash
// are optional; an event without them concerns the subject as a whole.
type Event struct {
	Subject   ir.SubjectID
	Category  ir.Category
	RecordID  string
	EntryHash string
	Actor     ir.Role
	Reason    string
	Granted   bool
}

// Log records and reads access events.
type Log struct {
	store Store
	clock clock.Clock
	ids   idgen.Generator
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the source of audit timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithIDs sets the audit id generator.
func WithIDs(g idgen.Generator) Option {
	return func(l *Log) { l.ids = g }
}

// New creates a log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{store: store, clock: clock.System{}, ids: idgen.UUIDv7{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends exactly one entry for ev. A denied event may leave the
// subject empty when the target could not be resolved; it is then only
// reachable through EntryHistory.
func (l *Log) Record(ctx context.Context, ev Event) (ir.AuditEntry, error) {
	if ev.Subject == "" && ev.Granted {
		return ir.AuditEntry{}, ErrMissingSubject
	}
	if ev.Actor.Kind == "" {
		ev.Actor = ir.Anonymous()
	}
	if ev.Reason == "" {
		ev.Reason = ReasonRead
		if !ev.Granted {
			ev.Reason = ReasonDenied
		}
	}

	entry, err := l.store.AppendAudit(ctx, ir.AuditEntry{
		ID:        l.ids.Generate(),
		Subject:   ev.Subject,
		Category:  ev.Category,
		RecordID:  ev.RecordID,
		EntryHash: ev.EntryHash,
		Actor:     ev.Actor,
		Timestamp: l.clock.Now().UTC(),
		Reason:    ev.Reason,
		Granted:   ev.Granted,
	})
	if err != nil {
		return ir.AuditEntry{}, fmt.Errorf("record access to %s: %w", ev.Subject, err)
	}

	slog.Info("access recorded",
		"subject", entry.Subject,
		"category", entry.Category,
		"actor", entry.Actor.String(),
		"granted", entry.Granted,
		"reason", entry.Reason,
	)
	return entry, nil
}

// History returns every entry about subject, oldest first.
func (l *Log) History(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error) {
	return l.store.AuditHistory(ctx, subject)
}

// EntryHistory returns the entries that reference one ledger entry,
// oldest first.
func (l *Log) EntryHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error) {
	return l.store.EntryAuditHistory(ctx, hash)
}
