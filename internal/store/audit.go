package store

import (
	"context"
	"fmt"

	"github.com/roach88/medchain/internal/ir"
)

// AppendAudit inserts an audit entry and returns it with its assigned seq.
// Audit rows are never updated or deleted by this package.
func (s *Store) AppendAudit(ctx context.Context, entry ir.AuditEntry) (ir.AuditEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		(audit_id, subject_id, category, record_id, entry_hash, actor_kind, actor_id, reason, granted, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		string(entry.Subject),
		nullable(string(entry.Category)),
		nullable(entry.RecordID),
		nullable(entry.EntryHash),
		string(entry.Actor.Kind),
		nullable(entry.Actor.ID),
		entry.Reason,
		boolInt(entry.Granted),
		ir.FormatTimestamp(entry.Timestamp),
	)
	if err != nil {
		return ir.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return ir.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	entry.Seq = seq
	return entry, nil
}

// AuditHistory returns every audit entry about a subject, oldest first.
// Returns an empty slice (not nil) if there are none.
func (s *Store) AuditHistory(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error) {
	entries, err := s.queryAudit(ctx, `
		SELECT `+auditColumns+`
		FROM audit_entries
		WHERE subject_id = ?
		ORDER BY seq ASC
	`, string(subject))
	if err != nil {
		return nil, fmt.Errorf("read audit history %s: %w", subject, err)
	}
	return entries, nil
}

// EntryAuditHistory returns the audit entries that reference one ledger
// entry, oldest first.
func (s *Store) EntryAuditHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error) {
	entries, err := s.queryAudit(ctx, `
		SELECT `+auditColumns+`
		FROM audit_entries
		WHERE entry_hash = ?
		ORDER BY seq ASC
	`, hash)
	if err != nil {
		return nil, fmt.Errorf("read entry audit history %s: %w", hash, err)
	}
	return entries, nil
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]ir.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ir.AuditEntry{}
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
