package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/medchain/internal/ir"
)

// Tail returns the most recent entry of a lane, or nil if the lane is empty.
func (s *Store) Tail(ctx context.Context, lane ir.Lane) (*ir.LedgerEntry, error) {
	tail, err := scanTail(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE subject_id = ? AND category = ?
		ORDER BY seq DESC
		LIMIT 1
	`, string(lane.Subject), string(lane.Category)))
	if err != nil {
		return nil, fmt.Errorf("read tail %s: %w", lane, err)
	}
	return tail, nil
}

// Lane returns every entry of a lane in walk order (timestamp, then seq).
// The result is read in one statement, so it is a consistent snapshot.
//
// Returns an empty slice (not nil) if the lane does not exist.
func (s *Store) Lane(ctx context.Context, lane ir.Lane) ([]ir.LedgerEntry, error) {
	entries, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE subject_id = ? AND category = ?
		ORDER BY seq ASC
	`, string(lane.Subject), string(lane.Category))
	if err != nil {
		return nil, fmt.Errorf("read lane %s: %w", lane, err)
	}
	ir.SortEntries(entries)
	return entries, nil
}

// SubjectEntries returns every entry of a subject across all lanes,
// grouped by category, seq order within each lane.
func (s *Store) SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error) {
	entries, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE subject_id = ?
		ORDER BY category ASC, seq ASC
	`, string(subject))
	if err != nil {
		return nil, fmt.Errorf("read subject %s: %w", subject, err)
	}
	return entries, nil
}

// Lanes lists the lanes holding at least one entry, ordered by subject and
// category. An empty category lists every lane.
func (s *Store) Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error) {
	query := `SELECT DISTINCT subject_id, category FROM ledger_entries`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY subject_id ASC, category ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lanes: %w", err)
	}
	defer rows.Close()

	lanes := []ir.Lane{}
	for rows.Next() {
		var subject, cat string
		if err := rows.Scan(&subject, &cat); err != nil {
			return nil, fmt.Errorf("scan lane: %w", err)
		}
		lanes = append(lanes, ir.Lane{Subject: ir.SubjectID(subject), Category: ir.Category(cat)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lanes: %w", err)
	}
	return lanes, nil
}

// EntryByHash returns the entry with the given hash value.
// Returns ir.ErrNotFound if no entry matches.
func (s *Store) EntryByHash(ctx context.Context, hash string) (ir.LedgerEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE hash_value = ?
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", hash, ir.ErrNotFound)
	}
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read entry %s: %w", hash, err)
	}
	return e, nil
}

// EntryByRecord returns the latest entry carrying recordID in a lane.
// Returns ir.ErrNotFound if no entry matches.
func (s *Store) EntryByRecord(ctx context.Context, lane ir.Lane, recordID string) (ir.LedgerEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE subject_id = ? AND category = ? AND record_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, string(lane.Subject), string(lane.Category), recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.LedgerEntry{}, fmt.Errorf("record %s in %s: %w", recordID, lane, ir.ErrNotFound)
	}
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read record %s in %s: %w", recordID, lane, err)
	}
	return e, nil
}

// Stats summarises the ledger: totals plus per-category anchored and
// unanchored counts, categories in name order.
func (s *Store) Stats(ctx context.Context) (ir.LedgerStats, error) {
	var stats ir.LedgerStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT subject_id),
			COUNT(DISTINCT subject_id || char(0) || category)
		FROM ledger_entries
	`).Scan(&stats.Entries, &stats.Subjects, &stats.Lanes)
	if err != nil {
		return ir.LedgerStats{}, fmt.Errorf("read stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), COUNT(anchor_tx_ref)
		FROM ledger_entries
		GROUP BY category
		ORDER BY category ASC
	`)
	if err != nil {
		return ir.LedgerStats{}, fmt.Errorf("read category stats: %w", err)
	}
	defer rows.Close()

	stats.Categories = []ir.CategoryStats{}
	for rows.Next() {
		var c ir.CategoryStats
		var category string
		if err := rows.Scan(&category, &c.Entries, &c.Anchored); err != nil {
			return ir.LedgerStats{}, fmt.Errorf("scan category stats: %w", err)
		}
		c.Category = ir.Category(category)
		c.Unanchored = c.Entries - c.Anchored
		stats.Anchored += c.Anchored
		stats.Categories = append(stats.Categories, c)
	}
	if err := rows.Err(); err != nil {
		return ir.LedgerStats{}, fmt.Errorf("iterate category stats: %w", err)
	}
	stats.Unanchored = stats.Entries - stats.Anchored
	return stats, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ir.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ir.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
