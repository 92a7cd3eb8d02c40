package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/medchain/internal/ir"
)

// AppendEntry appends the next entry of a lane.
//
// The tail read, the builder call and the insert run in one immediate
// transaction, so no other append can observe or extend the same tail in
// between. The builder sees the current tail (nil for an empty lane).
//
// Returns ir.ErrDuplicateHash if the built entry's hash already exists in
// any lane, and ir.ErrSeqConflict if the lane position was taken.
func (s *Store) AppendEntry(ctx context.Context, lane ir.Lane, build ir.EntryBuilder) (ir.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: begin: %w", err)
	}
	defer tx.Rollback()

	tail, err := scanTail(tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE subject_id = ? AND category = ?
		ORDER BY seq DESC
		LIMIT 1
	`, string(lane.Subject), string(lane.Category)))
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: read tail: %w", err)
	}

	entry, err := build(tail)
	if err != nil {
		return ir.LedgerEntry{}, err
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_entries WHERE hash_value = ?`, entry.HashValue).Scan(&exists)
	switch {
	case err == nil:
		return ir.LedgerEntry{}, fmt.Errorf("append entry %s: %w", entry.HashValue, ir.ErrDuplicateHash)
	case !errors.Is(err, sql.ErrNoRows):
		return ir.LedgerEntry{}, fmt.Errorf("append entry: check hash: %w", err)
	}

	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(subject_id, category, seq, record_id, hash_value, previous_hash, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(entry.Subject),
		string(entry.Category),
		entry.Seq,
		entry.RecordID,
		entry.HashValue,
		entry.PreviousHash,
		payload,
		ir.FormatTimestamp(entry.Timestamp),
	)
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: %w", classifyConstraint(err))
	}

	if err := tx.Commit(); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: commit: %w", err)
	}
	return entry, nil
}

// SetAnchor records the anchoring receipt of an entry. The receipt is the
// only column ever written after insert, and only once.
func (s *Store) SetAnchor(ctx context.Context, hash string, receipt ir.AnchorReceipt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET anchor_tx_ref = ?, anchor_height = ?, anchored_at = ?
		WHERE hash_value = ? AND anchor_tx_ref IS NULL
	`,
		receipt.TxRef,
		int64(receipt.BlockHeight),
		ir.FormatTimestamp(receipt.AnchoredAt),
		hash,
	)
	if err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	if n == 1 {
		return nil
	}

	var anchored sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT anchor_tx_ref FROM ledger_entries WHERE hash_value = ?`, hash).Scan(&anchored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set anchor %s: %w", hash, ir.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	return fmt.Errorf("set anchor %s: %w", hash, ir.ErrAlreadyAnchored)
}

func scanTail(row *sql.Row) (*ir.LedgerEntry, error) {
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// classifyConstraint maps SQLite constraint violations to ledger sentinels.
func classifyConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", ir.ErrSeqConflict, err)
	case sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", ir.ErrDuplicateHash, err)
	}
	return err
}
