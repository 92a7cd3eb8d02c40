// Package pgstore is the PostgreSQL ledger backend, built on gorm.
//
// Appends take a transaction-scoped advisory lock keyed by the lane, so
// several service instances can share one database without forking a
// lane. Unique violations (SQLSTATE 23505) map to ir sentinels.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/roach88/medchain/internal/ir"
)

// PgErrUniqueViolation is the SQLSTATE for unique_violation.
const PgErrUniqueViolation = "23505"

// Store is the PostgreSQL ledger backend.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&entryRow{}, &auditRow{}); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	slog.Debug("postgres store ready")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB returns the gorm handle. Tests use it to reset tables.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AppendEntry appends the next entry of a lane. The advisory lock is held
// until the transaction ends, covering the tail read and the insert. It is
// keyed on subject and category separately, since text parameters cannot
// carry the NUL of Lane.Key.
func (s *Store) AppendEntry(ctx context.Context, lane ir.Lane, build ir.EntryBuilder) (ir.LedgerEntry, error) {
	var entry ir.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext(?), hashtext(?))`,
			string(lane.Subject), string(lane.Category)).Error
		if err != nil {
			return fmt.Errorf("lock lane: %w", err)
		}

		tail, err := readTail(tx, lane)
		if err != nil {
			return fmt.Errorf("read tail: %w", err)
		}

		entry, err = build(tail)
		if err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&entryRow{}).Where("hash_value = ?", entry.HashValue).Count(&n).Error; err != nil {
			return fmt.Errorf("check hash: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%s: %w", entry.HashValue, ir.ErrDuplicateHash)
		}

		row, err := toEntryRow(entry)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return classifyConstraint(err)
		}
		return nil
	})
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}
	return entry, nil
}

// SetAnchor records the anchoring receipt of an entry, once.
func (s *Store) SetAnchor(ctx context.Context, hash string, receipt ir.AnchorReceipt) error {
	txRef := receipt.TxRef
	height := int64(receipt.BlockHeight)
	at := ir.FormatTimestamp(receipt.AnchoredAt)

	res := s.db.WithContext(ctx).Model(&entryRow{}).
		Where("hash_value = ? AND anchor_tx_ref IS NULL", hash).
		Updates(map[string]any{"anchor_tx_ref": txRef, "anchor_height": height, "anchored_at": at})
	if res.Error != nil {
		return fmt.Errorf("set anchor: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.EntryByHash(ctx, hash); err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	return fmt.Errorf("set anchor %s: %w", hash, ir.ErrAlreadyAnchored)
}

// Tail returns the most recent entry of a lane, or nil if the lane is empty.
func (s *Store) Tail(ctx context.Context, lane ir.Lane) (*ir.LedgerEntry, error) {
	tail, err := readTail(s.db.WithContext(ctx), lane)
	if err != nil {
		return nil, fmt.Errorf("read tail %s: %w", lane, err)
	}
	return tail, nil
}

// Lane returns every entry of a lane in walk order. Empty, non-nil slice
// when the lane does not exist.
func (s *Store) Lane(ctx context.Context, lane ir.Lane) ([]ir.LedgerEntry, error) {
	var rows []entryRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND category = ?", string(lane.Subject), string(lane.Category)).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read lane %s: %w", lane, err)
	}
	entries, err := fromEntryRows(rows)
	if err != nil {
		return nil, err
	}
	ir.SortEntries(entries)
	return entries, nil
}

// SubjectEntries returns every entry of a subject, grouped by category.
func (s *Store) SubjectEntries(ctx context.Context, subject ir.SubjectID) ([]ir.LedgerEntry, error) {
	var rows []entryRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", string(subject)).
		Order("category ASC, seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read subject %s: %w", subject, err)
	}
	return fromEntryRows(rows)
}

// Lanes lists non-empty lanes ordered by subject and category.
func (s *Store) Lanes(ctx context.Context, category ir.Category) ([]ir.Lane, error) {
	q := s.db.WithContext(ctx).Model(&entryRow{}).Distinct("subject_id", "category")
	if category != "" {
		q = q.Where("category = ?", string(category))
	}

	var rows []struct {
		SubjectID string
		Category  string
	}
	if err := q.Order("subject_id ASC, category ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query lanes: %w", err)
	}

	lanes := make([]ir.Lane, 0, len(rows))
	for _, r := range rows {
		lanes = append(lanes, ir.Lane{Subject: ir.SubjectID(r.SubjectID), Category: ir.Category(r.Category)})
	}
	return lanes, nil
}

// EntryByHash returns the entry with the given hash value.
func (s *Store) EntryByHash(ctx context.Context, hash string) (ir.LedgerEntry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Where("hash_value = ?", hash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", hash, ir.ErrNotFound)
	}
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read entry %s: %w", hash, err)
	}
	return fromEntryRow(row)
}

// EntryByRecord returns the latest entry carrying recordID in a lane.
func (s *Store) EntryByRecord(ctx context.Context, lane ir.Lane, recordID string) (ir.LedgerEntry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND category = ? AND record_id = ?", string(lane.Subject), string(lane.Category), recordID).
		Order("seq DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ir.LedgerEntry{}, fmt.Errorf("record %s in %s: %w", recordID, lane, ir.ErrNotFound)
	}
	if err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("read record %s in %s: %w", recordID, lane, err)
	}
	return fromEntryRow(row)
}

// Stats summarises the ledger contents.
func (s *Store) Stats(ctx context.Context) (ir.LedgerStats, error) {
	db := s.db.WithContext(ctx)

	var totals struct {
		Entries  int64
		Subjects int64
		Lanes    int64
	}
	err := db.Raw(`
		SELECT
			COUNT(*) AS entries,
			COUNT(DISTINCT subject_id) AS subjects,
			COUNT(DISTINCT (subject_id, category)) AS lanes
		FROM ledger_entries
	`).Scan(&totals).Error
	if err != nil {
		return ir.LedgerStats{}, fmt.Errorf("read stats: %w", err)
	}

	var perCategory []struct {
		Category string
		Entries  int64
		Anchored int64
	}
	err = db.Raw(`
		SELECT category, COUNT(*) AS entries, COUNT(anchor_tx_ref) AS anchored
		FROM ledger_entries
		GROUP BY category
		ORDER BY category ASC
	`).Scan(&perCategory).Error
	if err != nil {
		return ir.LedgerStats{}, fmt.Errorf("read category stats: %w", err)
	}

	stats := ir.LedgerStats{
		Entries:    totals.Entries,
		Subjects:   totals.Subjects,
		Lanes:      totals.Lanes,
		Categories: make([]ir.CategoryStats, 0, len(perCategory)),
	}
	for _, c := range perCategory {
		stats.Anchored += c.Anchored
		stats.Categories = append(stats.Categories, ir.CategoryStats{
			Category:   ir.Category(c.Category),
			Entries:    c.Entries,
			Anchored:   c.Anchored,
			Unanchored: c.Entries - c.Anchored,
		})
	}
	stats.Unanchored = stats.Entries - stats.Anchored
	return stats, nil
}

// AppendAudit inserts an audit entry and returns it with its assigned seq.
func (s *Store) AppendAudit(ctx context.Context, entry ir.AuditEntry) (ir.AuditEntry, error) {
	row := auditRow{
		AuditID:   entry.ID,
		SubjectID: string(entry.Subject),
		Category:  optional(string(entry.Category)),
		RecordID:  optional(entry.RecordID),
		EntryHash: optional(entry.EntryHash),
		ActorKind: string(entry.Actor.Kind),
		ActorID:   optional(entry.Actor.ID),
		Reason:    entry.Reason,
		Granted:   entry.Granted,
		Timestamp: ir.FormatTimestamp(entry.Timestamp),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ir.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	entry.Seq = row.Seq
	return entry, nil
}

// AuditHistory returns every audit entry about a subject, oldest first.
func (s *Store) AuditHistory(ctx context.Context, subject ir.SubjectID) ([]ir.AuditEntry, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).Where("subject_id = ?", string(subject)).Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read audit history %s: %w", subject, err)
	}
	return fromAuditRows(rows)
}

// EntryAuditHistory returns the audit entries referencing one ledger entry.
func (s *Store) EntryAuditHistory(ctx context.Context, hash string) ([]ir.AuditEntry, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).Where("entry_hash = ?", hash).Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read entry audit history %s: %w", hash, err)
	}
	return fromAuditRows(rows)
}

func readTail(db *gorm.DB, lane ir.Lane) (*ir.LedgerEntry, error) {
	var rows []entryRow
	err := db.
		Where("subject_id = ? AND category = ?", string(lane.Subject), string(lane.Category)).
		Order("seq DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e, err := fromEntryRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// classifyConstraint maps unique violations to ledger sentinels.
func classifyConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != PgErrUniqueViolation {
		return err
	}
	if pgErr.ConstraintName == "idx_ledger_entries_hash" {
		return fmt.Errorf("%w: %s", ir.ErrDuplicateHash, pgErr.Message)
	}
	return fmt.Errorf("%w: %s", ir.ErrSeqConflict, pgErr.Message)
}

func toEntryRow(e ir.LedgerEntry) (entryRow, error) {
	payload := e.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return entryRow{}, fmt.Errorf("marshal payload: %w", err)
	}
	return entryRow{
		SubjectID:    string(e.Subject),
		Category:     string(e.Category),
		Seq:          e.Seq,
		RecordID:     e.RecordID,
		HashValue:    e.HashValue,
		PreviousHash: e.PreviousHash,
		Payload:      string(data),
		Timestamp:    ir.FormatTimestamp(e.Timestamp),
	}, nil
}

func fromEntryRow(r entryRow) (ir.LedgerEntry, error) {
	e := ir.LedgerEntry{
		Subject:      ir.SubjectID(r.SubjectID),
		Category:     ir.Category(r.Category),
		Seq:          r.Seq,
		RecordID:     r.RecordID,
		HashValue:    r.HashValue,
		PreviousHash: r.PreviousHash,
		Payload:      ir.IRObject{},
	}
	if r.Payload != "" && r.Payload != "{}" {
		if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
			return ir.LedgerEntry{}, fmt.Errorf("entry %s: unmarshal payload: %w", r.HashValue, err)
		}
	}

	var err error
	if e.Timestamp, err = ir.ParseTimestamp(r.Timestamp); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", r.HashValue, err)
	}
	if r.AnchorTxRef != nil {
		receipt := &ir.AnchorReceipt{TxRef: *r.AnchorTxRef}
		if r.AnchorHeight != nil {
			receipt.BlockHeight = uint64(*r.AnchorHeight)
		}
		if r.AnchoredAt != nil {
			if receipt.AnchoredAt, err = ir.ParseTimestamp(*r.AnchoredAt); err != nil {
				return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", r.HashValue, err)
			}
		}
		e.Anchor = receipt
	}
	return e, nil
}

func fromEntryRows(rows []entryRow) ([]ir.LedgerEntry, error) {
	entries := make([]ir.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := fromEntryRow(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func fromAuditRows(rows []auditRow) ([]ir.AuditEntry, error) {
	entries := make([]ir.AuditEntry, 0, len(rows))
	for _, r := range rows {
		ts, err := ir.ParseTimestamp(r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", r.AuditID, err)
		}
		entries = append(entries, ir.AuditEntry{
			ID:        r.AuditID,
			Seq:       r.Seq,
			Subject:   ir.SubjectID(r.SubjectID),
			Category:  ir.Category(deref(r.Category)),
			RecordID:  deref(r.RecordID),
			EntryHash: deref(r.EntryHash),
			Actor:     ir.Role{Kind: ir.RoleKind(r.ActorKind), ID: deref(r.ActorID)},
			Timestamp: ts,
			Reason:    r.Reason,
			Granted:   r.Granted,
		})
	}
	return entries, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
