package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/medchain/internal/ir"
)

// marshalPayload converts record fields to canonical JSON TEXT for storage.
func marshalPayload(payload ir.IRObject) (string, error) {
	if payload == nil {
		payload = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses stored payload TEXT. It does not insist on
// scalar fields: a tampered row must still load so the verifier can
// report it.
func unmarshalPayload(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const entryColumns = `subject_id, category, seq, record_id, hash_value, previous_hash,
	payload, timestamp, anchor_tx_ref, anchor_height, anchored_at`

func scanEntry(row scanner) (ir.LedgerEntry, error) {
	var (
		e          ir.LedgerEntry
		subject    string
		category   string
		payload    string
		ts         string
		txRef      sql.NullString
		height     sql.NullInt64
		anchoredAt sql.NullString
	)
	if err := row.Scan(&subject, &category, &e.Seq, &e.RecordID, &e.HashValue, &e.PreviousHash,
		&payload, &ts, &txRef, &height, &anchoredAt); err != nil {
		return ir.LedgerEntry{}, err
	}
	e.Subject = ir.SubjectID(subject)
	e.Category = ir.Category(category)

	var err error
	if e.Payload, err = unmarshalPayload(payload); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", e.HashValue, err)
	}
	if e.Timestamp, err = ir.ParseTimestamp(ts); err != nil {
		return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", e.HashValue, err)
	}
	if txRef.Valid {
		receipt := &ir.AnchorReceipt{TxRef: txRef.String, BlockHeight: uint64(height.Int64)}
		if anchoredAt.Valid {
			if receipt.AnchoredAt, err = ir.ParseTimestamp(anchoredAt.String); err != nil {
				return ir.LedgerEntry{}, fmt.Errorf("entry %s: %w", e.HashValue, err)
			}
		}
		e.Anchor = receipt
	}
	return e, nil
}

const auditColumns = `seq, audit_id, subject_id, category, record_id, entry_hash,
	actor_kind, actor_id, reason, granted, timestamp`

func scanAudit(row scanner) (ir.AuditEntry, error) {
	var (
		a         ir.AuditEntry
		subject   string
		category  sql.NullString
		recordID  sql.NullString
		entryHash sql.NullString
		actorKind string
		actorID   sql.NullString
		granted   int
		ts        string
	)
	if err := row.Scan(&a.Seq, &a.ID, &subject, &category, &recordID, &entryHash,
		&actorKind, &actorID, &a.Reason, &granted, &ts); err != nil {
		return ir.AuditEntry{}, err
	}
	a.Subject = ir.SubjectID(subject)
	a.Category = ir.Category(category.String)
	a.RecordID = recordID.String
	a.EntryHash = entryHash.String
	a.Actor = ir.Role{Kind: ir.RoleKind(actorKind), ID: actorID.String}
	a.Granted = granted == 1

	var err error
	if a.Timestamp, err = ir.ParseTimestamp(ts); err != nil {
		return ir.AuditEntry{}, fmt.Errorf("audit entry %s: %w", a.ID, err)
	}
	return a, nil
}

// nullable maps "" to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
