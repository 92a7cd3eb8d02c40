package pgstore

// entryRow is the ledger_entries table. Timestamps are kept as the exact
// RFC 3339 text that was hashed; timestamptz would drop nanoseconds.
type entryRow struct {
	SubjectID    string  `gorm:"primaryKey;size:128"`
	Category     string  `gorm:"primaryKey;size:64"`
	Seq          int64   `gorm:"primaryKey;autoIncrement:false"`
	RecordID     string  `gorm:"size:128;not null;index:idx_ledger_entries_record"`
	HashValue    string  `gorm:"size:64;not null;uniqueIndex:idx_ledger_entries_hash"`
	PreviousHash string  `gorm:"size:64;not null"`
	Payload      string  `gorm:"type:text;not null"`
	Timestamp    string  `gorm:"size:40;not null"`
	AnchorTxRef  *string `gorm:"size:256"`
	AnchorHeight *int64
	AnchoredAt   *string `gorm:"size:40"`
}

func (entryRow) TableName() string { return "ledger_entries" }

// auditRow is the audit_entries table.
type auditRow struct {
	Seq       int64   `gorm:"primaryKey;autoIncrement"`
	AuditID   string  `gorm:"size:36;not null;uniqueIndex"`
	SubjectID string  `gorm:"size:128;not null;index:idx_audit_entries_subject"`
	Category  *string `gorm:"size:64"`
	RecordID  *string `gorm:"size:128"`
	EntryHash *string `gorm:"size:64;index:idx_audit_entries_entry_hash"`
	ActorKind string  `gorm:"size:32;not null"`
	ActorID   *string `gorm:"size:128"`
	Reason    string  `gorm:"type:text;not null"`
	Granted   bool    `gorm:"not null"`
	Timestamp string  `gorm:"size:40;not null"`
}

func (auditRow) TableName() string { return "audit_entries" }
