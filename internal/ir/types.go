package ir

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// SubjectID identifies the patient a lane belongs to. Integer ids are
// rendered in decimal.
type SubjectID string

// Category names a lane within a subject.
type Category string

// Known categories. The ledger accepts any category; these are the ones
// the bundled schemas describe.
const (
	CategoryGenesis   Category = "genesis"
	CategoryAllergy   Category = "allergy"
	CategoryCondition Category = "condition"
	CategoryTreatment Category = "treatment"
	CategoryLabResult Category = "lab-result"
	CategorySurgery   Category = "surgery"
	CategoryHistory   Category = "history"
)

// KnownCategories lists the categories above in display order.
var KnownCategories = []Category{
	CategoryGenesis,
	CategoryAllergy,
	CategoryCondition,
	CategoryTreatment,
	CategoryLabResult,
	CategorySurgery,
	CategoryHistory,
}

// Lane is the independent chain of one subject's records in one category.
type Lane struct {
	Subject  SubjectID `json:"subject_id"`
	Category Category  `json:"category"`
}

// GenesisLane returns the lane holding the subject's genesis entry.
func GenesisLane(subject SubjectID) Lane {
	return Lane{Subject: subject, Category: CategoryGenesis}
}

// String renders the lane as "subject/category".
func (l Lane) String() string {
	return string(l.Subject) + "/" + string(l.Category)
}

// Key is the in-process lock key of the lane. The parts are joined with
// NUL, which Validate keeps out of both, so distinct lanes never share a key.
func (l Lane) Key() string {
	return string(l.Subject) + "\x00" + string(l.Category)
}

// Validate rejects empty identifiers and control characters, which the
// key-value stores use as separators.
func (l Lane) Validate() error {
	if err := validateIdent("subject", string(l.Subject)); err != nil {
		return err
	}
	return validateIdent("category", string(l.Category))
}

func validateIdent(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if strings.ContainsFunc(s, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return fmt.Errorf("%s %q contains control characters", kind, s)
	}
	return nil
}

// AnchorReceipt is the external anchoring service's acknowledgement of an
// entry's hash. It is the only entry field written after creation and is
// not covered by the hash.
type AnchorReceipt struct {
	TxRef       string    `json:"tx_ref"`
	BlockHeight uint64    `json:"block_height"`
	AnchoredAt  time.Time `json:"anchored_at"`
}

// LedgerEntry is one immutable, hash-linked record in a lane.
type LedgerEntry struct {
	Subject      SubjectID      `json:"subject_id"`
	Category     Category       `json:"category"`
	RecordID     string         `json:"record_id"`
	Seq          int64          `json:"seq"`
	HashValue    string         `json:"hash_value"`
	PreviousHash string         `json:"previous_hash"`
	Payload      IRObject       `json:"payload"`
	Timestamp    time.Time      `json:"timestamp"`
	Anchor       *AnchorReceipt `json:"anchor,omitempty"`
}

// Lane returns the lane the entry belongs to.
func (e LedgerEntry) Lane() Lane {
	return Lane{Subject: e.Subject, Category: e.Category}
}

// Secret returns the last n characters of the entry hash.
func (e LedgerEntry) Secret(n int) string {
	if n <= 0 || n > len(e.HashValue) {
		return e.HashValue
	}
	return e.HashValue[len(e.HashValue)-n:]
}

// SortEntries orders entries by timestamp with seq as the tiebreak, the
// order in which a lane is walked.
func SortEntries(entries []LedgerEntry) {
	slices.SortStableFunc(entries, func(a, b LedgerEntry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}

// RoleKind is the kind of caller behind a request.
type RoleKind string

const (
	RolePatient      RoleKind = "patient"
	RoleProfessional RoleKind = "professional"
	RoleAdmin        RoleKind = "admin"
	RoleAnonymous    RoleKind = "anonymous"
)

// Role is the caller identity, resolved once per request and passed
// explicitly to every protected operation.
type Role struct {
	Kind RoleKind `json:"kind"`
	ID   string   `json:"id,omitempty"`
}

// Patient returns the role of the patient owning subject.
func Patient(subject SubjectID) Role {
	return Role{Kind: RolePatient, ID: string(subject)}
}

// Professional returns a health-professional role.
func Professional(id string) Role {
	return Role{Kind: RoleProfessional, ID: id}
}

// Admin returns a privileged operator role.
func Admin(id string) Role {
	return Role{Kind: RoleAdmin, ID: id}
}

// Anonymous returns the role of an unidentified caller.
func Anonymous() Role {
	return Role{Kind: RoleAnonymous}
}

// Owns reports whether the role is the patient the subject belongs to.
func (r Role) Owns(subject SubjectID) bool {
	return r.Kind == RolePatient && r.ID != "" && r.ID == string(subject)
}

// Privileged reports whether the role bypasses the capability gate.
func (r Role) Privileged() bool {
	return r.Kind == RoleAdmin
}

// String renders the role as "kind:id" or just "kind".
func (r Role) String() string {
	if r.ID == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.ID
}

// ParseRole parses the String form. An empty string is anonymous.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return Anonymous(), nil
	}
	kind, id, _ := strings.Cut(s, ":")
	r := Role{Kind: RoleKind(kind), ID: id}
	switch r.Kind {
	case RoleAnonymous:
		r.ID = ""
		return r, nil
	case RolePatient, RoleProfessional, RoleAdmin:
		if id == "" {
			return Role{}, fmt.Errorf("role %q requires an id", kind)
		}
		return r, nil
	default:
		return Role{}, fmt.Errorf("unknown role kind %q", kind)
	}
}

// AuditEntry records one attempt to read protected data.
type AuditEntry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Subject   SubjectID `json:"subject_id"`
	Category  Category  `json:"category,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	EntryHash string    `json:"entry_hash,omitempty"`
	Actor     Role      `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Granted   bool      `json:"granted"`
}
