package kvstore

import (
	"bytes"
	"encoding/binary"

	"github.com/roach88/medchain/internal/ir"
)

// Key layout. Identifiers never contain control characters (ir.Lane
// validates this), so 0x00 is a safe separator, and big-endian sequence
// numbers keep range scans in seq order.
//
//	e/<subject>\x00<category>\x00<seq>   ledger entry JSON
//	h/<hash>                             entry key
//	t/<subject>\x00<category>            tail seq
//	r/<subject>\x00<category>\x00<rid>   entry key of the latest entry for a record
//	as/<subject>\x00<seq>                audit entry JSON
//	ah/<hash>\x00<seq>                   audit entry JSON
//	m/audit_seq                          last audit seq
const sep = 0x00

var (
	prefixEntry        = []byte("e/")
	prefixHash         = []byte("h/")
	prefixTail         = []byte("t/")
	prefixRecord       = []byte("r/")
	prefixAuditSubject = []byte("as/")
	prefixAuditHash    = []byte("ah/")
	keyAuditSeq        = []byte("m/audit_seq")
)

func join(prefix []byte, parts ...[]byte) []byte {
	key := append([]byte(nil), prefix...)
	for i, p := range parts {
		if i > 0 {
			key = append(key, sep)
		}
		key = append(key, p...)
	}
	return key
}

func seqBytes(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func parseSeq(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func laneParts(lane ir.Lane) [][]byte {
	return [][]byte{[]byte(lane.Subject), []byte(lane.Category)}
}

func entryKey(lane ir.Lane, seq int64) []byte {
	return join(prefixEntry, append(laneParts(lane), seqBytes(seq))...)
}

// lanePrefix matches every entry key of a lane.
func lanePrefix(lane ir.Lane) []byte {
	return append(join(prefixEntry, laneParts(lane)...), sep)
}

func subjectPrefix(subject ir.SubjectID) []byte {
	return append(join(prefixEntry, []byte(subject)), sep)
}

func hashKey(hash string) []byte {
	return join(prefixHash, []byte(hash))
}

func tailKey(lane ir.Lane) []byte {
	return join(prefixTail, laneParts(lane)...)
}

func parseTailKey(key []byte) (ir.Lane, bool) {
	rest := bytes.TrimPrefix(key, prefixTail)
	subject, category, ok := bytes.Cut(rest, []byte{sep})
	if !ok {
		return ir.Lane{}, false
	}
	return ir.Lane{Subject: ir.SubjectID(subject), Category: ir.Category(category)}, true
}

func recordKey(lane ir.Lane, recordID string) []byte {
	return join(prefixRecord, append(laneParts(lane), []byte(recordID))...)
}

func auditSubjectKey(subject ir.SubjectID, seq int64) []byte {
	return join(prefixAuditSubject, []byte(subject), seqBytes(seq))
}

func auditSubjectPrefix(subject ir.SubjectID) []byte {
	return append(join(prefixAuditSubject, []byte(subject)), sep)
}

func auditHashKey(hash string, seq int64) []byte {
	return join(prefixAuditHash, []byte(hash), seqBytes(seq))
}

func auditHashPrefix(hash string) []byte {
	return append(join(prefixAuditHash, []byte(hash)), sep)
}
