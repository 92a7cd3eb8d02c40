package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisPreviousHash is the previous-hash sentinel carried by a
// subject's genesis entry.
const GenesisPreviousHash = "0"

// HashLength is the length of a hex-encoded SHA-256 digest.
const HashLength = 64

// Hash returns the lowercase hex SHA-256 digest of data. Unkeyed and
// unsalted: equal inputs give equal hashes across processes and categories.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EntryHash computes the hash value of a ledger entry from the subject,
// the entry timestamp and the record fields.
func EntryHash(subject SubjectID, timestamp time.Time, fields IRObject) (string, error) {
	doc, err := EncodeDocument(subject, timestamp, fields)
	if err != nil {
		return "", fmt.Errorf("EntryHash: %w", err)
	}
	return Hash(doc), nil
}

// MustEntryHash is like EntryHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEntryHash(subject SubjectID, timestamp time.Time, fields IRObject) string {
	h, err := EntryHash(subject, timestamp, fields)
	if err != nil {
		panic(err)
	}
	return h
}

// IsHash reports whether s looks like a value produced by Hash.
func IsHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// LaneRoot returns the previous hash expected on a lane's first entry: the
// sentinel for the genesis lane, the subject's genesis hash for any other.
func LaneRoot(category Category, genesisHash string) string {
	if category == CategoryGenesis || genesisHash == "" {
		return GenesisPreviousHash
	}
	return genesisHash
}
