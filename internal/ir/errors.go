package ir

import "errors"

// Storage-level sentinels shared by every ledger backend.
var (
	// ErrDuplicateHash is returned when an entry's hash value already exists
	// anywhere in the ledger.
	ErrDuplicateHash = errors.New("duplicate hash value")

	// ErrSeqConflict is returned when another writer claimed the lane
	// position first. Seen only when two processes share one database.
	ErrSeqConflict = errors.New("lane sequence conflict")

	// ErrAlreadyAnchored is returned when an entry already carries a receipt.
	ErrAlreadyAnchored = errors.New("entry already anchored")

	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrFloatForbidden rejects floating point payload values.
	ErrFloatForbidden = errors.New("floats are not allowed in record payloads")

	// ErrNonScalar rejects nested arrays and objects in record payloads.
	ErrNonScalar = errors.New("record fields must be scalar")

	// ErrUnsupportedValue rejects Go values with no canonical encoding.
	ErrUnsupportedValue = errors.New("unsupported value")
)
