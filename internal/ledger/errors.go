package ledger

import (
	"errors"
	"fmt"

	"github.com/roach88/medchain/internal/ir"
)

// Sentinels matched with errors.Is against any *Error of the same code.
var (
	ErrDuplicateHash        = ir.ErrDuplicateHash
	ErrGenesisAlreadyExists = errors.New("genesis already exists")
	ErrUnknownSubject       = errors.New("unknown subject")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrInvalidLane          = errors.New("invalid lane")
	ErrNotFound             = ir.ErrNotFound
)

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// ErrCodeDuplicateHash indicates a newly computed hash already exists.
	ErrCodeDuplicateHash ErrorCode = "DUPLICATE_HASH"

	// ErrCodeGenesisExists indicates a second genesis for a subject.
	ErrCodeGenesisExists ErrorCode = "GENESIS_EXISTS"

	// ErrCodeUnknownSubject indicates an append before the subject's genesis.
	ErrCodeUnknownSubject ErrorCode = "UNKNOWN_SUBJECT"

	// ErrCodeInvalidPayload indicates encoding or schema validation failed.
	ErrCodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"

	// ErrCodeInvalidLane indicates an empty or malformed subject or category.
	ErrCodeInvalidLane ErrorCode = "INVALID_LANE"
)

var codeSentinels = map[ErrorCode]error{
	ErrCodeDuplicateHash:  ErrDuplicateHash,
	ErrCodeGenesisExists:  ErrGenesisAlreadyExists,
	ErrCodeUnknownSubject: ErrUnknownSubject,
	ErrCodeInvalidPayload: ErrInvalidPayload,
	ErrCodeInvalidLane:    ErrInvalidLane,
}

// Error is a hard failure of a ledger write. These propagate to the
// caller; none of them is retried.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Lane is the lane being written.
	Lane ir.Lane

	// Hash is the offending hash, when there is one.
	Hash string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (lane=%s", e.Code, e.Message, e.Lane)
	if e.Hash != "" {
		msg += ", hash=" + e.Hash
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's code.
func (e *Error) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

func hasCode(err error, code ErrorCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// IsDuplicateHash reports whether err is a duplicate hash rejection.
func IsDuplicateHash(err error) bool {
	return hasCode(err, ErrCodeDuplicateHash) || errors.Is(err, ir.ErrDuplicateHash)
}

// IsGenesisExists reports whether err rejects a second genesis.
func IsGenesisExists(err error) bool {
	return hasCode(err, ErrCodeGenesisExists)
}

// IsUnknownSubject reports whether err rejects an append before genesis.
func IsUnknownSubject(err error) bool {
	return hasCode(err, ErrCodeUnknownSubject)
}

// IsInvalidPayload reports whether err rejects a payload.
func IsInvalidPayload(err error) bool {
	return hasCode(err, ErrCodeInvalidPayload)
}

func newDuplicateHashError(lane ir.Lane, hash string, cause error) *Error {
	return &Error{
		Code:    ErrCodeDuplicateHash,
		Message: "entry hash already recorded",
		Lane:    lane,
		Hash:    hash,
		Err:     cause,
	}
}

func newGenesisExistsError(subject ir.SubjectID, hash string) *Error {
	return &Error{
		Code:    ErrCodeGenesisExists,
		Message: "subject already has a genesis entry",
		Lane:    ir.GenesisLane(subject),
		Hash:    hash,
	}
}

func newUnknownSubjectError(lane ir.Lane) *Error {
	return &Error{
		Code:    ErrCodeUnknownSubject,
		Message: "subject has no genesis entry",
		Lane:    lane,
	}
}

func newInvalidPayloadError(lane ir.Lane, cause error) *Error {
	return &Error{
		Code:    ErrCodeInvalidPayload,
		Message: "payload rejected",
		Lane:    lane,
		Err:     cause,
	}
}

func newInvalidLaneError(lane ir.Lane, cause error) *Error {
	return &Error{
		Code:    ErrCodeInvalidLane,
		Message: "lane rejected",
		Lane:    lane,
		Err:     cause,
	}
}
