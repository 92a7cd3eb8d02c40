// Package anchor submits ledger hashes to an external anchoring service.
//
// Anchoring is best effort. The ledger calls Submit after an entry is
// committed and only records the receipt; every failure is absorbed and
// logged by the caller.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/medchain/internal/ir"
)

var (
	// ErrNotConfigured is returned when anchoring is disabled.
	ErrNotConfigured = errors.New("anchor not configured")

	// ErrUnreachable is returned when the anchoring service could not be
	// reached or rejected the submission.
	ErrUnreachable = errors.New("anchor unreachable")

	// ErrTimeout is returned when a submission did not settle in time.
	ErrTimeout = errors.New("anchor timeout")
)

// DefaultTimeout bounds a submission when no timeout is configured.
const DefaultTimeout = 3 * time.Second

// Client submits an entry hash and returns the anchoring receipt.
type Client interface {
	Submit(ctx context.Context, subject ir.SubjectID, hash string) (ir.AnchorReceipt, error)
}

// Error describes a failed submission. Kind is one of ErrNotConfigured,
// ErrUnreachable or ErrTimeout.
type Error struct {
	Kind    error
	Subject ir.SubjectID
	Hash    string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v (subject=%s, hash=%s)", e.Kind, e.Subject, e.Hash)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Disabled is the client used when anchoring is switched off.
type Disabled struct{}

// Submit always fails with ErrNotConfigured.
func (Disabled) Submit(_ context.Context, subject ir.SubjectID, hash string) (ir.AnchorReceipt, error) {
	return ir.AnchorReceipt{}, &Error{Kind: ErrNotConfigured, Subject: subject, Hash: hash}
}

// Bounded gives every submission its own deadline. A client that ignores
// its context is detached when the deadline passes and the submission
// resolves to ErrTimeout.
type Bounded struct {
	Client  Client
	Timeout time.Duration
}

type submitResult struct {
	receipt ir.AnchorReceipt
	err     error
}

// Submit calls the wrapped client under the deadline.
func (b Bounded) Submit(ctx context.Context, subject ir.SubjectID, hash string) (ir.AnchorReceipt, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan submitResult, 1)
	go func() {
		receipt, err := b.Client.Submit(ctx, subject, hash)
		done <- submitResult{receipt: receipt, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ErrTimeout) {
			return ir.AnchorReceipt{}, &Error{Kind: ErrTimeout, Subject: subject, Hash: hash, Err: res.err}
		}
		return res.receipt, res.err
	case <-ctx.Done():
		return ir.AnchorReceipt{}, &Error{Kind: ErrTimeout, Subject: subject, Hash: hash, Err: ctx.Err()}
	}
}
