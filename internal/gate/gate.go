// Package gate implements the capability gate: a caller who neither owns a
// subject nor holds a privileged role must present the last SuffixLength
// characters of the subject's genesis hash to unlock it for one session.
//
// The secret is a hash suffix of about 32 bits. It is kept for fidelity
// with the system it replaces and should be swapped for a real per-subject
// credential before protecting anything that matters.
package gate

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/roach88/medchain/internal/ir"
)

// SuffixLength is how many trailing characters of the genesis hash form
// the secret.
const SuffixLength = 8

// State is the gate state of one subject within one session.
type State string

const (
	Locked   State = "locked"
	Unlocked State = "unlocked"
)

// GenesisSource looks up a subject's genesis entry. It returns nil when
// the subject has none.
type GenesisSource interface {
	GenesisEntry(ctx context.Context, subject ir.SubjectID) (*ir.LedgerEntry, error)
}

// Gate checks candidate secrets against genesis hashes.
type Gate struct {
	source      GenesisSource
	maxFailures int
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxFailures locks a subject for the rest of a session after n failed
// checks. Zero means unlimited.
func WithMaxFailures(n int) Option {
	return func(g *Gate) { g.maxFailures = n }
}

// New creates a gate reading genesis entries from source.
func New(source GenesisSource, opts ...Option) *Gate {
	g := &Gate{source: source}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check compares candidate with the subject's secret. A match unlocks the
// subject in sess; anything else leaves it locked and counts a failure. A
// session that already unlocked the subject stays unlocked. The returned
// error is only ever a lookup failure, in which case the state is Locked.
func (g *Gate) Check(ctx context.Context, sess *Session, subject ir.SubjectID, candidate string) (State, error) {
	if sess.Unlocked(subject) {
		return Unlocked, nil
	}
	if g.maxFailures > 0 && sess.Failures(subject) >= g.maxFailures {
		sess.fail(subject)
		slog.Debug("gate locked out", "subject", subject, "session", sess.ID())
		return Locked, nil
	}

	genesis, err := g.source.GenesisEntry(ctx, subject)
	if err != nil {
		return Locked, fmt.Errorf("gate check %s: %w", subject, err)
	}
	if genesis == nil || !Matches(genesis.HashValue, candidate) {
		n := sess.fail(subject)
		slog.Debug("gate check failed", "subject", subject, "session", sess.ID(), "failures", n)
		return Locked, nil
	}

	sess.grant(subject)
	return Unlocked, nil
}

// Matches reports whether candidate equals the last SuffixLength
// characters of genesisHash. The comparison is case-sensitive and takes
// the same time wherever the first difference is.
func Matches(genesisHash, candidate string) bool {
	if len(genesisHash) < SuffixLength || len(candidate) != SuffixLength {
		return false
	}
	secret := genesisHash[len(genesisHash)-SuffixLength:]
	return subtle.ConstantTimeCompare([]byte(secret), []byte(candidate)) == 1
}

// Allowed reports whether caller may read subject without presenting a
// secret now: owners and privileged roles always may, others only after
// unlocking the subject in sess.
func Allowed(sess *Session, caller ir.Role, subject ir.SubjectID) bool {
	if caller.Owns(subject) || caller.Privileged() {
		return true
	}
	return sess != nil && sess.Unlocked(subject)
}
