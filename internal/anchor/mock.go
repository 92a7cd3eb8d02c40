package anchor

import (
	"context"
	"sync"

	"github.com/roach88/medchain/internal/clock"
	"github.com/roach88/medchain/internal/ir"
)

// Mock is an in-memory stand-in for a public-chain anchoring service. The
// transaction reference is "0x" followed by the hash and block heights
// increase by one per submission.
type Mock struct {
	mu       sync.Mutex
	clock    clock.Clock
	height   uint64
	fail     error
	receipts map[string]ir.AnchorReceipt
}

// NewMock creates a mock whose first receipt has block height start+1.
func NewMock(c clock.Clock, start uint64) *Mock {
	if c == nil {
		c = clock.System{}
	}
	return &Mock{clock: c, height: start, receipts: make(map[string]ir.AnchorReceipt)}
}

// Submit records the hash and returns a receipt, or the configured failure.
func (m *Mock) Submit(ctx context.Context, subject ir.SubjectID, hash string) (ir.AnchorReceipt, error) {
	if err := ctx.Err(); err != nil {
		return ir.AnchorReceipt{}, &Error{Kind: ErrTimeout, Subject: subject, Hash: hash, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return ir.AnchorReceipt{}, &Error{Kind: m.fail, Subject: subject, Hash: hash}
	}
	m.height++
	receipt := ir.AnchorReceipt{
		TxRef:       "0x" + hash,
		BlockHeight: m.height,
		AnchoredAt:  m.clock.Now().UTC(),
	}
	m.receipts[hash] = receipt
	return receipt, nil
}

// FailWith makes subsequent submissions fail with kind. Pass nil to
// recover.
func (m *Mock) FailWith(kind error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = kind
}

// Receipt returns the receipt issued for hash.
func (m *Mock) Receipt(hash string) (ir.AnchorReceipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[hash]
	return r, ok
}

// Submitted returns how many submissions succeeded.
func (m *Mock) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receipts)
}
