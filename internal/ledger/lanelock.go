package ledger

import "sync"

// laneLocks hands out one mutex per lane key. Entries are refcounted and
// dropped when the last holder unlocks, so the table only holds lanes with
// an append in flight.
type laneLocks struct {
	mu    sync.Mutex
	lanes map[string]*laneLock
}

type laneLock struct {
	mu   sync.Mutex
	refs int
}

func newLaneLocks() *laneLocks {
	return &laneLocks{lanes: make(map[string]*laneLock)}
}

// lock blocks until the lane is free and returns its unlock function.
func (t *laneLocks) lock(key string) func() {
	t.mu.Lock()
	l, ok := t.lanes[key]
	if !ok {
		l = &laneLock{}
		t.lanes[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.lanes, key)
		}
		t.mu.Unlock()
	}
}

// held returns how many lanes currently have a holder or waiter.
func (t *laneLocks) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lanes)
}
