// Package clock supplies the wall-clock time stamped on ledger entries and
// audit records.
package clock

import "time"

// Clock returns the current time. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

// System reads the host clock. Monotonic readings are stripped so stamped
// times compare and round-trip exactly.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().Round(0).UTC()
}

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
