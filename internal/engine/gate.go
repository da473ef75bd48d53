package engine

import (
	"errors"
	"fmt"
)

// ErrSafetyAbort signals that a cycle planned to delete more than the
// allowed fraction of previously synced entries, which usually means the
// source fetch came back truncated rather than genuinely shrunk.
var ErrSafetyAbort = errors.New("safety gate abort")

// SafetyGate blocks mass-deletion cycles. When more than Threshold of the
// tracked entries would be deleted in a single cycle, the whole mapping
// cycle is aborted so a transient fetch failure cannot wipe the target.
type SafetyGate struct {
	Threshold float64
	Enabled   bool
}

// Check returns ErrSafetyAbort when the planned deletions exceed the
// threshold ratio of the tracked state. An empty state never trips the
// gate: there is nothing to protect yet.
func (g SafetyGate) Check(planned, tracked int) error {
	if !g.Enabled || tracked == 0 || planned == 0 {
		return nil
	}
	ratio := float64(planned) / float64(tracked)
	if ratio > g.Threshold {
		return fmt.Errorf("%w: %d of %d tracked entries would be deleted (ratio %.2f, threshold %.2f)",
			ErrSafetyAbort, planned, tracked, ratio, g.Threshold)
	}
	return nil
}
