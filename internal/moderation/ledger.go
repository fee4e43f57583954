package moderation

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// WarningLedger holds the warning count of every sender. Counts only grow
// until an administrator resets them.
type WarningLedger struct {
	counts *xsync.MapOf[SenderID, uint32]
}

// NewWarningLedger returns an empty ledger.
func NewWarningLedger() *WarningLedger {
	return &WarningLedger{counts: xsync.NewMapOf[SenderID, uint32]()}
}

// Increment atomically adds one warning to sender and returns the new count.
// Concurrent increments for the same sender never observe the same value.
func (l *WarningLedger) Increment(sender SenderID) uint32 {
	n, _ := l.counts.Compute(sender, func(old uint32, _ bool) (uint32, bool) {
		return old + 1, false
	})
	return n
}

// Count returns the sender's current count; unknown senders have zero.
func (l *WarningLedger) Count(sender SenderID) uint32 {
	n, _ := l.counts.Load(sender)
	return n
}

// Reset sets the sender's count back to zero.
func (l *WarningLedger) Reset(sender SenderID) {
	l.counts.Delete(sender)
}

// ResetAll clears every count.
func (l *WarningLedger) ResetAll() {
	l.counts.Clear()
}

// Len returns the number of senders with a non-zero count.
func (l *WarningLedger) Len() int {
	return l.counts.Size()
}
