package moderation

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// FlaggedSender is one registry entry.
type FlaggedSender struct {
	Sender    SenderID
	FlaggedAt time.Time
}

// SenderRegistry is the set of senders that have been escalated. Membership
// is global, so it survives a sender leaving and re-joining any group, and
// only an explicit Clear removes it.
type SenderRegistry struct {
	flagged *xsync.MapOf[SenderID, time.Time]
}

// NewSenderRegistry returns an empty registry.
func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{flagged: xsync.NewMapOf[SenderID, time.Time]()}
}

// Flag adds sender to the registry, stamped with the current time.
func (r *SenderRegistry) Flag(sender SenderID) {
	r.FlagAt(sender, time.Now())
}

// FlagAt adds sender to the registry. Re-flagging keeps the original time.
func (r *SenderRegistry) FlagAt(sender SenderID, at time.Time) {
	r.flagged.LoadOrStore(sender, at)
}

// IsFlagged reports whether sender is in the registry.
func (r *SenderRegistry) IsFlagged(sender SenderID) bool {
	_, ok := r.flagged.Load(sender)
	return ok
}

// FlaggedAt returns when sender was first flagged.
func (r *SenderRegistry) FlaggedAt(sender SenderID) (time.Time, bool) {
	return r.flagged.Load(sender)
}

// Clear removes sender from the registry.
func (r *SenderRegistry) Clear(sender SenderID) {
	r.flagged.Delete(sender)
}

// ClearAll empties the registry.
func (r *SenderRegistry) ClearAll() {
	r.flagged.Clear()
}

// Len returns the number of flagged senders.
func (r *SenderRegistry) Len() int {
	return r.flagged.Size()
}

// Flagged returns a snapshot of the registry ordered by flag time, oldest
// first.
func (r *SenderRegistry) Flagged() []FlaggedSender {
	out := make([]FlaggedSender, 0, r.flagged.Size())
	r.flagged.Range(func(s SenderID, at time.Time) bool {
		out = append(out, FlaggedSender{Sender: s, FlaggedAt: at})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlaggedAt.Equal(out[j].FlaggedAt) {
			return out[i].Sender < out[j].Sender
		}
		return out[i].FlaggedAt.Before(out[j].FlaggedAt)
	})
	return out
}
