package moderation

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultRepeatWindow is how close two identical messages must be to count
// as a repeat.
const DefaultRepeatWindow = 7 * time.Second

// lastMessage is the snapshot kept for each sender.
type lastMessage struct {
	text   string
	sentAt time.Time
}

// RepeatTracker remembers the most recent message of every sender and flags
// byte-identical messages sent again within the window.
type RepeatTracker struct {
	window time.Duration
	last   *xsync.MapOf[SenderID, lastMessage]
}

// NewRepeatTracker creates a tracker. A non-positive window selects
// DefaultRepeatWindow.
func NewRepeatTracker(window time.Duration) *RepeatTracker {
	if window <= 0 {
		window = DefaultRepeatWindow
	}
	return &RepeatTracker{
		window: window,
		last:   xsync.NewMapOf[SenderID, lastMessage](),
	}
}

// CheckAndRecord reports whether text repeats the sender's previous message
// within the window, then records (text, now) as the new previous message.
// The record is overwritten whatever the outcome, so in a burst of identical
// messages every message after the first is a repeat.
func (t *RepeatTracker) CheckAndRecord(sender SenderID, text string, now time.Time) bool {
	var repeat bool
	t.last.Compute(sender, func(prev lastMessage, loaded bool) (lastMessage, bool) {
		repeat = loaded && prev.text == text && now.Sub(prev.sentAt) <= t.window
		return lastMessage{text: text, sentAt: now}, false
	})
	return repeat
}

// Last returns the sender's recorded message, if any.
func (t *RepeatTracker) Last(sender SenderID) (string, time.Time, bool) {
	rec, ok := t.last.Load(sender)
	return rec.text, rec.sentAt, ok
}

// Forget drops the sender's record.
func (t *RepeatTracker) Forget(sender SenderID) {
	t.last.Delete(sender)
}

// Len returns the number of senders with a record.
func (t *RepeatTracker) Len() int {
	return t.last.Size()
}

// Window returns the configured repeat window.
func (t *RepeatTracker) Window() time.Duration {
	return t.window
}
