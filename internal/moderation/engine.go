package moderation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// DefaultMaxWarn is the warning count at which a sender is escalated.
const DefaultMaxWarn = 3

// lockStripes is the number of per-sender lock stripes. Senders hashing to
// different stripes never contend.
const lockStripes = 256

// Policy selects when a spam message escalates instead of warning.
type Policy uint8

const (
	// PolicyThreshold escalates once the warning count reaches MaxWarn.
	PolicyThreshold Policy = iota
	// PolicyImmediate escalates on any link or banned keyword. Repeated
	// messages alone still follow the threshold.
	PolicyImmediate
)

func (p Policy) String() string {
	if p == PolicyImmediate {
		return "immediate"
	}
	return "threshold"
}

// ParsePolicy parses "threshold" or "immediate". Empty selects the threshold
// policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "threshold":
		return PolicyThreshold, nil
	case "immediate":
		return PolicyImmediate, nil
	default:
		return PolicyThreshold, fmt.Errorf("moderation: unknown escalation policy %q", s)
	}
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Keywords     []string
	LinkPattern  *regexp.Regexp
	RepeatWindow time.Duration
	MaxWarn      uint32
	Policy       Policy
	// Privileged senders bypass every check and never touch engine state.
	Privileged []SenderID
	// Now supplies the time for messages without SentAt.
	Now func() time.Time
}

// Engine composes the matcher and the per-sender stores into the moderation
// state machine: Clean -> Warned(n) -> Escalated.
type Engine struct {
	matcher  *KeywordMatcher
	tracker  *RepeatTracker
	ledger   *WarningLedger
	registry *SenderRegistry

	maxWarn    uint32
	policy     Policy
	privileged map[SenderID]struct{}
	now        func() time.Time

	locks [lockStripes]sync.Mutex
}

// NewEngine builds an engine with fresh stores.
func NewEngine(opts Options) *Engine {
	if opts.MaxWarn == 0 {
		opts.MaxWarn = DefaultMaxWarn
	}
	if opts.Keywords == nil {
		opts.Keywords = DefaultKeywords
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	privileged := make(map[SenderID]struct{}, len(opts.Privileged))
	for _, id := range opts.Privileged {
		privileged[id] = struct{}{}
	}

	return &Engine{
		matcher:    NewKeywordMatcher(opts.Keywords, opts.LinkPattern),
		tracker:    NewRepeatTracker(opts.RepeatWindow),
		ledger:     NewWarningLedger(),
		registry:   NewSenderRegistry(),
		maxWarn:    opts.MaxWarn,
		policy:     opts.Policy,
		privileged: privileged,
		now:        opts.Now,
	}
}

// HandleMessage moderates one message and returns the verdict. privileged
// marks a sender the caller already knows to be exempt; senders in the
// configured privileged set are exempt as well. Exempt senders always get a
// clean verdict and leave no trace in the engine's stores.
//
// Messages from one sender are moderated one at a time; callers that need
// arrival order must submit them in that order.
func (e *Engine) HandleMessage(msg Message, privileged bool) Verdict {
	at := msg.SentAt
	if at.IsZero() {
		at = e.now()
	}
	v := Verdict{
		Kind:         VerdictClean,
		Sender:       msg.Sender,
		Conversation: msg.Conversation,
		At:           at,
	}
	if privileged || e.IsPrivileged(msg.Sender) {
		return v
	}

	mu := e.lockFor(msg.Sender)
	mu.Lock()
	defer mu.Unlock()

	reasons := e.matcher.Classify(msg.Text)
	if e.tracker.CheckAndRecord(msg.Sender, msg.Text, at) {
		reasons = reasons.With(ReasonRepeatedMessage)
	}
	if reasons.Empty() {
		return v
	}

	count := e.ledger.Increment(msg.Sender)
	v.Reasons = reasons
	v.WarnCount = count
	if e.escalates(reasons, count) {
		v.Kind = VerdictEscalate
		e.registry.FlagAt(msg.Sender, at)
	} else {
		v.Kind = VerdictWarn
	}
	return v
}

func (e *Engine) escalates(reasons Reasons, count uint32) bool {
	if count >= e.maxWarn {
		return true
	}
	if e.policy == PolicyImmediate {
		return reasons.Has(ReasonLink) || reasons.Has(ReasonBannedKeyword)
	}
	return false
}

// IsPrivileged reports whether sender is in the configured privileged set.
func (e *Engine) IsPrivileged(sender SenderID) bool {
	_, ok := e.privileged[sender]
	return ok
}

// ClearSender resets the sender's warnings and removes it from the registry.
func (e *Engine) ClearSender(sender SenderID) {
	mu := e.lockFor(sender)
	mu.Lock()
	defer mu.Unlock()

	e.ledger.Reset(sender)
	e.registry.Clear(sender)
}

// ClearAll resets every warning count and empties the registry.
func (e *Engine) ClearAll() {
	e.ledger.ResetAll()
	e.registry.ClearAll()
}

// CheckRejoin reports whether a sender joining a group was flagged before,
// and when.
func (e *Engine) CheckRejoin(sender SenderID) (time.Time, bool) {
	if e.IsPrivileged(sender) {
		return time.Time{}, false
	}
	return e.registry.FlaggedAt(sender)
}

// WarnCount returns the sender's current warning count.
func (e *Engine) WarnCount(sender SenderID) uint32 {
	return e.ledger.Count(sender)
}

// IsFlagged reports whether the sender has been escalated and not cleared.
func (e *Engine) IsFlagged(sender SenderID) bool {
	return e.registry.IsFlagged(sender)
}

// Flagged returns the registry snapshot.
func (e *Engine) Flagged() []FlaggedSender {
	return e.registry.Flagged()
}

// MaxWarn returns the escalation threshold.
func (e *Engine) MaxWarn() uint32 {
	return e.maxWarn
}

// Policy returns the escalation policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Matcher returns the engine's keyword matcher.
func (e *Engine) Matcher() *KeywordMatcher {
	return e.matcher
}

// Stats is a point-in-time view of the engine's store sizes.
type Stats struct {
	TrackedSenders int
	WarnedSenders  int
	FlaggedSenders int
}

// Stats returns the current store sizes.
func (e *Engine) Stats() Stats {
	return Stats{
		TrackedSenders: e.tracker.Len(),
		WarnedSenders:  e.ledger.Len(),
		FlaggedSenders: e.registry.Len(),
	}
}

func (e *Engine) lockFor(sender SenderID) *sync.Mutex {
	return &e.locks[murmur3.Sum32([]byte(sender))%lockStripes]
}
