package moderation

import (
	"strings"
	"time"
)

// SenderID identifies the author of a message.
type SenderID string

// ConversationID identifies a group chat. It is carried through verdicts but
// never partitions moderation state: a sender warned in one group stays
// warned in every other.
type ConversationID string

// Message is one normalized inbound text message.
type Message struct {
	Sender       SenderID
	Conversation ConversationID
	Text         string
	SentAt       time.Time
}

// Reason is a single cause for classifying a message as spam.
type Reason uint8

const (
	ReasonLink Reason = 1 << iota
	ReasonBannedKeyword
	ReasonRepeatedMessage
)

// String returns the reason name used in logs, metrics and wire events.
func (r Reason) String() string {
	switch r {
	case ReasonLink:
		return "link"
	case ReasonBannedKeyword:
		return "banned_keyword"
	case ReasonRepeatedMessage:
		return "repeated_message"
	default:
		return "unknown"
	}
}

// allReasons lists reasons in check precedence order.
var allReasons = []Reason{ReasonLink, ReasonBannedKeyword, ReasonRepeatedMessage}

// Reasons is an ordered set of Reason values. Iteration always follows check
// precedence (link, then keyword, then repeat) regardless of insertion order.
type Reasons uint8

// Has reports whether r is in the set.
func (rs Reasons) Has(r Reason) bool { return uint8(rs)&uint8(r) != 0 }

// With returns the set with r added.
func (rs Reasons) With(r Reason) Reasons { return Reasons(uint8(rs) | uint8(r)) }

// Empty reports whether the set has no members.
func (rs Reasons) Empty() bool { return rs == 0 }

// List returns the members in precedence order.
func (rs Reasons) List() []Reason {
	out := make([]Reason, 0, len(allReasons))
	for _, r := range allReasons {
		if rs.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Strings returns the member names in precedence order.
func (rs Reasons) Strings() []string {
	list := rs.List()
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.String()
	}
	return out
}

func (rs Reasons) String() string {
	return strings.Join(rs.Strings(), ", ")
}

// VerdictKind is the engine's decision for one message.
type VerdictKind uint8

const (
	VerdictClean VerdictKind = iota
	VerdictWarn
	VerdictEscalate
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictClean:
		return "clean"
	case VerdictWarn:
		return "warn"
	case VerdictEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of moderating one message. Reasons and WarnCount are
// zero for clean verdicts.
type Verdict struct {
	Kind         VerdictKind
	Reasons      Reasons
	WarnCount    uint32
	Sender       SenderID
	Conversation ConversationID
	At           time.Time
}

// RequiresAdmin reports whether administrators must be notified.
func (v Verdict) RequiresAdmin() bool {
	return v.Kind == VerdictEscalate
}

// IsSpam reports whether the message was classified as spam.
func (v Verdict) IsSpam() bool {
	return v.Kind != VerdictClean
}
