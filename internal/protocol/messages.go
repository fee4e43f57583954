// Package protocol defines the JSON messages exchanged over NATS and the admin
// feed WebSocket. Every message carries a "type" discriminator in a common
// envelope so consumers can decode the rest of the payload lazily.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groupguard/groupguard/internal/moderation"
	"github.com/groupguard/groupguard/internal/notify"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Inbound message types, published by chat gateways and admin tools.
const (
	TypeMessage  = "message"
	TypeJoin     = "join"
	TypeClear    = "clear"
	TypeClearAll = "clear_all"
	TypePing     = "ping"
)

// Outbound message types, published by the moderator.
const (
	TypeVerdict = "verdict"
	TypeAlert   = "alert"
	TypeFlagged = "flagged"
	TypeError   = "error"
	TypePong    = "pong"
)

// Alert kinds.
const (
	AlertEscalation = "escalation"
	AlertRejoin     = "rejoin"
)

var (
	// ErrUnknownType is returned by Parse for a type it does not accept.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMissingField is returned when a required identifier is empty.
	ErrMissingField = errors.New("protocol: missing required field")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

// InboundMessage is a group text message forwarded by a chat gateway.
type InboundMessage struct {
	Type           string `json:"type"`
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Ts             int64  `json:"ts"` // unix milliseconds, 0 = receive time
	Privileged     bool   `json:"privileged,omitempty"`
}

// Moderation converts the wire message into the engine's input.
func (m InboundMessage) Moderation() moderation.Message {
	msg := moderation.Message{
		Sender:       moderation.SenderID(m.SenderID),
		Conversation: moderation.ConversationID(m.ConversationID),
		Text:         m.Text,
	}
	if m.Ts > 0 {
		msg.SentAt = time.UnixMilli(m.Ts)
	}
	return msg
}

// JoinEvent reports a member joining a group.
type JoinEvent struct {
	Type           string `json:"type"`
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	Ts             int64  `json:"ts"`
}

// AdminCommand asks the moderator to forget moderation history. SenderID is
// required for "clear" and ignored for "clear_all".
type AdminCommand struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
}

// PingMsg is a feed client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

// VerdictEvent reports a Warn or Escalate verdict. Reply is the text the
// gateway should post in the group.
type VerdictEvent struct {
	Type           string   `json:"type"`
	ID             string   `json:"id"`
	Verdict        string   `json:"verdict"`
	Reasons        []string `json:"reasons"`
	WarnCount      uint32   `json:"warn_count"`
	MaxWarn        uint32   `json:"max_warn"`
	SenderID       string   `json:"sender_id"`
	ConversationID string   `json:"conversation_id"`
	Reply          string   `json:"reply,omitempty"`
	Ts             int64    `json:"ts"`
}

// MentionSpan marks an administrator mention in an alert text. Offsets are in
// UTF-16 code units, the unit chat clients index text by.
type MentionSpan struct {
	Offset int    `json:"index"`
	Length int    `json:"length"`
	UserID string `json:"user_id"`
}

// AlertEvent asks the group's administrators to review a sender.
type AlertEvent struct {
	Type           string        `json:"type"`
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	SenderID       string        `json:"sender_id"`
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	Mentions       []MentionSpan `json:"mentions"`
	Ts             int64         `json:"ts"`
}

// FlaggedEntry is one row of a FlaggedMsg.
type FlaggedEntry struct {
	SenderID  string `json:"sender_id"`
	FlaggedAt int64  `json:"flagged_at"`
}

// FlaggedMsg is sent to a feed client when it connects: the senders
// currently awaiting review.
type FlaggedMsg struct {
	Type    string         `json:"type"`
	Senders []FlaggedEntry `json:"senders"`
}

// ErrorMsg reports a malformed request back to a feed client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a PingMsg.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewVerdictEvent builds the wire form of a verdict.
func NewVerdictEvent(v moderation.Verdict, maxWarn uint32, reply string) VerdictEvent {
	reasons := v.Reasons.Strings()
	return VerdictEvent{
		Type:           TypeVerdict,
		ID:             uuid.NewString(),
		Verdict:        v.Kind.String(),
		Reasons:        reasons,
		WarnCount:      v.WarnCount,
		MaxWarn:        maxWarn,
		SenderID:       string(v.Sender),
		ConversationID: string(v.Conversation),
		Reply:          reply,
		Ts:             v.At.UnixMilli(),
	}
}

// NewAlertEvent builds an alert from a rendered notification.
func NewAlertEvent(kind string, sender moderation.SenderID, conversation moderation.ConversationID, n notify.Notification, at time.Time) AlertEvent {
	spans := n.UTF16Mentions()
	mentions := make([]MentionSpan, len(spans))
	for i, m := range spans {
		mentions[i] = MentionSpan{Offset: m.Offset, Length: m.Length, UserID: string(m.ID)}
	}
	return AlertEvent{
		Type:           TypeAlert,
		ID:             uuid.NewString(),
		Kind:           kind,
		SenderID:       string(sender),
		ConversationID: string(conversation),
		Text:           n.Text,
		Mentions:       mentions,
		Ts:             at.UnixMilli(),
	}
}

// NewFlaggedMsg lists the registry snapshot.
func NewFlaggedMsg(flagged []moderation.FlaggedSender) FlaggedMsg {
	entries := make([]FlaggedEntry, len(flagged))
	for i, f := range flagged {
		entries[i] = FlaggedEntry{SenderID: string(f.Sender), FlaggedAt: f.FlaggedAt.UnixMilli()}
	}
	return FlaggedMsg{Type: TypeFlagged, Senders: entries}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// Parse decodes an inbound message into its concrete struct. It returns the
// message type, the decoded value and any error. Unknown and outbound-only
// types yield ErrUnknownType; messages missing the identifiers they need
// yield ErrMissingField.
func Parse(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m InboundMessage
		if err = json.Unmarshal(env.Raw, &m); err == nil && (m.SenderID == "" || m.ConversationID == "") {
			err = ErrMissingField
		}
		msg = m
	case TypeJoin:
		var m JoinEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && (m.SenderID == "" || m.ConversationID == "") {
			err = ErrMissingField
		}
		msg = m
	case TypeClear:
		var m AdminCommand
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.SenderID == "" {
			err = ErrMissingField
		}
		msg = m
	case TypeClearAll:
		var m AdminCommand
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Encode marshals payload with msgType injected under the "type" key.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
