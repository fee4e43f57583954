// Package notify builds the outbound texts produced by moderation: the
// warning reply to a group and the administrator alert with @-mentions.
package notify

import (
	"context"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/groupguard/groupguard/internal/moderation"
)

// NameLookup resolves the display name of a group member.
type NameLookup interface {
	LookupDisplayName(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) (string, error)
}

// Administrator is an admin identity with an optional display name. Resolved
// is false when the name could not be looked up; such admins are skipped.
type Administrator struct {
	ID          moderation.SenderID
	DisplayName string
	Resolved    bool
}

// Mention marks Text[Offset:Offset+Length], counted in characters (Unicode
// code points), as a reference to ID.
type Mention struct {
	Offset int
	Length int
	ID     moderation.SenderID
}

// Notification is an outbound message with its mention spans.
type Notification struct {
	Text     string
	Mentions []Mention
}

// Build appends "@name " for every resolved administrator, in order, after a
// separator newline, and records a mention span for each appended token.
// Unresolved administrators are skipped without a placeholder. When nobody
// resolves, the text is baseText unchanged.
func Build(baseText string, admins []Administrator) Notification {
	var b strings.Builder
	b.WriteString(baseText)
	pos := utf8.RuneCountInString(baseText)

	n := Notification{}
	for _, a := range admins {
		if !a.Resolved || a.DisplayName == "" {
			continue
		}
		if len(n.Mentions) == 0 {
			b.WriteByte('\n')
			pos++
		}
		token := "@" + a.DisplayName + " "
		length := utf8.RuneCountInString(token)
		n.Mentions = append(n.Mentions, Mention{Offset: pos, Length: length, ID: a.ID})
		b.WriteString(token)
		pos += length
	}
	n.Text = b.String()
	return n
}

// Resolve looks up each administrator's display name in conversation. A
// failed lookup leaves that administrator unresolved; it never fails the
// whole resolution.
func Resolve(ctx context.Context, lookup NameLookup, logger *zap.Logger, conversation moderation.ConversationID, ids []moderation.SenderID) []Administrator {
	out := make([]Administrator, 0, len(ids))
	for _, id := range ids {
		name, err := lookup.LookupDisplayName(ctx, conversation, id)
		if err != nil || name == "" {
			if logger != nil {
				logger.Debug("admin display name unavailable",
					zap.String("admin", string(id)),
					zap.String("conversation", string(conversation)),
					zap.Error(err))
			}
			out = append(out, Administrator{ID: id})
			continue
		}
		out = append(out, Administrator{ID: id, DisplayName: name, Resolved: true})
	}
	return out
}

// MentionText returns the substring of n.Text a mention refers to.
func (n Notification) MentionText(m Mention) string {
	runes := []rune(n.Text)
	if m.Offset < 0 || m.Length < 0 || m.Offset+m.Length > len(runes) {
		return ""
	}
	return string(runes[m.Offset : m.Offset+m.Length])
}

// UTF16Mentions returns the mention spans re-expressed in UTF-16 code units,
// the unit JavaScript and the LINE Messaging API index strings by.
func (n Notification) UTF16Mentions() []Mention {
	if len(n.Mentions) == 0 {
		return nil
	}
	runes := []rune(n.Text)
	prefix := make([]int, len(runes)+1)
	for i, r := range runes {
		w := len(utf16.Encode([]rune{r})) // utf16.RuneLen needs Go 1.23
		if w < 0 {
			w = 1 // invalid runes were decoded as U+FFFD, one unit wide
		}
		prefix[i+1] = prefix[i] + w
	}

	out := make([]Mention, len(n.Mentions))
	for i, m := range n.Mentions {
		out[i] = Mention{
			Offset: prefix[m.Offset],
			Length: prefix[m.Offset+m.Length] - prefix[m.Offset],
			ID:     m.ID,
		}
	}
	return out
}
